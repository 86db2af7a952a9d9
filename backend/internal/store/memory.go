package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
)

// MemoryStore 进程内存储。未配置 MySQL 时使用，测试也用它
type MemoryStore struct {
	mu sync.RWMutex

	nextUserID uint64
	users      map[uint64]model.User
	usernames  map[string]uint64

	boards   map[string]model.Board
	members  map[string]map[uint64]string
	lists    map[string]model.List
	cards    map[string]model.Card
	comments map[string]model.Comment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[uint64]model.User),
		usernames: make(map[string]uint64),
		boards:    make(map[string]model.Board),
		members:   make(map[string]map[uint64]string),
		lists:     make(map[string]model.List),
		cards:     make(map[string]model.Card),
		comments:  make(map[string]model.Comment),
	}
}

func (s *MemoryStore) AutoMigrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Siblings(ctx context.Context, kind model.Kind, containerID string) ([]position.Sibling, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("siblings", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return position.Sorted(s.siblingsLocked(kind, containerID)), nil
}

func (s *MemoryStore) siblingsLocked(kind model.Kind, containerID string) []position.Sibling {
	var out []position.Sibling
	if kind == model.KindList {
		for _, l := range s.lists {
			if l.BoardID == containerID {
				out = append(out, position.Sibling{ID: l.ID, Key: l.OrderKey})
			}
		}
		return out
	}
	for _, c := range s.cards {
		if c.ListID == containerID {
			out = append(out, position.Sibling{ID: c.ID, Key: c.OrderKey})
		}
	}
	return out
}

func (s *MemoryStore) GetOrdered(ctx context.Context, kind model.Kind, id string) (model.Ordered, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == model.KindList {
		l, ok := s.lists[id]
		if !ok {
			return model.Ordered{}, ErrNotFound
		}
		return l.Ordered(), nil
	}
	c, ok := s.cards[id]
	if !ok {
		return model.Ordered{}, ErrNotFound
	}
	return c.Ordered(), nil
}

func (s *MemoryStore) WritePosition(ctx context.Context, kind model.Kind, id, containerID string, key decimal.Decimal) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapErr("write position", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if kind == model.KindList {
		l, ok := s.lists[id]
		if !ok {
			return 0, ErrNotFound
		}
		l.BoardID = containerID
		l.OrderKey = key
		l.Version++
		l.UpdatedAt = now
		s.lists[id] = l
		return l.Version, nil
	}
	c, ok := s.cards[id]
	if !ok {
		return 0, ErrNotFound
	}
	list, ok := s.lists[containerID]
	if !ok {
		return 0, fmt.Errorf("write position: list %s: %w", containerID, ErrNotFound)
	}
	c.BoardID = list.BoardID
	c.ListID = containerID
	c.OrderKey = key
	c.Version++
	c.UpdatedAt = now
	s.cards[id] = c
	return c.Version, nil
}

func (s *MemoryStore) ApplyRebalance(ctx context.Context, kind model.Kind, containerID string, assignments []position.Assignment) ([]model.Ordered, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr("rebalance", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.siblingsLocked(kind, containerID)
	if len(current) != len(assignments) {
		return nil, mapErr("rebalance", ErrRebalanceConflict)
	}
	inContainer := make(map[string]bool, len(current))
	for _, sib := range current {
		inContainer[sib.ID] = true
	}
	for _, a := range assignments {
		if !inContainer[a.ID] {
			return nil, mapErr("rebalance", ErrRebalanceConflict)
		}
	}

	now := time.Now()
	out := make([]model.Ordered, 0, len(assignments))
	for _, a := range assignments {
		if kind == model.KindList {
			l := s.lists[a.ID]
			l.OrderKey = a.Key
			l.Version++
			l.UpdatedAt = now
			s.lists[a.ID] = l
			out = append(out, l.Ordered())
			continue
		}
		c := s.cards[a.ID]
		c.OrderKey = a.Key
		c.Version++
		c.UpdatedAt = now
		s.cards[a.ID] = c
		out = append(out, c.Ordered())
	}
	sortOrdered(out)
	return out, nil
}

func sortOrdered(out []model.Ordered) {
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].OrderKey.Cmp(out[j].OrderKey); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
}

func (s *MemoryStore) CreateBoard(ctx context.Context, b *model.Board) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	s.boards[b.ID] = *b
	s.members[b.ID] = map[uint64]string{b.OwnerID: model.RoleOwner}
	return nil
}

func (s *MemoryStore) GetBoard(ctx context.Context, id string) (*model.Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryStore) AddMember(ctx context.Context, boardID string, userID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[boardID]; !ok {
		return ErrNotFound
	}
	m := s.members[boardID]
	if _, ok := m[userID]; ok {
		return ErrAlreadyMember
	}
	m[userID] = model.RoleMember
	return nil
}

func (s *MemoryStore) HasBoardAccess(ctx context.Context, userID uint64, boardID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[boardID]
	if !ok {
		return false, nil
	}
	if b.OwnerID == userID {
		return true, nil
	}
	_, ok = s.members[boardID][userID]
	return ok, nil
}

func (s *MemoryStore) CreateList(ctx context.Context, l *model.List) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boards[l.BoardID]; !ok {
		return fmt.Errorf("create list: board %s: %w", l.BoardID, ErrNotFound)
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Version == 0 {
		l.Version = 1
	}
	now := time.Now()
	l.CreatedAt, l.UpdatedAt = now, now
	s.lists[l.ID] = *l
	return nil
}

func (s *MemoryStore) CreateCard(ctx context.Context, c *model.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.lists[c.ListID]
	if !ok {
		return fmt.Errorf("create card: list %s: %w", c.ListID, ErrNotFound)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	c.BoardID = list.BoardID
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	s.cards[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetList(ctx context.Context, id string) (*model.List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (s *MemoryStore) GetCard(ctx context.Context, id string) (*model.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) UpdateFields(ctx context.Context, kind model.Kind, id string, fields map[string]any) (uint64, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("update fields: nothing to update")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if kind == model.KindList {
		l, ok := s.lists[id]
		if !ok {
			return 0, ErrNotFound
		}
		if v, ok := fields["title"].(string); ok {
			l.Title = v
		}
		l.Version++
		l.UpdatedAt = now
		s.lists[id] = l
		return l.Version, nil
	}
	c, ok := s.cards[id]
	if !ok {
		return 0, ErrNotFound
	}
	if v, ok := fields["title"].(string); ok {
		c.Title = v
	}
	if v, ok := fields["description"].(string); ok {
		c.Description = v
	}
	c.Version++
	c.UpdatedAt = now
	s.cards[id] = c
	return c.Version, nil
}

func (s *MemoryStore) AddComment(ctx context.Context, c *model.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[c.CardID]
	if !ok {
		return fmt.Errorf("add comment: card %s: %w", c.CardID, ErrNotFound)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.BoardID = card.BoardID
	c.CreatedAt = time.Now()
	s.comments[c.ID] = *c
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, kind model.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == model.KindList {
		if _, ok := s.lists[id]; !ok {
			return ErrNotFound
		}
		for cid, c := range s.cards {
			if c.ListID == id {
				s.deleteCardLocked(cid)
			}
		}
		delete(s.lists, id)
		return nil
	}
	if _, ok := s.cards[id]; !ok {
		return ErrNotFound
	}
	s.deleteCardLocked(id)
	return nil
}

func (s *MemoryStore) deleteCardLocked(id string) {
	for cmID, cm := range s.comments {
		if cm.CardID == id {
			delete(s.comments, cmID)
		}
	}
	delete(s.cards, id)
}

func (s *MemoryStore) LoadBoard(ctx context.Context, boardID string) (*model.BoardSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[boardID]
	if !ok {
		return nil, ErrNotFound
	}
	var lists []model.List
	for _, l := range s.lists {
		if l.BoardID == boardID {
			lists = append(lists, l)
		}
	}
	sort.SliceStable(lists, func(i, j int) bool {
		if c := lists[i].OrderKey.Cmp(lists[j].OrderKey); c != 0 {
			return c < 0
		}
		return lists[i].ID < lists[j].ID
	})
	var cards []model.Card
	for _, c := range s.cards {
		if c.BoardID == boardID {
			cards = append(cards, c)
		}
	}
	sort.SliceStable(cards, func(i, j int) bool {
		if c := cards[i].OrderKey.Cmp(cards[j].OrderKey); c != 0 {
			return c < 0
		}
		return cards[i].ID < cards[j].ID
	})
	return buildSnapshot(b, lists, cards), nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usernames[u.Username]; ok {
		return ErrUsernameTaken
	}
	s.nextUserID++
	u.ID = s.nextUserID
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = *u
	s.usernames[u.Username] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id uint64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}
