// Package client 看板的客户端副本：乐观移动、确认/回滚、合并服务端推送的事件
package client

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"boardServer/backend/internal/board"
	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
)

// ErrStaleClientState 本地副本跟不上服务端（实体/容器未知或版本跳号），需要整板重新加载
var ErrStaleClientState = errors.New("stale client state")

type Entity struct {
	Kind        model.Kind
	ID          string
	ContainerID string
	OrderKey    decimal.Decimal
	Version     uint64
	Title       string
	Description string
	Comments    int
}

// pendingMove 移动前的位置。superseded 表示之后已经收到服务端给出的位置，回滚时不再恢复
type pendingMove struct {
	kind        model.Kind
	id          string
	containerID string
	key         decimal.Decimal
	seq         uint64
	superseded  bool
}

// BoardView 单个看板的本地副本，并发安全
type BoardView struct {
	mu      sync.RWMutex
	boardID string
	lists   map[string]*Entity
	cards   map[string]*Entity
	pending map[string]pendingMove
	seq     uint64
}

func NewBoardView() *BoardView {
	return &BoardView{
		lists:   make(map[string]*Entity),
		cards:   make(map[string]*Entity),
		pending: make(map[string]pendingMove),
	}
}

// Load 用快照整体替换本地状态，未确认的乐观移动一并丢弃
func (v *BoardView) Load(snap *model.BoardSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.boardID = snap.Board.ID
	v.lists = make(map[string]*Entity, len(snap.Lists))
	v.cards = make(map[string]*Entity)
	v.pending = make(map[string]pendingMove)
	for _, l := range snap.Lists {
		v.lists[l.ID] = &Entity{
			Kind: model.KindList, ID: l.ID, ContainerID: l.BoardID,
			OrderKey: l.OrderKey, Version: l.Version, Title: l.Title,
		}
		for _, c := range l.Cards {
			v.cards[c.ID] = &Entity{
				Kind: model.KindCard, ID: c.ID, ContainerID: c.ListID,
				OrderKey: c.OrderKey, Version: c.Version, Title: c.Title, Description: c.Description,
			}
		}
	}
}

func (v *BoardView) BoardID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.boardID
}

func (v *BoardView) table(kind model.Kind) map[string]*Entity {
	if kind == model.KindList {
		return v.lists
	}
	return v.cards
}

func (v *BoardView) containerKnown(kind model.Kind, containerID string) bool {
	if kind == model.KindList {
		return containerID == v.boardID
	}
	_, ok := v.lists[containerID]
	return ok
}

// Get 返回副本
func (v *BoardView) Get(kind model.Kind, id string) (Entity, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.table(kind)[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Ordered 容器内实体的显示顺序
func (v *BoardView) Ordered(kind model.Kind, containerID string) []Entity {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.orderedLocked(kind, containerID)
}

func (v *BoardView) orderedLocked(kind model.Kind, containerID string) []Entity {
	var out []Entity
	for _, e := range v.table(kind) {
		if e.ContainerID == containerID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].OrderKey.Cmp(out[j].OrderKey); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApplyLocalMove 乐观地在本地执行移动，返回要发给服务端的意图。
// 本地算不出新键（间隙耗尽）时不改本地状态，等服务端确认
func (v *BoardView) ApplyLocalMove(requestID string, kind model.Kind, id, toContainerID string, targetIndex int) (board.MoveIntent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.table(kind)[id]
	if !ok {
		return board.MoveIntent{}, fmt.Errorf("%w: unknown %s %s", ErrStaleClientState, kind, id)
	}
	if toContainerID == "" {
		toContainerID = e.ContainerID
	}
	if !v.containerKnown(kind, toContainerID) {
		return board.MoveIntent{}, fmt.Errorf("%w: unknown container %s", ErrStaleClientState, toContainerID)
	}
	intent := board.MoveIntent{
		EntityType:      kind,
		EntityID:        id,
		FromContainerID: e.ContainerID,
		ToContainerID:   toContainerID,
		TargetIndex:     targetIndex,
	}

	sibs := v.orderedLocked(kind, toContainerID)
	siblings := make([]position.Sibling, len(sibs))
	for i, s := range sibs {
		siblings[i] = position.Sibling{ID: s.ID, Key: s.OrderKey}
	}
	place := position.Resolve(siblings, id, e.ContainerID == toContainerID, targetIndex)
	if place.NoOp {
		return intent, nil
	}
	key, err := place.Allocate()
	if err != nil {
		return intent, nil
	}
	v.seq++
	v.pending[requestID] = pendingMove{kind: kind, id: id, containerID: e.ContainerID, key: e.OrderKey, seq: v.seq}
	e.ContainerID = toContainerID
	e.OrderKey = key
	return intent, nil
}

// Confirm 用服务端确认的位置覆盖乐观结果。res 为 nil 表示重复请求，保留本地状态
func (v *BoardView) Confirm(requestID string, res *board.MoveResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pending, requestID)
	if res == nil {
		return
	}
	e, ok := v.table(res.Entity.Kind)[res.Entity.ID]
	if !ok || res.Entity.Version <= e.Version {
		return
	}
	e.ContainerID = res.Entity.ContainerID
	e.OrderKey = res.Entity.OrderKey
	e.Version = res.Entity.Version
	v.supersedeLocked(res.Entity.Kind, res.Entity.ID)
}

// supersedeLocked 服务端的位置已经覆盖了这个实体上所有未确认的移动
func (v *BoardView) supersedeLocked(kind model.Kind, id string) {
	for reqID, p := range v.pending {
		if p.kind == kind && p.id == id {
			p.superseded = true
			v.pending[reqID] = p
		}
	}
}

// Rollback 服务端拒绝时恢复移动前的位置。
// 期间已合并过服务端位置的不恢复；同一实体上还有更晚的乐观移动时无法恢复，返回 ErrStaleClientState
func (v *BoardView) Rollback(requestID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pending[requestID]
	if !ok {
		return nil
	}
	delete(v.pending, requestID)
	e, ok := v.table(p.kind)[p.id]
	if !ok || p.superseded {
		return nil
	}
	for _, other := range v.pending {
		if other.kind == p.kind && other.id == p.id && other.seq > p.seq && !other.superseded {
			return fmt.Errorf("%w: %s %s has a later local move", ErrStaleClientState, p.kind, p.id)
		}
	}
	e.ContainerID = p.containerID
	e.OrderKey = p.key
	return nil
}

// Pending 未确认的乐观移动数
func (v *BoardView) Pending() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.pending)
}

// Merge 合并服务端推送的事件。
// 版本不高于本地的事件直接忽略；跳号、实体或容器未知时返回 ErrStaleClientState
func (v *BoardView) Merge(ev board.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ev.BoardID != v.boardID {
		return nil
	}

	switch ev.EventType {
	case board.EventEntityCreated:
		tbl := v.table(ev.EntityType)
		if e, ok := tbl[ev.EntityID]; ok && ev.Payload.Version <= e.Version {
			return nil
		}
		if !v.containerKnown(ev.EntityType, ev.Payload.ContainerID) {
			return fmt.Errorf("%w: created in unknown container %s", ErrStaleClientState, ev.Payload.ContainerID)
		}
		e := &Entity{Kind: ev.EntityType, ID: ev.EntityID, ContainerID: ev.Payload.ContainerID, Version: ev.Payload.Version}
		if ev.Payload.OrderKey != nil {
			e.OrderKey = *ev.Payload.OrderKey
		}
		applyFields(e, ev.Payload.Fields)
		tbl[ev.EntityID] = e
		return nil

	case board.EventEntityMoved:
		e, err := v.versioned(ev)
		if err != nil || e == nil {
			return err
		}
		if !v.containerKnown(ev.EntityType, ev.Payload.ContainerID) {
			return fmt.Errorf("%w: moved to unknown container %s", ErrStaleClientState, ev.Payload.ContainerID)
		}
		e.ContainerID = ev.Payload.ContainerID
		if ev.Payload.OrderKey != nil {
			e.OrderKey = *ev.Payload.OrderKey
		}
		e.Version = ev.Payload.Version
		v.supersedeLocked(ev.EntityType, ev.EntityID)
		return nil

	case board.EventEntityUpdated:
		e, err := v.versioned(ev)
		if err != nil || e == nil {
			return err
		}
		applyFields(e, ev.Payload.Fields)
		e.Version = ev.Payload.Version
		return nil

	case board.EventEntityDeleted:
		// 本地已经没有的实体不算过期
		delete(v.table(ev.EntityType), ev.EntityID)
		if ev.EntityType == model.KindList {
			for id, c := range v.cards {
				if c.ContainerID == ev.EntityID {
					delete(v.cards, id)
				}
			}
		}
		return nil

	case board.EventCommentAdded:
		e, ok := v.cards[ev.EntityID]
		if !ok {
			return fmt.Errorf("%w: comment on unknown card %s", ErrStaleClientState, ev.EntityID)
		}
		e.Comments++
		return nil
	}
	return nil
}

// versioned 返回 nil, nil 表示事件已过期应忽略
func (v *BoardView) versioned(ev board.Event) (*Entity, error) {
	e, ok := v.table(ev.EntityType)[ev.EntityID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown %s %s", ErrStaleClientState, ev.EntityType, ev.EntityID)
	}
	if ev.Payload.Version <= e.Version {
		return nil, nil
	}
	if ev.Payload.Version > e.Version+1 {
		return nil, fmt.Errorf("%w: %s version %d after %d", ErrStaleClientState, ev.EntityID, ev.Payload.Version, e.Version)
	}
	return e, nil
}

func applyFields(e *Entity, fields map[string]any) {
	if t, ok := fields["title"].(string); ok {
		e.Title = t
	}
	if d, ok := fields["description"].(string); ok {
		e.Description = d
	}
}
