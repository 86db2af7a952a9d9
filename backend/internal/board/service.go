// Package board 看板变更：移动、创建、更新、评论、重排。
//
// 每个变更在持久化成功之后才会推送给房间内其他连接，并写入活动流。
// 同一容器内的排序写入按容器串行化，读兄弟节点与写入之间不会插入别的写。
package board

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/metrics"
	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
	"boardServer/backend/internal/store"
)

// Relayer 把事件推送给看板房间内除 origin 以外的连接，不阻塞。
// 一次提交产生的多条事件整批传入
type Relayer interface {
	Relay(originConnID, boardID string, evs ...Event)
}

// EventSink 活动流（Kafka）
type EventSink interface {
	Enqueue(ctx context.Context, ev Event) error
}

type Options struct {
	Relayer Relayer
	Sink    EventSink
	Metrics *metrics.Metrics
	Sem     *SemaphoreControl
	// SinkTimeout 活动流入队最多等待多久，超时丢弃
	SinkTimeout time.Duration
}

type Service struct {
	store       store.Store
	relay       Relayer
	sink        EventSink
	metrics     *metrics.Metrics
	sem         *SemaphoreControl
	locks       *containerLocks
	sinkTimeout time.Duration
}

func NewService(st store.Store, opt Options) *Service {
	if opt.Sem == nil {
		opt.Sem = NewSemaphoreControl(DefaultMaxConcurrent)
	}
	if opt.SinkTimeout <= 0 {
		opt.SinkTimeout = 200 * time.Millisecond
	}
	return &Service{
		store:       st,
		relay:       opt.Relayer,
		sink:        opt.Sink,
		metrics:     opt.Metrics,
		sem:         opt.Sem,
		locks:       newContainerLocks(),
		sinkTimeout: opt.SinkTimeout,
	}
}

// SetRelayer 连接管理器创建之后再注入
func (s *Service) SetRelayer(r Relayer) { s.relay = r }

type MoveIntent struct {
	EntityType      model.Kind `json:"entityType"`
	EntityID        string     `json:"entityId"`
	FromContainerID string     `json:"fromContainerId,omitempty"`
	ToContainerID   string     `json:"toContainerId"`
	// 移动完成后在目标容器中的下标，负数或越界表示追加到末尾
	TargetIndex int `json:"targetIndex"`
}

type MoveResult struct {
	Entity     model.Ordered `json:"entity"`
	NoOp       bool          `json:"noOp,omitempty"`
	Rebalanced bool          `json:"rebalanced,omitempty"`
}

// CanAccess 看板 owner 或 member
func (s *Service) CanAccess(ctx context.Context, p authservice.Principal, boardID string) (bool, error) {
	return s.store.HasBoardAccess(ctx, p.ID, boardID)
}

func (s *Service) authorize(ctx context.Context, p authservice.Principal, boardID string) error {
	ok, err := s.store.HasBoardAccess(ctx, p.ID, boardID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d on board %s", ErrForbidden, p.ID, boardID)
	}
	return nil
}

func (s *Service) acquire(ctx context.Context) (release func(), err error) {
	if err := s.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	return func() { _ = s.sem.Release() }, nil
}

// Move 把实体移动到目标容器的 TargetIndex 处
func (s *Service) Move(ctx context.Context, p authservice.Principal, originConnID string, in MoveIntent) (res MoveResult, err error) {
	start := time.Now()
	defer func() {
		s.metrics.Mutation("move", err)
		s.metrics.ObserveMove(start)
	}()

	if !in.EntityType.Valid() || in.EntityID == "" {
		return res, fmt.Errorf("%w: entityType and entityId are required", ErrInvalidInput)
	}
	cur, err := s.store.GetOrdered(ctx, in.EntityType, in.EntityID)
	if err != nil {
		return res, err
	}
	if err := s.authorize(ctx, p, cur.BoardID); err != nil {
		return res, err
	}
	to := in.ToContainerID
	if to == "" {
		to = cur.ContainerID
	}
	if err := s.checkTarget(ctx, in.EntityType, cur, to); err != nil {
		return res, err
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()
	unlock := s.locks.Lock(in.EntityType, to)
	defer unlock()

	for attempt := 0; ; attempt++ {
		res, err = s.moveLocked(ctx, p, originConnID, in, to)
		if err != nil && position.IsInvalidRange(err) && attempt == 0 {
			log.WithFields(log.Fields{"entity": in.EntityID, "container": to}).
				WithError(err).Warn("move: stale neighbors, retrying with fresh siblings")
			continue
		}
		return res, err
	}
}

func (s *Service) moveLocked(ctx context.Context, p authservice.Principal, origin string, in MoveIntent, to string) (MoveResult, error) {
	// 拿到锁之后重新读，实体可能刚被别的请求移走
	cur, err := s.store.GetOrdered(ctx, in.EntityType, in.EntityID)
	if err != nil {
		return MoveResult{}, err
	}
	// 目标列表可能在等锁期间被删除
	if err := s.checkTarget(ctx, in.EntityType, cur, to); err != nil {
		return MoveResult{}, err
	}
	if in.FromContainerID != "" && in.FromContainerID != cur.ContainerID {
		log.WithFields(log.Fields{
			"entity": cur.ID, "claimedFrom": in.FromContainerID, "actualFrom": cur.ContainerID,
		}).Debug("move: client source container is stale")
	}

	sibs, err := s.store.Siblings(ctx, in.EntityType, to)
	if err != nil {
		return MoveResult{}, err
	}
	same := cur.ContainerID == to
	place := position.Resolve(sibs, cur.ID, same, in.TargetIndex)
	if place.NoOp {
		return MoveResult{Entity: cur, NoOp: true}, nil
	}

	rebalanced := false
	if position.NeedsRebalance(position.Keys(sibs)) {
		if sibs, err = s.rebalanceLocked(ctx, p, in.EntityType, to, sibs); err != nil {
			return MoveResult{}, err
		}
		rebalanced = true
		place = position.Resolve(sibs, cur.ID, same, in.TargetIndex)
	}

	key, err := place.Allocate()
	if errors.Is(err, position.ErrKeySpaceExhausted) && !rebalanced {
		if sibs, err = s.rebalanceLocked(ctx, p, in.EntityType, to, sibs); err != nil {
			return MoveResult{}, err
		}
		rebalanced = true
		place = position.Resolve(sibs, cur.ID, same, in.TargetIndex)
		key, err = place.Allocate()
	}
	if err != nil {
		return MoveResult{}, err
	}

	version, err := s.store.WritePosition(ctx, in.EntityType, cur.ID, to, key)
	if err != nil {
		log.WithFields(log.Fields{"entity": cur.ID, "container": to}).WithError(err).Error("move: persist failed")
		return MoveResult{}, err
	}

	moved := cur
	moved.ContainerID = to
	moved.OrderKey = key
	moved.Version = version
	moved.UpdatedAt = time.Now()
	s.publish(ctx, origin, movedEvent(p, moved))
	return MoveResult{Entity: moved, Rebalanced: rebalanced}, nil
}

func (s *Service) checkTarget(ctx context.Context, kind model.Kind, cur model.Ordered, to string) error {
	if kind == model.KindList {
		if to != cur.BoardID {
			return fmt.Errorf("%w: lists cannot leave board %s", ErrInvalidMove, cur.BoardID)
		}
		return nil
	}
	l, err := s.store.GetList(ctx, to)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: target list %s does not exist", ErrInvalidMove, to)
	}
	if err != nil {
		return err
	}
	if l.BoardID != cur.BoardID {
		return fmt.Errorf("%w: target list %s is on another board", ErrInvalidMove, to)
	}
	return nil
}

// rebalanceLocked 调用方必须持有容器锁。重写的每个兄弟节点都推送给房间内所有连接（包括发起者）
func (s *Service) rebalanceLocked(ctx context.Context, p authservice.Principal, kind model.Kind, containerID string, sibs []position.Sibling) ([]position.Sibling, error) {
	out, err := s.applyRebalance(ctx, p, kind, containerID, sibs)
	if err != nil {
		return nil, err
	}
	fresh := make([]position.Sibling, len(out))
	for i, o := range out {
		fresh[i] = position.Sibling{ID: o.ID, Key: o.OrderKey}
	}
	return fresh, nil
}

func (s *Service) applyRebalance(ctx context.Context, p authservice.Principal, kind model.Kind, containerID string, sibs []position.Sibling) ([]model.Ordered, error) {
	out, err := s.store.ApplyRebalance(ctx, kind, containerID, position.RebalanceSiblings(sibs))
	if err != nil {
		log.WithFields(log.Fields{"kind": kind, "container": containerID}).WithError(err).Error("rebalance failed")
		return nil, err
	}
	s.metrics.Rebalanced(string(kind))
	log.WithFields(log.Fields{"kind": kind, "container": containerID, "siblings": len(out)}).Info("container rebalanced")
	evs := make([]Event, len(out))
	for i, o := range out {
		evs[i] = movedEvent(p, o)
	}
	s.publish(ctx, "", evs...)
	return out, nil
}

// Rebalance 手动重排一个容器
func (s *Service) Rebalance(ctx context.Context, p authservice.Principal, kind model.Kind, containerID string) (out []model.Ordered, err error) {
	defer func() { s.metrics.Mutation("rebalance", err) }()
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	boardID, err := s.boardOf(ctx, kind, containerID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, boardID); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	unlock := s.locks.Lock(kind, containerID)
	defer unlock()
	sibs, err := s.store.Siblings(ctx, kind, containerID)
	if err != nil {
		return nil, err
	}
	return s.applyRebalance(ctx, p, kind, containerID, sibs)
}

func (s *Service) boardOf(ctx context.Context, kind model.Kind, containerID string) (string, error) {
	if kind == model.KindList {
		b, err := s.store.GetBoard(ctx, containerID)
		if err != nil {
			return "", err
		}
		return b.ID, nil
	}
	l, err := s.store.GetList(ctx, containerID)
	if err != nil {
		return "", err
	}
	return l.BoardID, nil
}

// placeNewLocked 给新实体分配键：index 为 nil 时追加到末尾
func (s *Service) placeNewLocked(ctx context.Context, p authservice.Principal, kind model.Kind, containerID string, index *int) (decimal.Decimal, error) {
	sibs, err := s.store.Siblings(ctx, kind, containerID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if index == nil {
		return position.AllocateInitial(position.Keys(sibs)), nil
	}
	if position.NeedsRebalance(position.Keys(sibs)) {
		if sibs, err = s.rebalanceLocked(ctx, p, kind, containerID, sibs); err != nil {
			return decimal.Decimal{}, err
		}
	}
	key, err := position.Resolve(sibs, "", false, *index).Allocate()
	if errors.Is(err, position.ErrKeySpaceExhausted) {
		if sibs, err = s.rebalanceLocked(ctx, p, kind, containerID, sibs); err != nil {
			return decimal.Decimal{}, err
		}
		key, err = position.Resolve(sibs, "", false, *index).Allocate()
	}
	return key, err
}

func (s *Service) CreateList(ctx context.Context, p authservice.Principal, originConnID, boardID, title string, index *int) (l *model.List, err error) {
	defer func() { s.metrics.Mutation("create_list", err) }()
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if _, err := s.store.GetBoard(ctx, boardID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, boardID); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	unlock := s.locks.Lock(model.KindList, boardID)
	defer unlock()

	key, err := s.placeNewLocked(ctx, p, model.KindList, boardID, index)
	if err != nil {
		return nil, err
	}
	l = &model.List{BoardID: boardID, Title: title, OrderKey: key}
	if err := s.store.CreateList(ctx, l); err != nil {
		return nil, err
	}
	s.publish(ctx, originConnID, createdEvent(p, l.Ordered(), map[string]any{"title": l.Title}))
	return l, nil
}

func (s *Service) CreateCard(ctx context.Context, p authservice.Principal, originConnID, listID, title, description string, index *int) (c *model.Card, err error) {
	defer func() { s.metrics.Mutation("create_card", err) }()
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	l, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, l.BoardID); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	unlock := s.locks.Lock(model.KindCard, listID)
	defer unlock()

	key, err := s.placeNewLocked(ctx, p, model.KindCard, listID, index)
	if err != nil {
		return nil, err
	}
	c = &model.Card{ListID: listID, BoardID: l.BoardID, Title: title, Description: description, OrderKey: key}
	if err := s.store.CreateCard(ctx, c); err != nil {
		return nil, err
	}
	s.publish(ctx, originConnID, createdEvent(p, c.Ordered(), map[string]any{
		"title":       c.Title,
		"description": c.Description,
	}))
	return c, nil
}

type ListPatch struct {
	Title *string `json:"title"`
}

type CardPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// UpdateList 只写入并推送真正变化的字段，没有变化时不写库
func (s *Service) UpdateList(ctx context.Context, p authservice.Principal, originConnID, listID string, patch ListPatch) (l *model.List, err error) {
	defer func() { s.metrics.Mutation("update_list", err) }()
	l, err = s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, l.BoardID); err != nil {
		return nil, err
	}
	changed := map[string]any{}
	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		if t == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
		}
		if t != l.Title {
			changed["title"] = t
		}
	}
	if len(changed) == 0 {
		return l, nil
	}
	if _, err := s.store.UpdateFields(ctx, model.KindList, listID, changed); err != nil {
		return nil, err
	}
	if l, err = s.store.GetList(ctx, listID); err != nil {
		return nil, err
	}
	s.publish(ctx, originConnID, updatedEvent(p, l.Ordered(), changed))
	return l, nil
}

func (s *Service) UpdateCard(ctx context.Context, p authservice.Principal, originConnID, cardID string, patch CardPatch) (c *model.Card, err error) {
	defer func() { s.metrics.Mutation("update_card", err) }()
	c, err = s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, c.BoardID); err != nil {
		return nil, err
	}
	changed := map[string]any{}
	if patch.Title != nil {
		t := strings.TrimSpace(*patch.Title)
		if t == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
		}
		if t != c.Title {
			changed["title"] = t
		}
	}
	if patch.Description != nil && *patch.Description != c.Description {
		changed["description"] = *patch.Description
	}
	if len(changed) == 0 {
		return c, nil
	}
	if _, err := s.store.UpdateFields(ctx, model.KindCard, cardID, changed); err != nil {
		return nil, err
	}
	if c, err = s.store.GetCard(ctx, cardID); err != nil {
		return nil, err
	}
	s.publish(ctx, originConnID, updatedEvent(p, c.Ordered(), changed))
	return c, nil
}

func (s *Service) AddComment(ctx context.Context, p authservice.Principal, originConnID, cardID, body string) (cm *model.Comment, err error) {
	defer func() { s.metrics.Mutation("add_comment", err) }()
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: comment body is required", ErrInvalidInput)
	}
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, card.BoardID); err != nil {
		return nil, err
	}
	cm = &model.Comment{CardID: cardID, BoardID: card.BoardID, AuthorID: p.ID, Body: body}
	if err := s.store.AddComment(ctx, cm); err != nil {
		return nil, err
	}
	s.publish(ctx, originConnID, Event{
		EventType:  EventCommentAdded,
		BoardID:    card.BoardID,
		EntityID:   card.ID,
		EntityType: model.KindCard,
		Payload: Payload{Fields: map[string]any{
			"commentId": cm.ID,
			"body":      cm.Body,
		}},
		ActingPrincipal: p,
		OccurredAt:      cm.CreatedAt.UTC(),
	})
	return cm, nil
}

// Delete 删除列表（连同其中的卡片）或卡片，不触发重排
func (s *Service) Delete(ctx context.Context, p authservice.Principal, originConnID string, kind model.Kind, id string) (err error) {
	defer func() { s.metrics.Mutation("delete", err) }()
	if !kind.Valid() || id == "" {
		return fmt.Errorf("%w: kind and id are required", ErrInvalidInput)
	}
	cur, err := s.store.GetOrdered(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, p, cur.BoardID); err != nil {
		return err
	}
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	unlock := s.locks.Lock(kind, cur.ContainerID)
	defer unlock()
	if kind == model.KindList {
		// 列表内的卡片一起删除，和移入这个列表的 move 串行
		unlockCards := s.locks.Lock(model.KindCard, id)
		defer unlockCards()
	}

	// 等锁期间卡片可能被移到了别的列表，容器以最新的为准
	if cur, err = s.store.GetOrdered(ctx, kind, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, kind, id); err != nil {
		return err
	}
	s.publish(ctx, originConnID, Event{
		EventType:       EventEntityDeleted,
		BoardID:         cur.BoardID,
		EntityID:        cur.ID,
		EntityType:      kind,
		Payload:         Payload{ContainerID: cur.ContainerID, Version: cur.Version + 1},
		ActingPrincipal: p,
		OccurredAt:      time.Now().UTC(),
	})
	return nil
}

func (s *Service) CreateBoard(ctx context.Context, p authservice.Principal, title string) (*model.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	b := &model.Board{OwnerID: p.ID, Title: title}
	if err := s.store.CreateBoard(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AddMember 只有 owner 可以邀请成员
func (s *Service) AddMember(ctx context.Context, p authservice.Principal, boardID string, userID uint64) error {
	b, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if b.OwnerID != p.ID {
		return fmt.Errorf("%w: only the owner can add members", ErrForbidden)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return s.store.AddMember(ctx, boardID, userID)
}

// Snapshot 整板数据，客户端重新加载时使用
func (s *Service) Snapshot(ctx context.Context, p authservice.Principal, boardID string) (*model.BoardSnapshot, error) {
	if _, err := s.store.GetBoard(ctx, boardID); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p, boardID); err != nil {
		return nil, err
	}
	return s.store.LoadBoard(ctx, boardID)
}

// publish 写入已提交之后调用。同一批事件属于同一个看板，活动流入队共用一个超时
func (s *Service) publish(ctx context.Context, origin string, evs ...Event) {
	if len(evs) == 0 {
		return
	}
	if s.relay != nil {
		s.relay.Relay(origin, evs[0].BoardID, evs...)
	}
	if s.sink == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sinkTimeout)
	defer cancel()
	for _, ev := range evs {
		if err := s.sink.Enqueue(sctx, ev); err != nil {
			log.WithFields(log.Fields{"event": ev.EventType, "entity": ev.EntityID}).
				WithError(err).Warn("activity stream enqueue failed, event dropped")
		}
	}
}

func createdEvent(p authservice.Principal, o model.Ordered, fields map[string]any) Event {
	ev := movedEvent(p, o)
	ev.EventType = EventEntityCreated
	ev.Payload.Fields = fields
	return ev
}

func updatedEvent(p authservice.Principal, o model.Ordered, fields map[string]any) Event {
	return Event{
		EventType:       EventEntityUpdated,
		BoardID:         o.BoardID,
		EntityID:        o.ID,
		EntityType:      o.Kind,
		Payload:         Payload{Version: o.Version, Fields: fields},
		ActingPrincipal: p,
		OccurredAt:      time.Now().UTC(),
	}
}
