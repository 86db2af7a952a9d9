package board

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
	"boardServer/backend/internal/store"
)

type relayed struct {
	origin string
	ev     Event
}

type fakeRelayer struct {
	mu      sync.Mutex
	events  []relayed
	batches int
}

func (f *fakeRelayer) Relay(origin, boardID string, evs ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	for _, ev := range evs {
		f.events = append(f.events, relayed{origin: origin, ev: ev})
	}
}

func (f *fakeRelayer) all() []relayed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayed(nil), f.events...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Enqueue(ctx context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// failingStore 写排序键时模拟数据库故障
type failingStore struct {
	*store.MemoryStore
}

func (f failingStore) WritePosition(ctx context.Context, kind model.Kind, id, containerID string, key decimal.Decimal) (uint64, error) {
	return 0, fmt.Errorf("write position: %w: connection reset", store.ErrPersistence)
}

type fixture struct {
	svc      *Service
	relay    *fakeRelayer
	sink     *fakeSink
	owner    authservice.Principal
	outsider authservice.Principal
	board    *model.Board
	todo     *model.List
	done     *model.List
	cardA    *model.Card
	cardC    *model.Card
}

func newFixture(t *testing.T, st store.Store, mem *store.MemoryStore) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{relay: &fakeRelayer{}, sink: &fakeSink{}}
	f.svc = NewService(st, Options{Relayer: f.relay, Sink: f.sink})

	alice := &model.User{Username: "alice", DisplayName: "Alice"}
	require.NoError(t, mem.CreateUser(ctx, alice))
	mallory := &model.User{Username: "mallory"}
	require.NoError(t, mem.CreateUser(ctx, mallory))
	f.owner = authservice.PrincipalOf(alice)
	f.outsider = authservice.PrincipalOf(mallory)

	f.board = &model.Board{OwnerID: alice.ID, Title: "sprint"}
	require.NoError(t, mem.CreateBoard(ctx, f.board))
	f.todo = &model.List{BoardID: f.board.ID, Title: "todo", OrderKey: decimal.NewFromInt(1000)}
	f.done = &model.List{BoardID: f.board.ID, Title: "done", OrderKey: decimal.NewFromInt(2000)}
	require.NoError(t, mem.CreateList(ctx, f.todo))
	require.NoError(t, mem.CreateList(ctx, f.done))
	f.cardA = &model.Card{ListID: f.todo.ID, Title: "A", OrderKey: decimal.NewFromInt(1000)}
	f.cardC = &model.Card{ListID: f.todo.ID, Title: "C", OrderKey: decimal.NewFromInt(2000)}
	require.NoError(t, mem.CreateCard(ctx, f.cardA))
	require.NoError(t, mem.CreateCard(ctx, f.cardC))
	return f
}

func TestMoveToHeadRelaysToOthers(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	res, err := f.svc.Move(ctx, f.owner, "conn-1", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardC.ID,
		FromContainerID: f.todo.ID, ToContainerID: f.todo.ID, TargetIndex: 0,
	})
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.True(t, res.Entity.OrderKey.Equal(decimal.NewFromInt(500)))
	assert.EqualValues(t, 2, res.Entity.Version)

	sibs, err := mem.Siblings(ctx, model.KindCard, f.todo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{f.cardC.ID, f.cardA.ID}, []string{sibs[0].ID, sibs[1].ID})

	events := f.relay.all()
	require.Len(t, events, 1)
	assert.Equal(t, "conn-1", events[0].origin)
	ev := events[0].ev
	assert.Equal(t, EventEntityMoved, ev.EventType)
	assert.Equal(t, f.board.ID, ev.BoardID)
	assert.Equal(t, f.todo.ID, ev.Payload.ContainerID)
	assert.Equal(t, "500", ev.Payload.OrderKey.String())
	assert.Equal(t, f.owner, ev.ActingPrincipal)
	assert.Len(t, f.sink.events, 1)
}

func TestMoveNoOpDoesNotWrite(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)

	res, err := f.svc.Move(context.Background(), f.owner, "conn-1", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardA.ID, ToContainerID: f.todo.ID, TargetIndex: 0,
	})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.EqualValues(t, 1, res.Entity.Version)
	assert.Empty(t, f.relay.all())
	assert.Empty(t, f.sink.events)
}

func TestMovePersistenceFailureIsNotRelayed(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, failingStore{mem}, mem)

	_, err := f.svc.Move(context.Background(), f.owner, "conn-1", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardC.ID, ToContainerID: f.todo.ID, TargetIndex: 0,
	})
	require.ErrorIs(t, err, store.ErrPersistence)
	assert.Empty(t, f.relay.all())
	assert.Empty(t, f.sink.events)

	got, err := mem.GetCard(context.Background(), f.cardC.ID)
	require.NoError(t, err)
	assert.True(t, got.OrderKey.Equal(decimal.NewFromInt(2000)))
}

func TestMoveForbidden(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)

	_, err := f.svc.Move(context.Background(), f.outsider, "", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardA.ID, ToContainerID: f.done.ID,
	})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, f.relay.all())
}

func TestMoveAcrossListsAndBoards(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	res, err := f.svc.Move(ctx, f.owner, "", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardA.ID, ToContainerID: f.done.ID, TargetIndex: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, f.done.ID, res.Entity.ContainerID)
	assert.True(t, res.Entity.OrderKey.Equal(position.Step))

	other := &model.Board{OwnerID: f.owner.ID, Title: "other"}
	require.NoError(t, mem.CreateBoard(ctx, other))
	foreign := &model.List{BoardID: other.ID, Title: "x", OrderKey: position.Step}
	require.NoError(t, mem.CreateList(ctx, foreign))

	_, err = f.svc.Move(ctx, f.owner, "", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardA.ID, ToContainerID: foreign.ID,
	})
	assert.ErrorIs(t, err, ErrInvalidMove)

	_, err = f.svc.Move(ctx, f.owner, "", MoveIntent{
		EntityType: model.KindList, EntityID: f.todo.ID, ToContainerID: other.ID,
	})
	assert.ErrorIs(t, err, ErrInvalidMove)

	_, err = f.svc.Move(ctx, f.owner, "", MoveIntent{
		EntityType: model.KindCard, EntityID: "missing", ToContainerID: f.done.ID,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMoveRebalancesCrowdedContainer(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	tight := &model.Card{ListID: f.todo.ID, Title: "B", OrderKey: decimal.RequireFromString("1000.000000001")}
	require.NoError(t, mem.CreateCard(ctx, tight))

	res, err := f.svc.Move(ctx, f.owner, "conn-1", MoveIntent{
		EntityType: model.KindCard, EntityID: f.cardC.ID, ToContainerID: f.todo.ID, TargetIndex: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.Rebalanced)

	sibs, err := mem.Siblings(ctx, model.KindCard, f.todo.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{f.cardA.ID, f.cardC.ID, tight.ID}, []string{sibs[0].ID, sibs[1].ID, sibs[2].ID})
	assert.False(t, position.NeedsRebalance(position.Keys(sibs)))

	// 3 条重排事件发给所有人，最后一条是移动本身，不发回发起者
	events := f.relay.all()
	require.Len(t, events, 4)
	for _, e := range events[:3] {
		assert.Equal(t, "", e.origin)
	}
	assert.Equal(t, "conn-1", events[3].origin)
	assert.Equal(t, f.cardC.ID, events[3].ev.EntityID)
	// 重排一批，移动一批
	assert.Equal(t, 2, f.relay.batches)
}

func TestCreateAndUpdate(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	c, err := f.svc.CreateCard(ctx, f.owner, "conn-1", f.done.ID, "new card", "", nil)
	require.NoError(t, err)
	assert.True(t, c.OrderKey.Equal(position.Step))

	head := 0
	c2, err := f.svc.CreateCard(ctx, f.owner, "conn-1", f.done.ID, "first", "", &head)
	require.NoError(t, err)
	assert.True(t, c2.OrderKey.LessThan(c.OrderKey))

	l, err := f.svc.CreateList(ctx, f.owner, "", f.board.ID, "review", nil)
	require.NoError(t, err)
	assert.True(t, l.OrderKey.Equal(decimal.NewFromInt(3000)))

	title := "renamed"
	same := "new card"
	desc := "details"
	_, err = f.svc.UpdateCard(ctx, f.owner, "conn-1", c.ID, CardPatch{Title: &same})
	require.NoError(t, err)
	updated, err := f.svc.UpdateCard(ctx, f.owner, "conn-1", c.ID, CardPatch{Title: &title, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.EqualValues(t, 2, updated.Version)

	events := f.relay.all()
	require.Len(t, events, 4)
	assert.Equal(t, EventEntityCreated, events[0].ev.EventType)
	last := events[3].ev
	assert.Equal(t, EventEntityUpdated, last.EventType)
	assert.Equal(t, map[string]any{"title": "renamed", "description": "details"}, last.Payload.Fields)
	assert.Nil(t, last.Payload.OrderKey)

	_, err = f.svc.CreateList(ctx, f.outsider, "", f.board.ID, "nope", nil)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.CreateCard(ctx, f.owner, "", f.done.ID, "   ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAddComment(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)

	cm, err := f.svc.AddComment(context.Background(), f.owner, "conn-9", f.cardA.ID, "looks good")
	require.NoError(t, err)
	assert.Equal(t, f.board.ID, cm.BoardID)

	events := f.relay.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventCommentAdded, events[0].ev.EventType)
	assert.Equal(t, f.cardA.ID, events[0].ev.EntityID)
	assert.Equal(t, "conn-9", events[0].origin)
}

func TestMembersAndSnapshot(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, f.outsider, f.board.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.ErrorIs(t, f.svc.AddMember(ctx, f.outsider, f.board.ID, f.outsider.ID), ErrForbidden)
	require.NoError(t, f.svc.AddMember(ctx, f.owner, f.board.ID, f.outsider.ID))

	snap, err := f.svc.Snapshot(ctx, f.outsider, f.board.ID)
	require.NoError(t, err)
	require.Len(t, snap.Lists, 2)
	assert.Len(t, snap.Lists[0].Cards, 2)
}

func TestExplicitRebalance(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)

	out, err := f.svc.Rebalance(context.Background(), f.owner, model.KindList, f.board.ID)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, f.todo.ID, out[0].ID)
	assert.Len(t, f.relay.all(), 2)
}

func TestConcurrentMovesKeepKeysDistinct(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		c := &model.Card{ListID: f.done.ID, Title: fmt.Sprint(i), OrderKey: decimal.NewFromInt(int64(1000 * (i + 1)))}
		require.NoError(t, mem.CreateCard(ctx, c))
		ids = append(ids, c.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Move(ctx, f.owner, "", MoveIntent{
				EntityType: model.KindCard, EntityID: id, ToContainerID: f.todo.ID, TargetIndex: 1,
			})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	sibs, err := mem.Siblings(ctx, model.KindCard, f.todo.ID)
	require.NoError(t, err)
	require.Len(t, sibs, 10)
	seen := map[string]bool{}
	for _, s := range sibs {
		assert.False(t, seen[s.Key.String()], "duplicate key %s", s.Key)
		seen[s.Key.String()] = true
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeForbidden, Code(fmt.Errorf("wrap: %w", ErrForbidden)))
	assert.Equal(t, CodePersistence, Code(fmt.Errorf("x: %w", store.ErrPersistence)))
	assert.Equal(t, CodeNotFound, Code(store.ErrNotFound))
	assert.Equal(t, CodeInvalid, Code(ErrInvalidMove))
	assert.Equal(t, CodeInternal, Code(fmt.Errorf("boom")))
	assert.Equal(t, "", Code(nil))
}

func TestDeleteKeepsSiblingKeys(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	ctx := context.Background()

	require.NoError(t, f.svc.Delete(ctx, f.owner, "conn-1", model.KindCard, f.cardA.ID))
	sibs, err := mem.Siblings(ctx, model.KindCard, f.todo.ID)
	require.NoError(t, err)
	require.Len(t, sibs, 1)
	assert.True(t, sibs[0].Key.Equal(decimal.NewFromInt(2000)))

	events := f.relay.all()
	require.Len(t, events, 1)
	assert.Equal(t, "conn-1", events[0].origin)
	ev := events[0].ev
	assert.Equal(t, EventEntityDeleted, ev.EventType)
	assert.Equal(t, f.todo.ID, ev.Payload.ContainerID)
	assert.EqualValues(t, 2, ev.Payload.Version)

	assert.ErrorIs(t, f.svc.Delete(ctx, f.outsider, "", model.KindList, f.todo.ID), ErrForbidden)
	require.NoError(t, f.svc.Delete(ctx, f.owner, "", model.KindList, f.todo.ID))
	_, err = mem.GetCard(ctx, f.cardC.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.owner, "", model.KindList, f.todo.ID), store.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, f.owner, "", model.Kind("column"), "x"), ErrInvalidInput)
}

// listDroppingStore 在 move 的某一步里删除目标列表，模拟并发删除
type listDroppingStore struct {
	*store.MemoryStore
	listID string
	onRead int
	reads  int
	onSibs bool
}

func (s *listDroppingStore) drop(ctx context.Context) {
	_ = s.MemoryStore.Delete(ctx, model.KindList, s.listID)
}

func (s *listDroppingStore) GetOrdered(ctx context.Context, kind model.Kind, id string) (model.Ordered, error) {
	s.reads++
	if s.reads == s.onRead {
		s.drop(ctx)
	}
	return s.MemoryStore.GetOrdered(ctx, kind, id)
}

func (s *listDroppingStore) Siblings(ctx context.Context, kind model.Kind, containerID string) ([]position.Sibling, error) {
	if s.onSibs && kind == model.KindCard && containerID == s.listID {
		s.onSibs = false
		s.drop(ctx)
	}
	return s.MemoryStore.Siblings(ctx, kind, containerID)
}

func TestMoveIntoListDeletedMidMove(t *testing.T) {
	cases := []struct {
		name    string
		onRead  int
		onSibs  bool
		wantErr error
	}{
		{name: "deleted while waiting for the lock", onRead: 2, wantErr: ErrInvalidMove},
		{name: "deleted after siblings were read", onSibs: true, wantErr: store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			st := &listDroppingStore{MemoryStore: mem, onRead: tc.onRead, onSibs: tc.onSibs}
			f := newFixture(t, st, mem)
			st.listID = f.done.ID
			ctx := context.Background()

			_, err := f.svc.Move(ctx, f.owner, "conn-1", MoveIntent{
				EntityType: model.KindCard, EntityID: f.cardA.ID, ToContainerID: f.done.ID, TargetIndex: 0,
			})
			assert.ErrorIs(t, err, tc.wantErr)

			a, err := mem.GetOrdered(ctx, model.KindCard, f.cardA.ID)
			require.NoError(t, err)
			assert.Equal(t, f.todo.ID, a.ContainerID)
			assert.EqualValues(t, 1, a.Version)
			snap, err := mem.LoadBoard(ctx, f.board.ID)
			require.NoError(t, err)
			require.Len(t, snap.Lists, 1)
			assert.Len(t, snap.Lists[0].Cards, 2)
			assert.Empty(t, f.relay.all())
		})
	}
}

func TestRebalanceRespectsMutationLimit(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixture(t, mem, mem)
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))
	f.svc = NewService(mem, Options{Relayer: f.relay, Sem: sem})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.svc.Rebalance(ctx, f.owner, model.KindCard, f.todo.ID)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, f.relay.all())

	require.NoError(t, sem.Release())
	out, err := f.svc.Rebalance(context.Background(), f.owner, model.KindCard, f.todo.ID)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, f.relay.batches)
}
