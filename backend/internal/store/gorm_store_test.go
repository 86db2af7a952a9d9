package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
)

// 需要真实 MySQL：BOARD_TEST_MYSQL_DSN="user:pass@tcp(127.0.0.1:3306)/board_test?parseTime=true"
func openTestGorm(t *testing.T) *GormStore {
	t.Helper()
	dsn := os.Getenv("BOARD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("BOARD_TEST_MYSQL_DSN not set")
	}
	db, err := OpenMySQL(dsn)
	require.NoError(t, err)
	s := NewGormStore(db)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func TestGormStoreMoveAndRebalance(t *testing.T) {
	s := openTestGorm(t)
	ctx := context.Background()

	owner := &model.User{Username: "u-" + uuid.NewString()[:8], PasswordHash: []byte("x")}
	require.NoError(t, s.CreateUser(ctx, owner))
	assert.ErrorIs(t, s.CreateUser(ctx, &model.User{Username: owner.Username, PasswordHash: []byte("x")}), ErrUsernameTaken)

	b := &model.Board{OwnerID: owner.ID, Title: "t"}
	require.NoError(t, s.CreateBoard(ctx, b))
	ok, err := s.HasBoardAccess(ctx, owner.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	l := &model.List{BoardID: b.ID, Title: "todo", OrderKey: decimal.NewFromInt(1000)}
	require.NoError(t, s.CreateList(ctx, l))
	c1 := &model.Card{ListID: l.ID, BoardID: b.ID, Title: "a", OrderKey: decimal.NewFromInt(1000)}
	c2 := &model.Card{ListID: l.ID, BoardID: b.ID, Title: "b", OrderKey: decimal.NewFromInt(2000)}
	require.NoError(t, s.CreateCard(ctx, c1))
	require.NoError(t, s.CreateCard(ctx, c2))

	v, err := s.WritePosition(ctx, model.KindCard, c2.ID, l.ID, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	sibs, err := s.Siblings(ctx, model.KindCard, l.ID)
	require.NoError(t, err)
	require.Len(t, sibs, 2)
	assert.Equal(t, c2.ID, sibs[0].ID)

	out, err := s.ApplyRebalance(ctx, model.KindCard, l.ID, position.RebalanceSiblings(sibs))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[1].OrderKey.Equal(decimal.NewFromInt(2000)))

	snap, err := s.LoadBoard(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, snap.Lists, 1)
	assert.Len(t, snap.Lists[0].Cards, 2)

	gone := &model.List{BoardID: b.ID, Title: "gone", OrderKey: decimal.NewFromInt(2000)}
	require.NoError(t, s.CreateList(ctx, gone))
	require.NoError(t, s.Delete(ctx, model.KindList, gone.ID))
	_, err = s.WritePosition(ctx, model.KindCard, c1.ID, gone.ID, decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, model.KindList, l.ID))
	_, err = s.GetCard(ctx, c1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, model.KindList, l.ID), ErrNotFound)
}
