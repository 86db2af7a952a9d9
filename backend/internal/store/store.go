// Package store 看板数据的持久化：MySQL（gorm）和进程内两种实现
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
)

// Store GormStore 和 MemoryStore 共同实现的接口
type Store interface {
	AutoMigrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Siblings 返回容器内所有实体，按 (order_key, id) 升序
	Siblings(ctx context.Context, kind model.Kind, containerID string) ([]position.Sibling, error)
	GetOrdered(ctx context.Context, kind model.Kind, id string) (model.Ordered, error)
	// WritePosition 返回写入后的版本号
	WritePosition(ctx context.Context, kind model.Kind, id, containerID string, key decimal.Decimal) (uint64, error)
	// ApplyRebalance 全部写入或全部不写，返回重排后的兄弟节点
	ApplyRebalance(ctx context.Context, kind model.Kind, containerID string, assignments []position.Assignment) ([]model.Ordered, error)

	CreateBoard(ctx context.Context, b *model.Board) error
	GetBoard(ctx context.Context, id string) (*model.Board, error)
	AddMember(ctx context.Context, boardID string, userID uint64) error
	HasBoardAccess(ctx context.Context, userID uint64, boardID string) (bool, error)
	CreateList(ctx context.Context, l *model.List) error
	CreateCard(ctx context.Context, c *model.Card) error
	GetList(ctx context.Context, id string) (*model.List, error)
	GetCard(ctx context.Context, id string) (*model.Card, error)
	UpdateFields(ctx context.Context, kind model.Kind, id string, fields map[string]any) (uint64, error)
	AddComment(ctx context.Context, c *model.Comment) error
	// Delete 删除列表时连同其卡片和评论一起删除。不改动兄弟节点的排序键
	Delete(ctx context.Context, kind model.Kind, id string) error
	LoadBoard(ctx context.Context, boardID string) (*model.BoardSnapshot, error)

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id uint64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
