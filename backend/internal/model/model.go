package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Kind 可排序实体的种类
type Kind string

const (
	KindList Kind = "list" // 容器是 board
	KindCard Kind = "card" // 容器是 list
)

func (k Kind) Valid() bool { return k == KindList || k == KindCard }

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;size:64;not null" json:"username"`
	DisplayName  string    `gorm:"size:128" json:"displayName"`
	PasswordHash []byte    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Name 展示名为空时退回用户名
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type Board struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OwnerID   uint64    `gorm:"index;not null" json:"ownerId"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *Board) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// BoardMember 看板访问控制：owner 或 member 都有读权限
type BoardMember struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	BoardID   string    `gorm:"type:varchar(36);not null;uniqueIndex:uk_board_member" json:"boardId"`
	UserID    uint64    `gorm:"not null;uniqueIndex:uk_board_member;index" json:"userId"`
	Role      string    `gorm:"size:16;not null;default:'member'" json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type List struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BoardID   string          `gorm:"type:varchar(36);not null;index:idx_lists_board_key,priority:1" json:"boardId"`
	Title     string          `gorm:"size:255;not null" json:"title"`
	OrderKey  decimal.Decimal `gorm:"type:decimal(30,9);not null;index:idx_lists_board_key,priority:2" json:"orderKey"`
	Version   uint64          `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (l *List) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Version == 0 {
		l.Version = 1
	}
	return nil
}

func (l *List) Ordered() Ordered {
	return Ordered{
		Kind:        KindList,
		ID:          l.ID,
		ContainerID: l.BoardID,
		BoardID:     l.BoardID,
		OrderKey:    l.OrderKey,
		Version:     l.Version,
		UpdatedAt:   l.UpdatedAt,
	}
}

type Card struct {
	ID          string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ListID      string          `gorm:"type:varchar(36);not null;index:idx_cards_list_key,priority:1" json:"listId"`
	BoardID     string          `gorm:"type:varchar(36);not null;index" json:"boardId"`
	Title       string          `gorm:"size:255;not null" json:"title"`
	Description string          `gorm:"type:text" json:"description"`
	OrderKey    decimal.Decimal `gorm:"type:decimal(30,9);not null;index:idx_cards_list_key,priority:2" json:"orderKey"`
	Version     uint64          `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (c *Card) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	return nil
}

func (c *Card) Ordered() Ordered {
	return Ordered{
		Kind:        KindCard,
		ID:          c.ID,
		ContainerID: c.ListID,
		BoardID:     c.BoardID,
		OrderKey:    c.OrderKey,
		Version:     c.Version,
		UpdatedAt:   c.UpdatedAt,
	}
}

type Comment struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CardID    string    `gorm:"type:varchar(36);not null;index" json:"cardId"`
	BoardID   string    `gorm:"type:varchar(36);not null;index" json:"boardId"`
	AuthorID  uint64    `gorm:"not null" json:"authorId"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

func (c *Comment) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Ordered 列表和卡片共用的排序视图
type Ordered struct {
	Kind        Kind            `json:"entityType"`
	ID          string          `json:"entityId"`
	ContainerID string          `json:"containerId"`
	BoardID     string          `json:"boardId"`
	OrderKey    decimal.Decimal `json:"orderKey"`
	Version     uint64          `json:"version"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ListWithCards 看板快照中的一列，Cards 已按排序键排好
type ListWithCards struct {
	List
	Cards []Card `json:"cards"`
}

// BoardSnapshot 客户端整板重新加载用
type BoardSnapshot struct {
	Board Board           `json:"board"`
	Lists []ListWithCards `json:"lists"`
}

// AllModels AutoMigrate 用
func AllModels() []any {
	return []any{&User{}, &Board{}, &BoardMember{}, &List{}, &Card{}, &Comment{}}
}
