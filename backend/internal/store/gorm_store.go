package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/position"
)

// OpenMySQL 打开 gorm 连接。连接池参数按单实例几十个并发连接设置
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// GormStore 基于 MySQL 的存储实现
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(model.AllModels()...)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func tableModel(kind model.Kind) any {
	if kind == model.KindList {
		return &model.List{}
	}
	return &model.Card{}
}

func containerColumn(kind model.Kind) string {
	if kind == model.KindList {
		return "board_id"
	}
	return "list_id"
}

// ---- 排序相关 ----

type siblingRow struct {
	ID       string
	OrderKey decimal.Decimal
}

func (s *GormStore) Siblings(ctx context.Context, kind model.Kind, containerID string) ([]position.Sibling, error) {
	var rows []siblingRow
	err := s.db.WithContext(ctx).Model(tableModel(kind)).
		Select("id, order_key").
		Where(containerColumn(kind)+" = ?", containerID).
		Order("order_key ASC, id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, mapErr("siblings", err)
	}
	out := make([]position.Sibling, len(rows))
	for i, r := range rows {
		out[i] = position.Sibling{ID: r.ID, Key: r.OrderKey}
	}
	return out, nil
}

func (s *GormStore) GetOrdered(ctx context.Context, kind model.Kind, id string) (model.Ordered, error) {
	if kind == model.KindList {
		l, err := s.GetList(ctx, id)
		if err != nil {
			return model.Ordered{}, err
		}
		return l.Ordered(), nil
	}
	c, err := s.GetCard(ctx, id)
	if err != nil {
		return model.Ordered{}, err
	}
	return c.Ordered(), nil
}

// WritePosition 只改写这一行的 container / order_key，version+1
func (s *GormStore) WritePosition(ctx context.Context, kind model.Kind, id, containerID string, key decimal.Decimal) (uint64, error) {
	var version uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if kind == model.KindCard {
			// 目标列表加共享锁，和删除列表互斥；列表已删除时返回 not found
			if err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
				Select("id").Where("id = ?", containerID).Take(&model.List{}).Error; err != nil {
				return err
			}
		}
		res := tx.Model(tableModel(kind)).Where("id = ?", id).Updates(map[string]any{
			containerColumn(kind): containerID,
			"order_key":           key,
			"version":             gorm.Expr("version + 1"),
			"updated_at":          time.Now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(tableModel(kind)).Select("version").Where("id = ?", id).Scan(&version).Error
	})
	if err != nil {
		return 0, mapErr("write position", err)
	}
	return version, nil
}

// ApplyRebalance 在一个事务里整体改写容器内所有兄弟节点
func (s *GormStore) ApplyRebalance(ctx context.Context, kind model.Kind, containerID string, assignments []position.Assignment) ([]model.Ordered, error) {
	var out []model.Ordered
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []string
		if err := tx.Model(tableModel(kind)).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(containerColumn(kind)+" = ?", containerID).
			Pluck("id", &locked).Error; err != nil {
			return err
		}
		if len(locked) != len(assignments) {
			return ErrRebalanceConflict
		}

		now := time.Now()
		for _, a := range assignments {
			res := tx.Model(tableModel(kind)).
				Where("id = ? AND "+containerColumn(kind)+" = ?", a.ID, containerID).
				Updates(map[string]any{
					"order_key":  a.Key,
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrRebalanceConflict
			}
		}

		if kind == model.KindList {
			var lists []model.List
			if err := tx.Where("board_id = ?", containerID).Order("order_key ASC, id ASC").Find(&lists).Error; err != nil {
				return err
			}
			for i := range lists {
				out = append(out, lists[i].Ordered())
			}
			return nil
		}
		var cards []model.Card
		if err := tx.Where("list_id = ?", containerID).Order("order_key ASC, id ASC").Find(&cards).Error; err != nil {
			return err
		}
		for i := range cards {
			out = append(out, cards[i].Ordered())
		}
		return nil
	})
	if err != nil {
		return nil, mapErr("rebalance", err)
	}
	return out, nil
}

// ---- 看板 / 列表 / 卡片 ----

func (s *GormStore) CreateBoard(ctx context.Context, b *model.Board) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		return tx.Create(&model.BoardMember{BoardID: b.ID, UserID: b.OwnerID, Role: model.RoleOwner}).Error
	})
	return mapErr("create board", err)
}

func (s *GormStore) GetBoard(ctx context.Context, id string) (*model.Board, error) {
	var b model.Board
	if err := s.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, mapErr("get board", err)
	}
	return &b, nil
}

func (s *GormStore) AddMember(ctx context.Context, boardID string, userID uint64) error {
	err := s.db.WithContext(ctx).Create(&model.BoardMember{BoardID: boardID, UserID: userID, Role: model.RoleMember}).Error
	if isDuplicate(err) {
		return ErrAlreadyMember
	}
	return mapErr("add member", err)
}

func (s *GormStore) HasBoardAccess(ctx context.Context, userID uint64, boardID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.BoardMember{}).
		Where("board_id = ? AND user_id = ?", boardID, userID).
		Count(&n).Error
	if err != nil {
		return false, mapErr("board access", err)
	}
	if n > 0 {
		return true, nil
	}
	err = s.db.WithContext(ctx).Model(&model.Board{}).
		Where("id = ? AND owner_id = ?", boardID, userID).
		Count(&n).Error
	if err != nil {
		return false, mapErr("board access", err)
	}
	return n > 0, nil
}

func (s *GormStore) CreateList(ctx context.Context, l *model.List) error {
	return mapErr("create list", s.db.WithContext(ctx).Create(l).Error)
}

func (s *GormStore) CreateCard(ctx context.Context, c *model.Card) error {
	return mapErr("create card", s.db.WithContext(ctx).Create(c).Error)
}

func (s *GormStore) GetList(ctx context.Context, id string) (*model.List, error) {
	var l model.List
	if err := s.db.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		return nil, mapErr("get list", err)
	}
	return &l, nil
}

func (s *GormStore) GetCard(ctx context.Context, id string) (*model.Card, error) {
	var c model.Card
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, mapErr("get card", err)
	}
	return &c, nil
}

// UpdateFields fields 的键必须是列名（由上层白名单过滤）
func (s *GormStore) UpdateFields(ctx context.Context, kind model.Kind, id string, fields map[string]any) (uint64, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("update fields: nothing to update")
	}
	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now()

	var version uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(tableModel(kind)).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(tableModel(kind)).Select("version").Where("id = ?", id).Scan(&version).Error
	})
	if err != nil {
		return 0, mapErr("update fields", err)
	}
	return version, nil
}

func (s *GormStore) AddComment(ctx context.Context, c *model.Comment) error {
	return mapErr("add comment", s.db.WithContext(ctx).Create(c).Error)
}

func (s *GormStore) Delete(ctx context.Context, kind model.Kind, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if kind == model.KindList {
			// 先锁列表行，正在往这个列表移动的写入会等到删除提交之后
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id").Where("id = ?", id).Take(&model.List{}).Error; err != nil {
				return err
			}
			var cardIDs []string
			if err := tx.Model(&model.Card{}).Where("list_id = ?", id).Pluck("id", &cardIDs).Error; err != nil {
				return err
			}
			if len(cardIDs) > 0 {
				if err := tx.Where("card_id IN ?", cardIDs).Delete(&model.Comment{}).Error; err != nil {
					return err
				}
				if err := tx.Where("list_id = ?", id).Delete(&model.Card{}).Error; err != nil {
					return err
				}
			}
		} else if err := tx.Where("card_id = ?", id).Delete(&model.Comment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(tableModel(kind))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	return mapErr("delete", err)
}

func (s *GormStore) LoadBoard(ctx context.Context, boardID string) (*model.BoardSnapshot, error) {
	b, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	var lists []model.List
	if err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("order_key ASC, id ASC").Find(&lists).Error; err != nil {
		return nil, mapErr("load lists", err)
	}
	var cards []model.Card
	if err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Order("order_key ASC, id ASC").Find(&cards).Error; err != nil {
		return nil, mapErr("load cards", err)
	}
	return buildSnapshot(*b, lists, cards), nil
}

// buildSnapshot cards 必须已按排序键升序
func buildSnapshot(b model.Board, lists []model.List, cards []model.Card) *model.BoardSnapshot {
	byList := make(map[string][]model.Card, len(lists))
	for _, c := range cards {
		byList[c.ListID] = append(byList[c.ListID], c)
	}
	snap := &model.BoardSnapshot{Board: b, Lists: make([]model.ListWithCards, 0, len(lists))}
	for _, l := range lists {
		cs := byList[l.ID]
		if cs == nil {
			cs = []model.Card{}
		}
		snap.Lists = append(snap.Lists, model.ListWithCards{List: l, Cards: cs})
	}
	return snap
}

// ---- 用户 ----

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	err := s.db.WithContext(ctx).Create(u).Error
	if isDuplicate(err) {
		return ErrUsernameTaken
	}
	return mapErr("create user", err)
}

func (s *GormStore) GetUser(ctx context.Context, id uint64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, mapErr("get user", err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		return nil, mapErr("get user", err)
	}
	return &u, nil
}
