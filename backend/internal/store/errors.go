package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrAlreadyMember = errors.New("user is already a board member")
	// ErrPersistence 写入没有提交。调用方必须放弃本次操作（不能广播）
	ErrPersistence = errors.New("persistence failure")
	// ErrRebalanceConflict 重排过程中有兄弟节点被并发移出容器
	ErrRebalanceConflict = errors.New("rebalance conflict")
)

const (
	mysqlDuplicateEntry = 1062
	mysqlLockTimeout    = 1205
	mysqlDeadlock       = 1213
)

// mapErr 把 gorm / mysql 驱动错误统一成本包的错误
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, ErrRebalanceConflict) {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlDuplicateEntry:
			return fmt.Errorf("%s: duplicate entry: %w", op, ErrPersistence)
		case mysqlDeadlock, mysqlLockTimeout:
			return fmt.Errorf("%s: %w: lock contention: %v", op, ErrPersistence, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrPersistence, err)
}

// isDuplicate 唯一键冲突（1062）
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
