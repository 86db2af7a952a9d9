package board

import (
	"errors"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/position"
	"boardServer/backend/internal/store"
)

var (
	// ErrForbidden 调用者没有该看板的访问权限
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidMove 目标容器不存在或不属于同一看板
	ErrInvalidMove  = errors.New("invalid move")
	ErrInvalidInput = errors.New("invalid input")
)

// 返回给客户端的错误码
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalid         = "INVALID_REQUEST"
	CodeConflict        = "CONFLICT"
	CodePersistence     = "PERSISTENCE_FAILED"
	CodeBusy            = "BUSY"
	CodeInternal        = "INTERNAL"
)

// Code 把服务层错误归类成错误码，ws 和 http 共用
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, authservice.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidMove), errors.Is(err, ErrInvalidInput):
		return CodeInvalid
	case errors.Is(err, store.ErrAlreadyMember), errors.Is(err, store.ErrUsernameTaken):
		return CodeConflict
	case errors.Is(err, position.ErrKeySpaceExhausted), position.IsInvalidRange(err):
		return CodeConflict
	case errors.Is(err, store.ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrBusy):
		return CodeBusy
	default:
		return CodeInternal
	}
}
