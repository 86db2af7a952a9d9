// Package authservice 令牌签发与校验、登录注册接口、gin 鉴权中间件
package authservice

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/store"
)

// ErrUnauthenticated 令牌缺失、无效、过期，或用户已不存在
var ErrUnauthenticated = errors.New("unauthenticated")

// AuthError 带原因的鉴权失败，errors.Is(err, ErrUnauthenticated) 为 true
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthenticated: %s: %v", e.Reason, e.Err)
	}
	return "unauthenticated: " + e.Reason
}

func (e *AuthError) Is(target error) bool { return target == ErrUnauthenticated }

func (e *AuthError) Unwrap() error { return e.Err }

// Principal 已认证的调用者
type Principal struct {
	ID          uint64 `json:"id,string"`
	DisplayName string `json:"displayName"`
}

func (p Principal) String() string { return strconv.FormatUint(p.ID, 10) }

func PrincipalOf(u *model.User) Principal {
	return Principal{ID: u.ID, DisplayName: u.Name()}
}

// UserStore 鉴权用到的用户读写
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id uint64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
}

// Verifier 把访问令牌换成 Principal
type Verifier struct {
	signer *Signer
	users  UserStore
}

func NewVerifier(signer *Signer, users UserStore) *Verifier {
	return &Verifier{signer: signer, users: users}
}

// Authenticate 只接受 access 令牌，且用户必须仍然存在
func (v *Verifier) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, &AuthError{Reason: "missing token"}
	}
	claims, err := v.signer.ParseToken(token)
	if err != nil {
		return Principal{}, err
	}
	if claims.Type != TokenAccess {
		return Principal{}, &AuthError{Reason: "access token required"}
	}
	u, err := v.users.GetUser(ctx, claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, &AuthError{Reason: "unknown principal", Err: err}
	}
	if err != nil {
		return Principal{}, fmt.Errorf("load principal %d: %w", claims.UserID, err)
	}
	return PrincipalOf(u), nil
}
