package authservice

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer 签发/解析 HS256 令牌，密钥从配置注入
type Signer struct {
	secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func NewSigner(secret string, accessTTL, refreshTTL time.Duration) *Signer {
	if secret == "" {
		secret = "dev-secret"
	}
	if accessTTL <= 0 {
		accessTTL = 30 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), AccessTTL: accessTTL, RefreshTTL: refreshTTL}
}

func (s *Signer) sign(userID uint64, username, typ string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

func (s *Signer) SignAccessToken(userID uint64, username string) (string, time.Time, error) {
	return s.sign(userID, username, TokenAccess, s.AccessTTL)
}

func (s *Signer) SignRefreshToken(userID uint64, username string) (string, time.Time, error) {
	return s.sign(userID, username, TokenRefresh, s.RefreshTTL)
}

// SignWithTTL boardctl 签发开发用令牌
func (s *Signer) SignWithTTL(userID uint64, username string, ttl time.Duration) (string, time.Time, error) {
	return s.sign(userID, username, TokenAccess, ttl)
}

// ParseToken 解析任意 token（访问/刷新），签名错误或过期都返回 ErrUnauthenticated
func (s *Signer) ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Reason: "token expired", Err: err}
		}
		return nil, &AuthError{Reason: "invalid token", Err: err}
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, &AuthError{Reason: "invalid claims", Err: jwt.ErrTokenInvalidClaims}
}
