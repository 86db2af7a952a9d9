package authservice

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/store"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(st *store.MemoryStore, signer *Signer) *gin.Engine {
	h := NewHandler(st, signer)
	r := gin.New()
	r.POST("/v1/auth/register", h.Register)
	r.POST("/v1/auth/login", h.Login)
	r.POST("/v1/auth/refresh", h.Refresh)
	protected := r.Group("/v1", AuthMiddleware(NewVerifier(signer, st)))
	protected.GET("/me", func(c *gin.Context) {
		p, _ := CurrentPrincipal(c)
		c.JSON(http.StatusOK, p)
	})
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterLoginRefresh(t *testing.T) {
	st := store.NewMemoryStore()
	signer := NewSigner("test-secret", time.Minute, time.Hour)
	r := newRouter(st, signer)

	w := postJSON(t, r, "/v1/auth/register", gin.H{"username": "alice", "password": "secret1", "displayName": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "passwordHash")

	w = postJSON(t, r, "/v1/auth/register", gin.H{"username": "alice", "password": "secret2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postJSON(t, r, "/v1/auth/login", gin.H{"username": "alice", "password": "wrong!!"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(t, r, "/v1/auth/login", gin.H{"username": "alice", "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code)
	var tokens struct {
		AccessToken  string    `json:"accessToken"`
		RefreshToken string    `json:"refreshToken"`
		Principal    Principal `json:"principal"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tokens))
	assert.Equal(t, "Alice", tokens.Principal.DisplayName)

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"1"`)

	// refresh 令牌不能当访问令牌用
	req = httptest.NewRequest(http.MethodGet, "/v1/me?token="+tokens.RefreshToken, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(t, r, "/v1/auth/refresh", gin.H{"refreshToken": tokens.RefreshToken})
	assert.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, r, "/v1/auth/refresh", gin.H{"refreshToken": tokens.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticate(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	u := &model.User{Username: "bob"}
	require.NoError(t, st.CreateUser(ctx, u))

	signer := NewSigner("k", time.Minute, time.Hour)
	v := NewVerifier(signer, st)

	tok, _, err := signer.SignAccessToken(u.ID, u.Username)
	require.NoError(t, err)
	p, err := v.Authenticate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.ID)
	assert.Equal(t, "bob", p.DisplayName)

	expired, _, err := signer.SignWithTTL(u.ID, u.Username, -time.Minute)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, expired)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	other := NewSigner("other", time.Minute, time.Hour)
	forged, _, err := other.SignAccessToken(u.ID, u.Username)
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	ghost, _, err := signer.SignAccessToken(999, "ghost")
	require.NoError(t, err)
	_, err = v.Authenticate(ctx, ghost)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = v.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/board/ws?token=q", nil)
	assert.Equal(t, "q", ExtractToken(req))
	req.Header.Set("Authorization", "bearer h")
	assert.Equal(t, "h", ExtractToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "q", ExtractToken(req))
}
