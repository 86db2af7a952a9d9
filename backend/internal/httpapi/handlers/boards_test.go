package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/model"
	"boardServer/backend/internal/store"
)

type recorder struct {
	origins []string
	events  []board.Event
}

func (r *recorder) Relay(origin, boardID string, evs ...board.Event) {
	for _, ev := range evs {
		r.origins = append(r.origins, origin)
		r.events = append(r.events, ev)
	}
}

type api struct {
	r      *gin.Engine
	st     *store.MemoryStore
	signer *authservice.Signer
	relay  *recorder
	alice  *model.User
	bob    *model.User
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := &api{
		st:     store.NewMemoryStore(),
		signer: authservice.NewSigner("http-test", time.Minute, time.Hour),
		relay:  &recorder{},
	}
	a.alice = &model.User{Username: "alice"}
	a.bob = &model.User{Username: "bob"}
	require.NoError(t, a.st.CreateUser(context.Background(), a.alice))
	require.NoError(t, a.st.CreateUser(context.Background(), a.bob))

	svc := board.NewService(a.st, board.Options{Relayer: a.relay})
	a.r = gin.New()
	v1 := a.r.Group("/v1")
	v1.Use(authservice.AuthMiddleware(authservice.NewVerifier(a.signer, a.st)))
	NewBoards(svc).Register(v1)
	return a
}

func (a *api) do(t *testing.T, u *model.User, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		tok, _, err := a.signer.SignAccessToken(u.ID, u.Username)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestBoardLifecycle(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, a.alice, http.MethodPost, "/v1/boards", gin.H{"title": "sprint"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	b := decode[model.Board](t, w)

	w = a.do(t, a.alice, http.MethodPost, "/v1/boards/"+b.ID+"/lists", gin.H{"title": "todo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	todo := decode[model.List](t, w)

	w = a.do(t, a.alice, http.MethodPost, "/v1/boards/"+b.ID+"/lists", gin.H{"title": "done"})
	require.Equal(t, http.StatusCreated, w.Code)
	done := decode[model.List](t, w)

	var cards []model.Card
	for _, title := range []string{"A", "B"} {
		w = a.do(t, a.alice, http.MethodPost, "/v1/lists/"+todo.ID+"/cards", gin.H{"title": title})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		cards = append(cards, decode[model.Card](t, w))
	}

	w = a.do(t, a.alice, http.MethodPost, "/v1/cards/"+cards[1].ID+"/move",
		gin.H{"toContainerId": done.ID, "targetIndex": 0}, ConnectionHeader, "conn-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[board.MoveResult](t, w)
	assert.Equal(t, done.ID, res.Entity.ContainerID)
	assert.Equal(t, uint64(2), res.Entity.Version)

	last := len(a.relay.events) - 1
	assert.Equal(t, board.EventEntityMoved, a.relay.events[last].EventType)
	assert.Equal(t, "conn-1", a.relay.origins[last])

	w = a.do(t, a.alice, http.MethodPatch, "/v1/cards/"+cards[0].ID, gin.H{"description": "details"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "details", decode[model.Card](t, w).Description)

	w = a.do(t, a.alice, http.MethodPost, "/v1/cards/"+cards[0].ID+"/comments", gin.H{"body": "looks good"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, a.alice, http.MethodGet, "/v1/boards/"+b.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[model.BoardSnapshot](t, w)
	require.Len(t, snap.Lists, 2)
	assert.Equal(t, "todo", snap.Lists[0].Title)
	require.Len(t, snap.Lists[1].Cards, 1)
	assert.Equal(t, "B", snap.Lists[1].Cards[0].Title)

	w = a.do(t, a.bob, http.MethodDelete, "/v1/cards/"+cards[1].ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = a.do(t, a.alice, http.MethodDelete, "/v1/cards/"+cards[1].ID, nil, ConnectionHeader, "conn-1")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	last = len(a.relay.events) - 1
	assert.Equal(t, board.EventEntityDeleted, a.relay.events[last].EventType)
	w = a.do(t, a.alice, http.MethodDelete, "/v1/lists/"+todo.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = a.do(t, a.alice, http.MethodDelete, "/v1/lists/"+todo.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	snap = decode[model.BoardSnapshot](t, a.do(t, a.alice, http.MethodGet, "/v1/boards/"+b.ID, nil))
	require.Len(t, snap.Lists, 1)
	assert.Empty(t, snap.Lists[0].Cards)
}

func TestBoardAccessControl(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, a.alice, http.MethodPost, "/v1/boards", gin.H{"title": "private"})
	require.Equal(t, http.StatusCreated, w.Code)
	b := decode[model.Board](t, w)

	w = a.do(t, a.bob, http.MethodGet, "/v1/boards/"+b.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, board.CodeForbidden, decode[gin.H](t, w)["code"])

	// 只有 owner 能加成员
	w = a.do(t, a.bob, http.MethodPost, "/v1/boards/"+b.ID+"/members", gin.H{"userId": strconv.FormatUint(a.bob.ID, 10)})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, a.alice, http.MethodPost, "/v1/boards/"+b.ID+"/members", gin.H{"userId": strconv.FormatUint(a.bob.ID, 10)})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = a.do(t, a.alice, http.MethodPost, "/v1/boards/"+b.ID+"/members", gin.H{"userId": strconv.FormatUint(a.bob.ID, 10)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, a.bob, http.MethodGet, "/v1/boards/"+b.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestErrors(t *testing.T) {
	a := newAPI(t)

	w := a.do(t, nil, http.MethodGet, "/v1/boards/x", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, a.alice, http.MethodGet, "/v1/boards/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, a.alice, http.MethodPost, "/v1/boards", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, a.alice, http.MethodPost, "/v1/containers/column/x/rebalance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, a.alice, http.MethodPost, "/v1/cards/missing/move", gin.H{"targetIndex": 0})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRebalanceEndpoint(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, a.alice, http.MethodPost, "/v1/boards", gin.H{"title": "b"})
	b := decode[model.Board](t, w)
	w = a.do(t, a.alice, http.MethodPost, "/v1/boards/"+b.ID+"/lists", gin.H{"title": "todo"})
	l := decode[model.List](t, w)
	for _, title := range []string{"A", "B", "C"} {
		w = a.do(t, a.alice, http.MethodPost, "/v1/lists/"+l.ID+"/cards", gin.H{"title": title, "index": 0})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = a.do(t, a.alice, http.MethodPost, "/v1/containers/card/"+l.ID+"/rebalance", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[struct {
		Entities []model.Ordered `json:"entities"`
	}](t, w)
	require.Len(t, out.Entities, 3)
	for i, e := range out.Entities {
		assert.Equal(t, int64((i+1)*1000), e.OrderKey.IntPart())
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, Status(board.CodeConflict))
	assert.Equal(t, http.StatusServiceUnavailable, Status(board.CodeBusy))
	assert.Equal(t, http.StatusInternalServerError, Status("whatever"))
}
