package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/model"
)

// ConnectionHeader 调用方自己的 websocket 连接 id，该连接不会收到这次变更的推送
const ConnectionHeader = "X-Connection-Id"

type Boards struct {
	svc *board.Service
}

func NewBoards(svc *board.Service) *Boards {
	return &Boards{svc: svc}
}

// Register 挂到已经带了 AuthMiddleware 的路由组上
func (h *Boards) Register(g *gin.RouterGroup) {
	g.POST("/boards", h.CreateBoard)
	g.GET("/boards/:boardId", h.GetBoard)
	g.POST("/boards/:boardId/members", h.AddMember)
	g.POST("/boards/:boardId/lists", h.CreateList)
	g.PATCH("/lists/:listId", h.UpdateList)
	g.DELETE("/lists/:listId", h.DeleteList)
	g.POST("/lists/:listId/move", h.MoveList)
	g.POST("/lists/:listId/cards", h.CreateCard)
	g.PATCH("/cards/:cardId", h.UpdateCard)
	g.DELETE("/cards/:cardId", h.DeleteCard)
	g.POST("/cards/:cardId/move", h.MoveCard)
	g.POST("/cards/:cardId/comments", h.AddComment)
	g.POST("/containers/:kind/:containerId/rebalance", h.Rebalance)
}

type createBoardReq struct {
	Title string `json:"title" binding:"required,max=255"`
}

type addMemberReq struct {
	UserID uint64 `json:"userId,string" binding:"required"`
}

type createListReq struct {
	Title string `json:"title" binding:"required,max=255"`
	Index *int   `json:"index"`
}

type createCardReq struct {
	Title       string `json:"title" binding:"required,max=255"`
	Description string `json:"description"`
	Index       *int   `json:"index"`
}

type updateReq struct {
	Title       *string `json:"title" binding:"omitempty,max=255"`
	Description *string `json:"description"`
}

type moveReq struct {
	ToContainerID   string `json:"toContainerId"`
	FromContainerID string `json:"fromContainerId"`
	TargetIndex     *int   `json:"targetIndex"`
}

type commentReq struct {
	Body string `json:"body" binding:"required"`
}

// Status 错误码对应的 HTTP 状态
func Status(code string) int {
	switch code {
	case board.CodeUnauthenticated:
		return http.StatusUnauthorized
	case board.CodeForbidden:
		return http.StatusForbidden
	case board.CodeNotFound:
		return http.StatusNotFound
	case board.CodeInvalid:
		return http.StatusBadRequest
	case board.CodeConflict:
		return http.StatusConflict
	case board.CodeBusy:
		return http.StatusServiceUnavailable
	case board.CodePersistence:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := board.Code(err)
	status := Status(code)
	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{"path": c.FullPath(), "code": code}).WithError(err).Error("request failed")
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": board.CodeInvalid, "message": err.Error()})
}

func principal(c *gin.Context) (authservice.Principal, bool) {
	p, ok := authservice.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": board.CodeInternal, "message": "principal missing"})
	}
	return p, ok
}

func (h *Boards) CreateBoard(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req createBoardReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := h.svc.CreateBoard(c.Request.Context(), p, req.Title)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// GetBoard 整板快照，客户端重新加载用
func (h *Boards) GetBoard(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	snap, err := h.svc.Snapshot(c.Request.Context(), p, c.Param("boardId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Boards) AddMember(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req addMemberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.AddMember(c.Request.Context(), p, c.Param("boardId"), req.UserID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Boards) CreateList(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req createListReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	l, err := h.svc.CreateList(c.Request.Context(), p, c.GetHeader(ConnectionHeader), c.Param("boardId"), req.Title, req.Index)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

func (h *Boards) CreateCard(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req createCardReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	card, err := h.svc.CreateCard(c.Request.Context(), p, c.GetHeader(ConnectionHeader), c.Param("listId"), req.Title, req.Description, req.Index)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (h *Boards) UpdateList(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req updateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	l, err := h.svc.UpdateList(c.Request.Context(), p, c.GetHeader(ConnectionHeader), c.Param("listId"), board.ListPatch{Title: req.Title})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Boards) UpdateCard(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req updateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	card, err := h.svc.UpdateCard(c.Request.Context(), p, c.GetHeader(ConnectionHeader), c.Param("cardId"),
		board.CardPatch{Title: req.Title, Description: req.Description})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (h *Boards) DeleteList(c *gin.Context) { h.delete(c, model.KindList, c.Param("listId")) }

func (h *Boards) DeleteCard(c *gin.Context) { h.delete(c, model.KindCard, c.Param("cardId")) }

func (h *Boards) delete(c *gin.Context, kind model.Kind, id string) {
	p, ok := principal(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), p, c.GetHeader(ConnectionHeader), kind, id); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Boards) MoveList(c *gin.Context) { h.move(c, model.KindList, c.Param("listId")) }

func (h *Boards) MoveCard(c *gin.Context) { h.move(c, model.KindCard, c.Param("cardId")) }

func (h *Boards) move(c *gin.Context, kind model.Kind, id string) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req moveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	idx := -1
	if req.TargetIndex != nil {
		idx = *req.TargetIndex
	}
	res, err := h.svc.Move(c.Request.Context(), p, c.GetHeader(ConnectionHeader), board.MoveIntent{
		EntityType:      kind,
		EntityID:        id,
		FromContainerID: req.FromContainerID,
		ToContainerID:   req.ToContainerID,
		TargetIndex:     idx,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Boards) AddComment(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var req commentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cm, err := h.svc.AddComment(c.Request.Context(), p, c.GetHeader(ConnectionHeader), c.Param("cardId"), req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cm)
}

func (h *Boards) Rebalance(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	kind := model.Kind(c.Param("kind"))
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"code": board.CodeInvalid, "message": "kind must be list or card"})
		return
	}
	out, err := h.svc.Rebalance(c.Request.Context(), p, kind, c.Param("containerId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": out})
}
