package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	moveTimeout    = 3 * time.Second
	dedupTTL       = 10 * time.Minute
)

// State 连接状态。Connecting 和 Rejected 只出现在握手阶段，不会注册到 Hub
type State int32

const (
	StateConnecting State = iota
	StateIdle
	StateSubscribed
	StateDisconnected
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Conn struct {
	id        string
	ws        *websocket.Conn
	hub       *Hub
	svc       Service
	dedup     Deduper
	principal authservice.Principal
	limiter   *rate.Limiter

	// 由 hub.mu 保护
	rooms map[string]struct{}

	// send 从不关闭，writeLoop 通过 done 退出，避免向已关闭的通道写入
	send      chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(id string, ws *websocket.Conn, hub *Hub, svc Service, dedup Deduper, p authservice.Principal, opt Options) *Conn {
	return &Conn{
		id:        id,
		ws:        ws,
		hub:       hub,
		svc:       svc,
		dedup:     dedup,
		principal: p,
		limiter:   rate.NewLimiter(rate.Limit(opt.MessagesPerSecond), opt.Burst),
		rooms:     make(map[string]struct{}),
		send:      make(chan ServerMessage, opt.SendBuffer),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	if c.closed.Load() {
		return StateDisconnected
	}
	if c.hub.subscribed(c) {
		return StateSubscribed
	}
	return StateIdle
}

// SendMessage_Enqueue 非阻塞入队，队列满或连接已关闭时返回 false
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) logger() *log.Entry {
	return log.WithFields(log.Fields{"conn": c.id, "user": c.principal.ID})
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger().WithError(err).Info("read loop ended")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, msg)
	}
}

// handle 单一分发入口：join / leave / move / ping
func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	if !c.limiter.Allow() {
		c.SendMessage_Enqueue(errorMessage(msg.RequestID, msg.BoardID, "RATE_LIMITED", "too many messages"))
		return
	}
	switch msg.Action {
	case ActionJoin:
		c.handleJoin(ctx, msg)
	case ActionLeave:
		if msg.BoardID == "" {
			c.SendMessage_Enqueue(errorMessage(msg.RequestID, "", board.CodeInvalid, "boardId is required"))
			return
		}
		c.hub.Leave(msg.BoardID, c)
		c.SendMessage_Enqueue(ServerMessage{Type: TypeLeft, BoardID: msg.BoardID, RequestID: msg.RequestID})
	case ActionMove:
		c.handleMove(ctx, msg)
	case ActionPing:
		c.SendMessage_Enqueue(ServerMessage{Type: TypePong, RequestID: msg.RequestID})
	default:
		c.SendMessage_Enqueue(errorMessage(msg.RequestID, msg.BoardID, "UNKNOWN_ACTION", "unknown action "+msg.Action))
	}
}

// handleJoin 没有权限时只回错误给请求者，房间成员不变。
// 加入之后权限被撤销不会把连接踢出房间
func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.BoardID == "" {
		c.SendMessage_Enqueue(errorMessage(msg.RequestID, "", board.CodeInvalid, "boardId is required"))
		return
	}
	ok, err := c.svc.CanAccess(ctx, c.principal, msg.BoardID)
	if err != nil {
		c.logger().WithField("board", msg.BoardID).WithError(err).Error("join: access check failed")
		c.SendMessage_Enqueue(errorMessage(msg.RequestID, msg.BoardID, board.CodeInternal, "access check failed"))
		return
	}
	if !ok {
		c.SendMessage_Enqueue(errorMessage(msg.RequestID, msg.BoardID, board.CodeForbidden, "no access to board"))
		return
	}
	c.hub.Join(msg.BoardID, c)
	c.SendMessage_Enqueue(ServerMessage{Type: TypeJoined, BoardID: msg.BoardID, RequestID: msg.RequestID})
}

func (c *Conn) handleMove(ctx context.Context, msg ClientMessage) {
	moveCtx, cancel := context.WithTimeout(ctx, moveTimeout)
	defer cancel()

	dedupKey := ""
	if c.dedup != nil && msg.RequestID != "" {
		dedupKey = fmt.Sprintf("%d:%s", c.principal.ID, msg.RequestID)
		claimed, err := c.dedup.Claim(moveCtx, dedupKey, dedupTTL)
		switch {
		case err != nil:
			// 去重不可用时照常处理
			c.logger().WithError(err).Warn("move: dedup unavailable")
			dedupKey = ""
		case !claimed:
			c.SendMessage_Enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, BoardID: msg.BoardID, Duplicate: true})
			return
		}
	}

	idx := -1
	if msg.TargetIndex != nil {
		idx = *msg.TargetIndex
	}
	res, err := c.svc.Move(moveCtx, c.principal, c.id, board.MoveIntent{
		EntityType:      msg.EntityType,
		EntityID:        msg.EntityID,
		FromContainerID: msg.FromContainerID,
		ToContainerID:   msg.ToContainerID,
		TargetIndex:     idx,
	})
	if err != nil {
		if dedupKey != "" {
			if rerr := c.dedup.Release(context.WithoutCancel(ctx), dedupKey); rerr != nil {
				c.logger().WithError(rerr).Warn("move: release dedup key")
			}
		}
		code := board.Code(err)
		if code == board.CodeInternal || code == board.CodePersistence {
			c.logger().WithField("entity", msg.EntityID).WithError(err).Error("move failed")
		}
		c.SendMessage_Enqueue(errorMessage(msg.RequestID, msg.BoardID, code, err.Error()))
		return
	}
	c.SendMessage_Enqueue(ServerMessage{Type: TypeAck, RequestID: msg.RequestID, BoardID: res.Entity.BoardID, Result: &res})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger().WithError(err).Debug("write failed")
				}
				// 关闭底层连接，readLoop 随之退出并清理
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
