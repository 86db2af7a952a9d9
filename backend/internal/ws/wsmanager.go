package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/metrics"
)

// CloseUnauthenticated 鉴权失败时的关闭码
const CloseUnauthenticated = 4401

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (authservice.Principal, error)
}

// Service 连接层用到的看板操作
type Service interface {
	CanAccess(ctx context.Context, p authservice.Principal, boardID string) (bool, error)
	Move(ctx context.Context, p authservice.Principal, originConnID string, in board.MoveIntent) (board.MoveResult, error)
}

// Deduper 按 requestId 去重，Claim 返回 false 表示已经处理过
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Options struct {
	SendBuffer        int
	MessagesPerSecond float64
	Burst             int
	// 为空时只允许本地开发来源
	AllowedOrigins []string
	Dedup          Deduper
	Metrics        *metrics.Metrics
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
}

type Manager struct {
	h        *Hub
	auth     Authenticator
	svc      Service
	opt      Options
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, auth Authenticator, svc Service, opt Options) *Manager {
	opt.defaults()
	m := &Manager{h: h, auth: auth, svc: svc, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// 一些环境可能不发送 Origin，或为 "null"
	if origin == "" || origin == "null" {
		return true
	}
	allowed := m.opt.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}
	}
	for _, p := range allowed {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 先升级再鉴权：鉴权失败用关闭码 4401 通知客户端，
// 成功后进入读循环直到连接断开
func (m *Manager) WebSocketConnect(c *gin.Context) {
	token := authservice.ExtractToken(c.Request)

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).WithField("origin", c.Request.Header.Get("Origin")).Warn("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	p, err := m.auth.Authenticate(ctx, token)
	if err != nil {
		m.reject(conn, err)
		return
	}

	wsConn := newConn(uuid.NewString(), conn, m.h, m.svc, m.opt.Dedup, p, m.opt)
	m.h.Register(wsConn)
	m.opt.Metrics.ConnOpened()
	wsConn.logger().Info("websocket connected")
	defer func() {
		m.h.Unregister(wsConn)
		wsConn.close()
		m.opt.Metrics.ConnClosed()
		wsConn.logger().Info("websocket disconnected")
	}()

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeWelcome, ConnectionID: wsConn.id, Principal: &p})

	wsConn.readLoop(ctx)
}

func (m *Manager) reject(conn *websocket.Conn, err error) {
	m.opt.Metrics.ConnRejected()
	log.WithError(err).Info("websocket rejected")
	reason := "unauthenticated"
	if board.Code(err) != board.CodeUnauthenticated {
		reason = "authentication unavailable"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseUnauthenticated, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}
