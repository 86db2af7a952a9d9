package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/model"
	"boardServer/backend/internal/ws"
)

type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// 断线重连的初始/最大等待
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// OnEvent 每个合并过的事件回调一次，可为 nil
	OnEvent func(board.Event)
	// OnReload 整板重新加载完成后回调，可为 nil
	OnReload func(*model.BoardSnapshot)
}

func (o *Options) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 200 * time.Millisecond
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 5 * time.Second
	}
}

// Client 看板实时客户端：一个 websocket 连接，至多订阅一个看板
type Client struct {
	baseURL string
	token   string
	opt     Options
	view    *BoardView
	sf      singleflight.Group
	seq     atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	connID  string
	boardID string

	writeMu sync.Mutex
}

// New baseURL 形如 http://host:port
func New(baseURL, token string, opt Options) *Client {
	opt.defaults()
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		opt:     opt,
		view:    NewBoardView(),
	}
}

func (c *Client) View() *BoardView { return c.view }

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/board/ws"
	return u.String(), nil
}

// Connect 建立连接并等待 welcome。令牌无效时返回 authservice.ErrUnauthenticated
func (c *Client) Connect(ctx context.Context) error {
	addr, err := c.wsURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, _, err := c.opt.Dialer.DialContext(ctx, addr, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	var welcome ws.ServerMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		if websocket.IsCloseError(err, ws.CloseUnauthenticated) {
			return fmt.Errorf("%w: %v", authservice.ErrUnauthenticated, err)
		}
		return fmt.Errorf("read welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.Type != ws.TypeWelcome {
		_ = conn.Close()
		return fmt.Errorf("unexpected first frame %q", welcome.Type)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.connID = welcome.ConnectionID
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.WithField("conn", welcome.ConnectionID).Debug("board client connected")
	return nil
}

func (c *Client) send(msg ws.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) nextRequestID() string {
	return "req-" + strconv.FormatUint(c.seq.Add(1), 10)
}

// Join 先拉快照再订阅；之间漏掉的事件会以版本跳号的形式被发现并触发重新加载
func (c *Client) Join(ctx context.Context, boardID string) error {
	c.mu.Lock()
	c.boardID = boardID
	c.mu.Unlock()
	if err := c.Reload(ctx); err != nil {
		return err
	}
	return c.send(ws.ClientMessage{Action: ws.ActionJoin, BoardID: boardID, RequestID: c.nextRequestID()})
}

func (c *Client) Leave(boardID string) error {
	c.mu.Lock()
	if c.boardID == boardID {
		c.boardID = ""
	}
	c.mu.Unlock()
	return c.send(ws.ClientMessage{Action: ws.ActionLeave, BoardID: boardID, RequestID: c.nextRequestID()})
}

// Move 本地乐观移动后提交，返回 requestId。结果通过 ack/error 异步确认或回滚
func (c *Client) Move(kind model.Kind, entityID, toContainerID string, targetIndex int) (string, error) {
	reqID := c.nextRequestID()
	intent, err := c.view.ApplyLocalMove(reqID, kind, entityID, toContainerID, targetIndex)
	if err != nil {
		return "", err
	}
	idx := intent.TargetIndex
	err = c.send(ws.ClientMessage{
		Action:          ws.ActionMove,
		RequestID:       reqID,
		BoardID:         c.view.BoardID(),
		EntityType:      intent.EntityType,
		EntityID:        intent.EntityID,
		FromContainerID: intent.FromContainerID,
		ToContainerID:   intent.ToContainerID,
		TargetIndex:     &idx,
	})
	if err != nil {
		// 回滚不了也没关系，重连后会整板重新加载
		_ = c.view.Rollback(reqID)
		return "", err
	}
	return reqID, nil
}

// Reload 从 REST 接口拉整板快照替换本地副本；并发调用合并成一次请求
func (c *Client) Reload(ctx context.Context) error {
	c.mu.Lock()
	boardID := c.boardID
	c.mu.Unlock()
	if boardID == "" {
		return nil
	}
	_, err, _ := c.sf.Do(boardID, func() (any, error) {
		snap, err := c.fetchSnapshot(ctx, boardID)
		if err != nil {
			return nil, err
		}
		c.view.Load(snap)
		if c.opt.OnReload != nil {
			c.opt.OnReload(snap)
		}
		return nil, nil
	})
	return err
}

func (c *Client) fetchSnapshot(ctx context.Context, boardID string) (*model.BoardSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/boards/"+url.PathEscape(boardID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.opt.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", authservice.ErrUnauthenticated, body.Message)
		}
		return nil, fmt.Errorf("fetch snapshot: status %d %s %s", resp.StatusCode, body.Code, body.Message)
	}
	var snap model.BoardSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Run 读循环，直到 ctx 结束或鉴权失败。连接断开后按退避重连，重新订阅并整板重新加载
func (c *Client) Run(ctx context.Context) error {
	delay := c.opt.ReconnectDelay
	for {
		err := c.readLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if websocket.IsCloseError(err, ws.CloseUnauthenticated) {
			return fmt.Errorf("%w: %v", authservice.ErrUnauthenticated, err)
		}
		log.WithError(err).Warn("board client disconnected, reconnecting")

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			err = c.reconnect(ctx)
			if err == nil {
				delay = c.opt.ReconnectDelay
				break
			}
			if errors.Is(err, authservice.ErrUnauthenticated) {
				return err
			}
			log.WithError(err).Warn("board client reconnect failed")
			delay *= 2
			if delay > c.opt.MaxReconnectDelay {
				delay = c.opt.MaxReconnectDelay
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	boardID := c.boardID
	c.mu.Unlock()
	if boardID == "" {
		return nil
	}
	return c.Join(ctx, boardID)
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client not connected")
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg ws.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg ws.ServerMessage) {
	switch msg.Type {
	case ws.TypeEvent:
		if msg.Event == nil {
			return
		}
		if err := c.view.Merge(*msg.Event); err != nil {
			if errors.Is(err, ErrStaleClientState) {
				log.WithError(err).Info("board view stale, reloading")
				go c.reloadLogged(ctx)
				return
			}
			log.WithError(err).Warn("merge event")
			return
		}
		if c.opt.OnEvent != nil {
			c.opt.OnEvent(*msg.Event)
		}
	case ws.TypeAck:
		c.view.Confirm(msg.RequestID, msg.Result)
	case ws.TypeError:
		reload := msg.Code == board.CodeNotFound || msg.Code == board.CodeInvalid
		if msg.RequestID != "" {
			if err := c.view.Rollback(msg.RequestID); err != nil {
				log.WithError(err).Info("rollback not possible, reloading")
				reload = true
			}
		}
		if reload {
			go c.reloadLogged(ctx)
		}
		log.WithFields(log.Fields{"request": msg.RequestID, "code": msg.Code}).Debug(msg.Message)
	}
}

func (c *Client) reloadLogged(ctx context.Context) {
	if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("board reload failed")
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
