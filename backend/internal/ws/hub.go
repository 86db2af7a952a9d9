package ws

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardServer/backend/internal/board"
	"boardServer/backend/internal/metrics"
)

// Publisher 把事件转发给其他实例（Redis pub/sub），一批事件一条消息
type Publisher interface {
	Publish(ctx context.Context, originConnID, boardID string, evs ...board.Event) error
}

type Hub struct {
	// 保护 rooms / conns 以及每个 Conn 的 rooms 集合
	mu sync.RWMutex
	// boardID -> set of connections
	rooms map[string]map[*Conn]struct{}
	// connID -> connection，用于按 origin 排除
	conns map[string]*Conn

	pub            Publisher
	publishTimeout time.Duration
	metrics        *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:          make(map[string]map[*Conn]struct{}),
		conns:          make(map[string]*Conn),
		publishTimeout: time.Second,
		metrics:        m,
	}
}

// SetPublisher 单实例部署时不设置
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.pub = p
	h.mu.Unlock()
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// Unregister 断开连接：退出所有房间，不通知其他成员
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(c)
	delete(h.conns, c.id)
}

// Join 将连接加入看板房间
func (h *Hub) Join(boardID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[boardID] == nil {
		// 一个用户可开多个标签页，房间按连接而不是按用户
		h.rooms[boardID] = make(map[*Conn]struct{})
	}
	h.rooms[boardID][c] = struct{}{}
	c.rooms[boardID] = struct{}{}
}

// Leave 不在房间里时什么也不做
func (h *Hub) Leave(boardID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(boardID, c)
}

func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(c)
}

func (h *Hub) leaveLocked(boardID string, c *Conn) {
	delete(c.rooms, boardID)
	if conns, ok := h.rooms[boardID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, boardID)
		}
	}
}

func (h *Hub) leaveAllLocked(c *Conn) {
	for boardID := range c.rooms {
		h.leaveLocked(boardID, c)
	}
}

// Members 房间当前的连接数
func (h *Hub) Members(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[boardID])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Rooms 当前存在的房间数
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) subscribed(c *Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(c.rooms) > 0
}

// Relay 推送给本实例房间内除 origin 以外的连接，再整批转发给其他实例
func (h *Hub) Relay(originConnID, boardID string, evs ...board.Event) {
	if len(evs) == 0 {
		return
	}
	h.RelayLocal(originConnID, boardID, evs...)

	h.mu.RLock()
	pub := h.pub
	h.mu.RUnlock()
	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.publishTimeout)
	defer cancel()
	if err := pub.Publish(ctx, originConnID, boardID, evs...); err != nil {
		log.WithFields(log.Fields{"board": boardID, "events": len(evs), "first": evs[0].EventType}).
			WithError(err).Warn("cross-instance publish failed")
	}
}

// RelayLocal 只推送给本实例的连接，发送缓冲满的连接直接丢弃这条
func (h *Hub) RelayLocal(originConnID, boardID string, evs ...board.Event) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[boardID]))
	for c := range h.rooms[boardID] {
		if c.id != originConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered, dropped := 0, 0
	for i := range evs {
		msg := ServerMessage{Type: TypeEvent, BoardID: boardID, Event: &evs[i]}
		for _, c := range targets {
			if c.SendMessage_Enqueue(msg) {
				delivered++
			} else {
				dropped++
				log.WithFields(log.Fields{"conn": c.id, "board": boardID}).Warn("send buffer full, event dropped")
			}
		}
	}
	h.metrics.Relayed(delivered, dropped)
}
