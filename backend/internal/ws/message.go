package ws

import (
	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/board"
	"boardServer/backend/internal/model"
)

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
	ActionMove  = "move"
	ActionPing  = "ping"
)

const (
	TypeWelcome = "welcome"
	TypeJoined  = "joined"
	TypeLeft    = "left"
	TypeEvent   = "event"
	TypeAck     = "ack"
	TypeError   = "error"
	TypePong    = "pong"
)

// ClientMessage 客户端发来的消息，按 action 分发
type ClientMessage struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId,omitempty"`
	BoardID   string `json:"boardId,omitempty"`

	// move
	EntityType      model.Kind `json:"entityType,omitempty"`
	EntityID        string     `json:"entityId,omitempty"`
	FromContainerID string     `json:"fromContainerId,omitempty"`
	ToContainerID   string     `json:"toContainerId,omitempty"`
	TargetIndex     *int       `json:"targetIndex,omitempty"`
}

type ServerMessage struct {
	Type         string                 `json:"type"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Principal    *authservice.Principal `json:"principal,omitempty"`
	BoardID      string                 `json:"boardId,omitempty"`
	RequestID    string                 `json:"requestId,omitempty"`
	Event        *board.Event           `json:"event,omitempty"`
	Result       *board.MoveResult      `json:"result,omitempty"`
	// 同一个 requestId 已经处理过
	Duplicate bool   `json:"duplicate,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func errorMessage(requestID, boardID, code, msg string) ServerMessage {
	return ServerMessage{Type: TypeError, RequestID: requestID, BoardID: boardID, Code: code, Message: msg}
}
