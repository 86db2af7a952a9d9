package board

import (
	"time"

	"github.com/shopspring/decimal"

	"boardServer/backend/internal/authservice"
	"boardServer/backend/internal/model"
)

const (
	EventEntityMoved   = "entity_moved"
	EventEntityUpdated = "entity_updated"
	EventEntityCreated = "entity_created"
	EventCommentAdded  = "comment_added"
	EventEntityDeleted = "entity_deleted"
)

// Event 推送给看板房间内其他连接的变更事件，同时写入活动流
type Event struct {
	EventType       string                `json:"eventType"`
	BoardID         string                `json:"boardId"`
	EntityID        string                `json:"entityId"`
	EntityType      model.Kind            `json:"entityType"`
	Payload         Payload               `json:"payload"`
	ActingPrincipal authservice.Principal `json:"actingPrincipal"`
	OccurredAt      time.Time             `json:"occurredAt"`
}

// Payload 按事件类型只填需要的字段。orderKey 序列化成字符串，避免精度丢失
type Payload struct {
	ContainerID string           `json:"containerId,omitempty"`
	OrderKey    *decimal.Decimal `json:"orderKey,omitempty"`
	Version     uint64           `json:"version,omitempty"`
	Fields      map[string]any   `json:"fields,omitempty"`
}

func movedEvent(p authservice.Principal, o model.Ordered) Event {
	key := o.OrderKey
	return Event{
		EventType:  EventEntityMoved,
		BoardID:    o.BoardID,
		EntityID:   o.ID,
		EntityType: o.Kind,
		Payload: Payload{
			ContainerID: o.ContainerID,
			OrderKey:    &key,
			Version:     o.Version,
		},
		ActingPrincipal: p,
		OccurredAt:      time.Now().UTC(),
	}
}
