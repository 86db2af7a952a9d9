package events

import (
	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"boardServer/backend/internal/board"
)

// ActivityEvent 写入 Kafka 的一条记录：看板事件加上唯一 id，下游按 id 去重
type ActivityEvent struct {
	ID string `json:"id"`
	board.Event
}

func NewActivityEvent(ev board.Event) ActivityEvent {
	return ActivityEvent{ID: uuid.NewString(), Event: ev}
}

// NewSyncProducer 活动流只需要 leader 确认
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	return sarama.NewSyncProducer(brokers, cfg)
}
