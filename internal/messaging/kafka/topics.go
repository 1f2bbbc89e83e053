package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "grocery.order.events"
	TopicCatalogEvents   = "grocery.catalog.events"
	TopicDeadLetterQueue = "grocery.dlq" // события, не опубликованные после всех попыток
)

// Kafka headers сообщения outbox
const (
	HeaderOutboxID      = "x-outbox-id"
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
)

// TopicFor возвращает topic для типа агрегата; неизвестные типы уходят в topic заказов.
func TopicFor(aggregateType string) string {
	switch aggregateType {
	case domain.AggregateGroceryItem:
		return TopicCatalogEvents
	default:
		return TopicOrderEvents
	}
}

// Envelope: формат значения сообщения, публикуемого из outbox.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewEnvelope упаковывает outbox-сообщение.
func NewEnvelope(msg domain.OutboxMessage) Envelope {
	return Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   time.Now().UTC(),
	}
}

// Key: ключ партиционирования: события одного агрегата попадают в одну партицию.
func (e Envelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}
