package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// GroceryItemEvent: полезная нагрузка событий grocery_item.*.
type GroceryItemEvent struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Price      string    `json:"price"`
	Inventory  int64     `json:"inventory"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderPlacedEvent: полезная нагрузка события order.placed.
type OrderPlacedEvent struct {
	OrderID    int64                  `json:"order_id"`
	Items      []OrderPlacedEventItem `json:"items"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// OrderPlacedEventItem: позиция в событии order.placed.
type OrderPlacedEventItem struct {
	GroceryItemID int64 `json:"grocery_item_id"`
	Quantity      int64 `json:"quantity"`
}

// GroceryItemEventFunc возвращает построитель события заданного типа.
func GroceryItemEventFunc(eventType string) ItemEventFunc {
	return func(item GroceryItem) (OutboxMessage, error) {
		payload, err := json.Marshal(GroceryItemEvent{
			ID:         item.ID,
			Name:       item.Name,
			Price:      item.Price.StringFixed(2),
			Inventory:  item.Inventory,
			OccurredAt: time.Now().UTC(),
		})
		if err != nil {
			return OutboxMessage{}, err
		}
		return OutboxMessage{
			AggregateType: AggregateGroceryItem,
			AggregateID:   strconv.FormatInt(item.ID, 10),
			EventType:     eventType,
			Payload:       payload,
		}, nil
	}
}

// OrderPlacedMessage строит outbox-событие для созданного заказа.
func OrderPlacedMessage(order Order) (OutboxMessage, error) {
	items := make([]OrderPlacedEventItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderPlacedEventItem{
			GroceryItemID: item.GroceryItemID,
			Quantity:      item.Quantity,
		})
	}

	payload, err := json.Marshal(OrderPlacedEvent{
		OrderID:    order.ID,
		Items:      items,
		OccurredAt: order.CreatedAt,
	})
	if err != nil {
		return OutboxMessage{}, err
	}

	return OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     EventOrderPlaced,
		Payload:       payload,
	}, nil
}

// DeadLetter: содержимое DLQ-сообщения для события, которое не удалось опубликовать.
// Исходное событие восстанавливается из него без обращения к outbox.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	PublishError  string          `json:"publish_error"`
	DeadAt        time.Time       `json:"dlq_published_at"`
}

// NewDeadLetter упаковывает неопубликованное событие в outbox-сообщение для DLQ.
func NewDeadLetter(msg OutboxMessage, attempts int, publishErr error, at time.Time) (OutboxMessage, error) {
	original := json.RawMessage(msg.Payload)
	if len(original) == 0 {
		original = json.RawMessage("null")
	}
	letter := DeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       original,
		Attempts:      attempts,
		DeadAt:        at.UTC(),
	}
	if publishErr != nil {
		letter.PublishError = publishErr.Error()
	}

	payload, err := json.Marshal(letter)
	if err != nil {
		return OutboxMessage{}, err
	}
	dead := msg
	dead.Payload = payload
	return dead, nil
}

// Original возвращает исходное событие без сведений об ошибке.
func (d DeadLetter) Original() OutboxMessage {
	return OutboxMessage{
		ID:            d.OutboxID,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		EventType:     d.EventType,
		Payload:       []byte(d.Payload),
	}
}
