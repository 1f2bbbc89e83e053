package domain

import (
	"context"
	"time"
)

// ItemEventFunc строит outbox-событие по товару после изменения. nil: событие не пишется.
type ItemEventFunc func(item GroceryItem) (OutboxMessage, error)

// OrderEventFunc строит outbox-событие по только что созданному заказу.
type OrderEventFunc func(order Order) (OutboxMessage, error)

// CatalogRepository описывает хранилище товаров каталога.
// Каждая изменяющая операция пишет строку товара и outbox-событие в одной транзакции.
type CatalogRepository interface {
	// Create сохраняет товар и присваивает ему ID. ErrDuplicateItemName, если имя занято.
	Create(ctx context.Context, item GroceryItem, event ItemEventFunc) (GroceryItem, error)
	// List возвращает все товары в порядке ID.
	List(ctx context.Context) ([]GroceryItem, error)
	// Get возвращает товар по ID или ErrGroceryItemNotFound.
	Get(ctx context.Context, id int64) (GroceryItem, error)
	// FindByName возвращает товар по имени или ErrGroceryItemNotFound.
	FindByName(ctx context.Context, name string) (GroceryItem, error)
	// Update применяет частичное обновление.
	Update(ctx context.Context, id int64, patch GroceryItemPatch, event ItemEventFunc) (GroceryItem, error)
	// SetInventory перезаписывает остаток товара.
	SetInventory(ctx context.Context, id int64, inventory int64, event ItemEventFunc) (GroceryItem, error)
	// Delete удаляет товар. ErrItemReferenced, если на него ссылаются позиции заказов.
	Delete(ctx context.Context, id int64, event ItemEventFunc) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Place атомарно создаёт заказ, его позиции и списывает остатки.
	// Наличие перепроверяется под блокировкой строк товаров: при нехватке
	// возвращается *InsufficientInventoryError, а при исчезнувшем товаре
	// *ItemNotFoundError, и ничего не записывается.
	Place(ctx context.Context, placement OrderPlacement) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id int64) (Order, error)
	// List возвращает последние заказы, limit <= 0 означает без ограничения.
	List(ctx context.Context, limit int) ([]Order, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по Idempotency-Key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Aggregate types и типы событий outbox.
const (
	AggregateGroceryItem = "grocery_item"
	AggregateOrder       = "order"

	EventGroceryItemCreated = "grocery_item.created"
	EventGroceryItemUpdated = "grocery_item.updated"
	EventGroceryItemDeleted = "grocery_item.deleted"
	EventInventoryAdjusted  = "grocery_item.inventory_adjusted"
	EventOrderPlaced        = "order.placed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
