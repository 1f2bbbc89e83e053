package memory

import (
	"sync"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

// Store: общее in-memory состояние каталога, заказов и outbox.
// Один мьютекс на всё хранилище делает каждую операцию репозиториев атомарной,
// в том числе проверку остатков и списание при оформлении заказа.
type Store struct {
	mu sync.RWMutex

	items     map[int64]domain.GroceryItem
	itemNames map[string]int64
	// refs: количество позиций заказов, ссылающихся на товар.
	refs map[int64]int

	orders []domain.Order

	outbox    map[string]*outboxRecord
	outboxSeq int64

	nextItemID      int64
	nextOrderID     int64
	nextOrderItemID int64
}

// NewStore создаёт пустое in-memory хранилище для локальной разработки и тестов.
func NewStore() *Store {
	return &Store{
		items:     make(map[int64]domain.GroceryItem),
		itemNames: make(map[string]int64),
		refs:      make(map[int64]int),
		outbox:    make(map[string]*outboxRecord),
	}
}

// enqueueLocked кладёт событие в outbox; вызывается под s.mu.
func (s *Store) enqueueLocked(msg domain.OutboxMessage) domain.OutboxMessage {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	s.outboxSeq++
	now := nowUTC()
	s.outbox[msg.ID] = &outboxRecord{
		msg:       msg,
		status:    outboxStatusPending,
		seq:       s.outboxSeq,
		createdAt: now,
		updatedAt: now,
	}
	return msg
}
