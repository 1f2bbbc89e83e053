package memory

import (
	"context"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

// orderRepositoryInMemory: in-memory реализация OrderRepository поверх общего Store.
type orderRepositoryInMemory struct {
	store *Store
}

// NewOrderRepository возвращает in-memory репозиторий заказов для локальной разработки и тестов.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepositoryInMemory{store: store}
}

// Place проверяет остатки и записывает заказ под одной блокировкой Store,
// поэтому два параллельных заказа не могут списать один и тот же остаток.
func (r *orderRepositoryInMemory) Place(ctx context.Context, placement domain.OrderPlacement) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if len(placement.Lines) == 0 {
		return domain.Order{}, domain.ErrOrderEmpty
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range placement.Lines {
		if _, ok := s.items[line.GroceryItemID]; !ok {
			return domain.Order{}, &domain.ItemNotFoundError{Name: line.Name}
		}
	}

	demand, err := placement.Demand()
	if err != nil {
		return domain.Order{}, err
	}
	for _, line := range placement.Lines {
		item := s.items[line.GroceryItemID]
		if item.Inventory < demand[line.GroceryItemID] {
			return domain.Order{}, &domain.InsufficientInventoryError{
				Name:      item.Name,
				ItemID:    item.ID,
				Available: item.Inventory,
				Requested: demand[line.GroceryItemID],
			}
		}
	}

	createdAt := placement.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	order := domain.Order{
		ID:        s.nextOrderID + 1,
		Items:     make([]domain.OrderItem, 0, len(placement.Lines)),
		CreatedAt: createdAt,
	}
	for i, line := range placement.Lines {
		order.Items = append(order.Items, domain.OrderItem{
			ID:            s.nextOrderItemID + int64(i) + 1,
			OrderID:       order.ID,
			GroceryItemID: line.GroceryItemID,
			Quantity:      line.Quantity,
			CreatedAt:     createdAt,
		})
	}

	var msg *domain.OutboxMessage
	if placement.BuildEvent != nil {
		built, err := placement.BuildEvent(order)
		if err != nil {
			return domain.Order{}, err
		}
		msg = &built
	}

	// Все проверки пройдены: дальше только изменения состояния.
	for id, qty := range demand {
		item := s.items[id]
		item.Inventory -= qty
		item.UpdatedAt = createdAt
		s.items[id] = item
	}
	for _, orderItem := range order.Items {
		s.refs[orderItem.GroceryItemID]++
	}
	s.nextOrderID = order.ID
	s.nextOrderItemID += int64(len(order.Items))
	s.orders = append(s.orders, order)
	if msg != nil {
		s.enqueueLocked(*msg)
	}

	return cloneOrder(order), nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(ctx context.Context, id int64) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	// ID выдаются последовательно, заказы не удаляются.
	if id <= 0 || id > int64(len(s.orders)) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(s.orders[id-1]), nil
}

// List возвращает заказы от новых к старым, ограничивая выборку limit (если >0).
func (r *orderRepositoryInMemory) List(ctx context.Context, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.orders)
	if limit > 0 && n > limit {
		n = limit
	}

	result := make([]domain.Order, 0, n)
	for i := len(s.orders) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, cloneOrder(s.orders[i]))
	}
	return result, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
