package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

type catalogRepositoryInMemory struct {
	store *Store
}

// NewCatalogRepository возвращает in-memory каталог поверх общего Store.
func NewCatalogRepository(store *Store) domain.CatalogRepository {
	return &catalogRepositoryInMemory{store: store}
}

// Create сохраняет товар, если имя ещё не занято.
func (r *catalogRepositoryInMemory) Create(ctx context.Context, item domain.GroceryItem, event domain.ItemEventFunc) (domain.GroceryItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.GroceryItem{}, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	item.Name = domain.NormalizeItemName(item.Name)
	if _, exists := s.itemNames[item.Name]; exists {
		return domain.GroceryItem{}, domain.ErrDuplicateItemName
	}

	now := nowUTC()
	item.ID = s.nextItemID + 1
	item.CreatedAt = now
	item.UpdatedAt = now

	// Событие строим до изменения состояния, чтобы ошибка ничего не оставила.
	msg, err := buildItemEvent(event, item)
	if err != nil {
		return domain.GroceryItem{}, err
	}

	s.nextItemID = item.ID
	s.items[item.ID] = item
	s.itemNames[item.Name] = item.ID
	if msg != nil {
		s.enqueueLocked(*msg)
	}
	return item, nil
}

// List возвращает все товары, упорядоченные по ID.
func (r *catalogRepositoryInMemory) List(ctx context.Context) ([]domain.GroceryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.GroceryItem, 0, len(s.items))
	for _, item := range s.items {
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Get возвращает товар или ErrGroceryItemNotFound.
func (r *catalogRepositoryInMemory) Get(ctx context.Context, id int64) (domain.GroceryItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.GroceryItem{}, err
	}

	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return domain.GroceryItem{}, domain.ErrGroceryItemNotFound
	}
	return item, nil
}

// FindByName ищет товар по точному имени.
func (r *catalogRepositoryInMemory) FindByName(ctx context.Context, name string) (domain.GroceryItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.GroceryItem{}, err
	}

	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.itemNames[domain.NormalizeItemName(name)]
	if !ok {
		return domain.GroceryItem{}, domain.ErrGroceryItemNotFound
	}
	return s.items[id], nil
}

// Update применяет патч, поддерживая индекс имён.
func (r *catalogRepositoryInMemory) Update(ctx context.Context, id int64, patch domain.GroceryItemPatch, event domain.ItemEventFunc) (domain.GroceryItem, error) {
	if err := ctx.Err(); err != nil {
		return domain.GroceryItem{}, err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return domain.GroceryItem{}, domain.ErrGroceryItemNotFound
	}

	updated := patch.Apply(current)
	if updated.Name != current.Name {
		if _, exists := s.itemNames[updated.Name]; exists {
			return domain.GroceryItem{}, domain.ErrDuplicateItemName
		}
	}
	updated.UpdatedAt = nowUTC()

	msg, err := buildItemEvent(event, updated)
	if err != nil {
		return domain.GroceryItem{}, err
	}

	if updated.Name != current.Name {
		delete(s.itemNames, current.Name)
		s.itemNames[updated.Name] = id
	}
	s.items[id] = updated
	if msg != nil {
		s.enqueueLocked(*msg)
	}
	return updated, nil
}

// SetInventory перезаписывает остаток товара.
func (r *catalogRepositoryInMemory) SetInventory(ctx context.Context, id int64, inventory int64, event domain.ItemEventFunc) (domain.GroceryItem, error) {
	return r.Update(ctx, id, domain.GroceryItemPatch{Inventory: &inventory}, event)
}

// Delete удаляет товар, если на него не ссылается ни одна позиция заказа.
func (r *catalogRepositoryInMemory) Delete(ctx context.Context, id int64, event domain.ItemEventFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.ErrGroceryItemNotFound
	}
	if s.refs[id] > 0 {
		return domain.ErrItemReferenced
	}

	msg, err := buildItemEvent(event, item)
	if err != nil {
		return err
	}

	delete(s.items, id)
	delete(s.itemNames, item.Name)
	if msg != nil {
		s.enqueueLocked(*msg)
	}
	return nil
}

func buildItemEvent(event domain.ItemEventFunc, item domain.GroceryItem) (*domain.OutboxMessage, error) {
	if event == nil {
		return nil, nil
	}
	msg, err := event(item)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

var _ domain.CatalogRepository = (*catalogRepositoryInMemory)(nil)
