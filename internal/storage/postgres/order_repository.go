package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

type lockedItem struct {
	name      string
	inventory int64
}

// Place записывает заказ в одной транзакции. Строки товаров блокируются
// SELECT ... FOR UPDATE в порядке id, поэтому параллельные заказы на
// пересекающиеся товары не взаимоблокируются, а остаток проверяется
// уже под блокировкой.
func (r *orderRepository) Place(ctx context.Context, placement domain.OrderPlacement) (domain.Order, error) {
	if len(placement.Lines) == 0 {
		return domain.Order{}, domain.ErrOrderEmpty
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	createdAt := placement.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	demand, err := placement.Demand()
	if err != nil {
		return domain.Order{}, err
	}

	var order domain.Order
	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		locked, err := lockItems(ctx, tx, demand)
		if err != nil {
			return err
		}

		for _, line := range placement.Lines {
			if _, ok := locked[line.GroceryItemID]; !ok {
				return &domain.ItemNotFoundError{Name: line.Name}
			}
		}
		for _, line := range placement.Lines {
			item := locked[line.GroceryItemID]
			if item.inventory < demand[line.GroceryItemID] {
				return &domain.InsufficientInventoryError{
					Name:      item.name,
					ItemID:    line.GroceryItemID,
					Available: item.inventory,
					Requested: demand[line.GroceryItemID],
				}
			}
		}

		order = domain.Order{CreatedAt: createdAt, Items: make([]domain.OrderItem, 0, len(placement.Lines))}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO orders (created_at) VALUES ($1) RETURNING id
		`, createdAt).Scan(&order.ID); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, line := range placement.Lines {
			orderItem := domain.OrderItem{
				OrderID:       order.ID,
				GroceryItemID: line.GroceryItemID,
				Quantity:      line.Quantity,
				CreatedAt:     createdAt,
			}
			if err := tx.QueryRowContext(ctx, `
				INSERT INTO order_items (order_id, grocery_item_id, quantity, created_at)
				VALUES ($1,$2,$3,$4)
				RETURNING id
			`, order.ID, line.GroceryItemID, line.Quantity, createdAt).Scan(&orderItem.ID); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
			order.Items = append(order.Items, orderItem)
		}

		for id, qty := range demand {
			if _, err := tx.ExecContext(ctx, `
				UPDATE grocery_items
				SET inventory = inventory - $2,
				    updated_at = $3
				WHERE id = $1
			`, id, qty, createdAt); err != nil {
				return fmt.Errorf("decrement inventory: %w", err)
			}
		}

		if placement.BuildEvent == nil {
			return nil
		}
		msg, err := placement.BuildEvent(order)
		if err != nil {
			return fmt.Errorf("build order event: %w", err)
		}
		_, err = insertOutbox(ctx, tx, msg)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}

	return order, nil
}

// lockItems блокирует строки товаров заказа и возвращает их текущие остатки.
// Отсутствующие id просто не попадают в результат.
func lockItems(ctx context.Context, tx *sql.Tx, demand map[int64]int64) (map[int64]lockedItem, error) {
	ids := make([]int64, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, inventory
		FROM grocery_items
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock grocery items: %w", err)
	}
	defer rows.Close()

	locked := make(map[int64]lockedItem, len(ids))
	for rows.Next() {
		var (
			id   int64
			item lockedItem
		)
		if err := rows.Scan(&id, &item.name, &item.inventory); err != nil {
			return nil, fmt.Errorf("scan locked grocery item: %w", err)
		}
		locked[id] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked grocery items: %w", err)
	}

	return locked, nil
}

func (r *orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var order domain.Order
	err := r.db.QueryRowContext(ctx, `
		SELECT id, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.CreatedAt = order.CreatedAt.UTC()

	items, err := r.loadItems(ctx, []int64{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]

	return order, nil
}

func (r *orderRepository) List(ctx context.Context, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT id, created_at
		FROM orders
		ORDER BY id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $1", limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		order.CreatedAt = order.CreatedAt.UTC()
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	items, err := r.loadItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, grocery_item_id, quantity, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make(map[int64][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.GroceryItemID, &item.Quantity, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items[item.OrderID] = append(items[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
