package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

const groceryItemColumns = `id, name, price, inventory, created_at, updated_at`

type catalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogRepository.
func NewCatalogRepository(store *Store) domain.CatalogRepository {
	return &catalogRepository{db: store.DB()}
}

func (r *catalogRepository) Create(ctx context.Context, item domain.GroceryItem, event domain.ItemEventFunc) (domain.GroceryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	item.Name = domain.NormalizeItemName(item.Name)
	item.CreatedAt = now
	item.UpdatedAt = now

	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO grocery_items (name, price, inventory, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`, item.Name, item.Price, item.Inventory, item.CreatedAt, item.UpdatedAt).Scan(&item.ID); err != nil {
			return mapItemWriteError("insert grocery item", err)
		}
		return writeItemEvent(ctx, tx, event, item)
	})
	if err != nil {
		return domain.GroceryItem{}, err
	}

	return item, nil
}

func (r *catalogRepository) List(ctx context.Context) ([]domain.GroceryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+groceryItemColumns+` FROM grocery_items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list grocery items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.GroceryItem, 0)
	for rows.Next() {
		item, err := scanGroceryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grocery items: %w", err)
	}

	return items, nil
}

func (r *catalogRepository) Get(ctx context.Context, id int64) (domain.GroceryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return selectGroceryItem(ctx, r.db, `SELECT `+groceryItemColumns+` FROM grocery_items WHERE id = $1`, id)
}

func (r *catalogRepository) FindByName(ctx context.Context, name string) (domain.GroceryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return selectGroceryItem(ctx, r.db, `SELECT `+groceryItemColumns+` FROM grocery_items WHERE name = $1`, domain.NormalizeItemName(name))
}

func (r *catalogRepository) Update(ctx context.Context, id int64, patch domain.GroceryItemPatch, event domain.ItemEventFunc) (domain.GroceryItem, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var updated domain.GroceryItem
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := selectGroceryItem(ctx, tx, `SELECT `+groceryItemColumns+` FROM grocery_items WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		updated = patch.Apply(current)
		updated.UpdatedAt = time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE grocery_items
			SET name = $2,
			    price = $3,
			    inventory = $4,
			    updated_at = $5
			WHERE id = $1
		`, id, updated.Name, updated.Price, updated.Inventory, updated.UpdatedAt); err != nil {
			return mapItemWriteError("update grocery item", err)
		}
		return writeItemEvent(ctx, tx, event, updated)
	})
	if err != nil {
		return domain.GroceryItem{}, err
	}

	return updated, nil
}

func (r *catalogRepository) SetInventory(ctx context.Context, id int64, inventory int64, event domain.ItemEventFunc) (domain.GroceryItem, error) {
	return r.Update(ctx, id, domain.GroceryItemPatch{Inventory: &inventory}, event)
}

func (r *catalogRepository) Delete(ctx context.Context, id int64, event domain.ItemEventFunc) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		item, err := selectGroceryItem(ctx, tx, `SELECT `+groceryItemColumns+` FROM grocery_items WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM grocery_items WHERE id = $1`, id); err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrItemReferenced
			}
			return fmt.Errorf("delete grocery item: %w", err)
		}
		return writeItemEvent(ctx, tx, event, item)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroceryItem(row rowScanner) (domain.GroceryItem, error) {
	var item domain.GroceryItem
	if err := row.Scan(&item.ID, &item.Name, &item.Price, &item.Inventory, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return domain.GroceryItem{}, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

func selectGroceryItem(ctx context.Context, exec execer, query string, arg any) (domain.GroceryItem, error) {
	item, err := scanGroceryItem(exec.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.GroceryItem{}, domain.ErrGroceryItemNotFound
		}
		return domain.GroceryItem{}, fmt.Errorf("select grocery item: %w", err)
	}
	return item, nil
}

// mapItemWriteError переводит нарушения ограничений таблицы в доменные ошибки.
func mapItemWriteError(op string, err error) error {
	switch {
	case isUniqueViolation(err):
		return domain.ErrDuplicateItemName
	case isCheckViolation(err):
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func writeItemEvent(ctx context.Context, tx *sql.Tx, event domain.ItemEventFunc, item domain.GroceryItem) error {
	if event == nil {
		return nil
	}
	msg, err := event(item)
	if err != nil {
		return fmt.Errorf("build grocery item event: %w", err)
	}
	_, err = insertOutbox(ctx, tx, msg)
	return err
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
