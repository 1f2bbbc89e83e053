package domain

import (
	"errors"
	"fmt"
)

// Базовые виды ошибок. Конкретные ошибки оборачивают один из них,
// чтобы вызывающая сторона могла различать их через errors.Is.
var (
	// ErrInvalidInput: некорректный запрос (форма, диапазоны значений).
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound: запись каталога или заказ не найдены по идентификатору.
	ErrNotFound = errors.New("not found")
	// ErrItemNotFound: позицию заказа не удалось сопоставить с товаром каталога по имени.
	ErrItemNotFound = errors.New("item not found")
	// ErrInsufficientInventory: запрошенное количество превышает остаток.
	ErrInsufficientInventory = errors.New("insufficient inventory")
	// ErrConflict: операция нарушает ограничение целостности (уникальность имени, ссылки).
	ErrConflict = errors.New("conflict")
	// ErrPersistence: сбой хранилища или транзакции.
	ErrPersistence = errors.New("persistence failure")
)

var (
	// Ошибка отсутствующего имени товара.
	ErrItemNameRequired = fmt.Errorf("%w: name is required", ErrInvalidInput)
	// Ошибка отсутствующей цены товара.
	ErrPriceRequired = fmt.Errorf("%w: price is required", ErrInvalidInput)
	// Ошибка отрицательной цены.
	ErrPriceNegative = fmt.Errorf("%w: price must be non-negative", ErrInvalidInput)
	// Ошибка цены вне диапазона NUMERIC(12,2).
	ErrPriceOutOfRange = fmt.Errorf("%w: price must be below 10000000000", ErrInvalidInput)
	// Ошибка цены с дробной частью мельче копейки.
	ErrPricePrecision = fmt.Errorf("%w: price must have at most 2 decimal places", ErrInvalidInput)
	// Ошибка отсутствующего остатка.
	ErrInventoryRequired = fmt.Errorf("%w: inventory is required", ErrInvalidInput)
	// Ошибка отрицательного остатка.
	ErrInventoryNegative = fmt.Errorf("%w: inventory must be non-negative", ErrInvalidInput)
	// Ошибка пустого частичного обновления.
	ErrEmptyPatch = fmt.Errorf("%w: at least one field must be provided", ErrInvalidInput)
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrOrderEmpty = fmt.Errorf("%w: order must contain at least one item", ErrInvalidInput)
	// Ошибка при некорректном количестве товара (<= 0).
	ErrQuantityInvalid = fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidInput)
	// Ошибка при суммарном количестве товара, не помещающемся в int64.
	ErrQuantityTooLarge = fmt.Errorf("%w: total quantity of an item is too large", ErrInvalidInput)

	// ErrGroceryItemNotFound возвращается, если товар не найден в каталоге.
	ErrGroceryItemNotFound = fmt.Errorf("grocery item %w", ErrNotFound)
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)

	// ErrDuplicateItemName: в каталоге уже есть товар с таким именем.
	ErrDuplicateItemName = fmt.Errorf("%w: grocery item name already exists", ErrConflict)
	// ErrItemReferenced: товар нельзя удалить, пока на него ссылаются позиции заказов.
	ErrItemReferenced = fmt.Errorf("%w: grocery item is referenced by orders", ErrConflict)

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ItemNotFoundError сообщает, какое имя из заказа не удалось разрешить.
type ItemNotFoundError struct {
	Name string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("grocery item %q not found", e.Name)
}

func (e *ItemNotFoundError) Unwrap() error { return ErrItemNotFound }

// InsufficientInventoryError описывает позицию, для которой не хватает остатка.
type InsufficientInventoryError struct {
	Name      string
	ItemID    int64
	Available int64
	Requested int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for %q: available %d, requested %d", e.Name, e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// PersistenceError помечает ошибку хранилища как ErrPersistence, сохраняя исходную причину.
// Доменные ошибки пропускаются без изменений.
func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindPersistenceFailure {
		return err
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrPersistence, err))
}

// ErrorKind: машинно-различимый вид ошибки для внешнего API.
type ErrorKind string

const (
	KindInvalidInput          ErrorKind = "invalid_input"
	KindNotFound              ErrorKind = "not_found"
	KindItemNotFound          ErrorKind = "item_not_found"
	KindInsufficientInventory ErrorKind = "insufficient_inventory"
	KindConflict              ErrorKind = "conflict"
	KindPersistenceFailure    ErrorKind = "persistence_failure"
)

// KindOf определяет вид ошибки. Всё, что не распознано, считается сбоем хранилища.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrItemNotFound):
		return KindItemNotFound
	case errors.Is(err, ErrInsufficientInventory):
		return KindInsufficientInventory
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindPersistenceFailure
	}
}
