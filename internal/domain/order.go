package domain

import (
	"math"
	"time"
)

// OrderLine: запрошенная клиентом позиция: имя товара и количество.
type OrderLine struct {
	Name     string
	Quantity int64
}

// OrderItem представляет одну позицию оформленного заказа.
type OrderItem struct {
	ID            int64
	OrderID       int64
	GroceryItemID int64
	Quantity      int64
	CreatedAt     time.Time
}

// Order: неизменяемая запись о покупке вместе с её позициями.
type Order struct {
	ID        int64
	Items     []OrderItem
	CreatedAt time.Time
}

// PlacementLine: позиция, уже сопоставленная с товаром каталога.
// Quantity одновременно задаёт количество в заказе и списание с остатка.
type PlacementLine struct {
	GroceryItemID int64
	Name          string
	Quantity      int64
}

// OrderPlacement: входные данные атомарной записи заказа.
type OrderPlacement struct {
	Lines     []PlacementLine
	CreatedAt time.Time
	// BuildEvent вызывается репозиторием после вставки заказа (ID известен только тогда);
	// событие пишется в outbox в той же транзакции.
	BuildEvent OrderEventFunc
}

// ValidateLines проверяет запрос заказа до обращения к каталогу.
func ValidateLines(lines []OrderLine) []error {
	var errs []error

	if len(lines) == 0 {
		errs = append(errs, ErrOrderEmpty)
	}

	totals := make(map[string]int64, len(lines))
	overflow := false
	for _, line := range lines {
		name := NormalizeItemName(line.Name)
		if name == "" {
			errs = append(errs, ErrItemNameRequired)
		}
		if line.Quantity <= 0 {
			errs = append(errs, ErrQuantityInvalid)
			continue
		}
		total, ok := addQuantity(totals[name], line.Quantity)
		if !ok && !overflow {
			errs = append(errs, ErrQuantityTooLarge)
			overflow = true
		}
		totals[name] = total
	}

	return errs
}

// Demand суммирует списание по товарам: одно имя может встречаться в заказе несколько раз.
// Неположительное количество или сумма, не помещающаяся в int64, дают InvalidInput.
func (p OrderPlacement) Demand() (map[int64]int64, error) {
	demand := make(map[int64]int64, len(p.Lines))
	for _, line := range p.Lines {
		if line.Quantity <= 0 {
			return nil, ErrQuantityInvalid
		}
		total, ok := addQuantity(demand[line.GroceryItemID], line.Quantity)
		if !ok {
			return nil, ErrQuantityTooLarge
		}
		demand[line.GroceryItemID] = total
	}
	return demand, nil
}

// Units: всего единиц в заказе; при переполнении int64 насыщается до MaxInt64.
func (o Order) Units() int64 {
	var units int64
	for _, item := range o.Items {
		next, ok := addQuantity(units, item.Quantity)
		if !ok {
			return math.MaxInt64
		}
		units = next
	}
	return units
}

// addQuantity складывает неотрицательные количества; false при переполнении.
func addQuantity(total, qty int64) (int64, bool) {
	if qty > math.MaxInt64-total {
		return total, false
	}
	return total + qty, true
}
