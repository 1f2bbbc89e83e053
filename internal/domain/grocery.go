package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GroceryItem: товар каталога. Имя служит публичным ключом при оформлении заказа.
type GroceryItem struct {
	ID        int64
	Name      string
	Price     decimal.Decimal
	Inventory int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate проверяет поля товара и возвращает список нарушений.
func (g *GroceryItem) Validate() []error {
	var errs []error

	if strings.TrimSpace(g.Name) == "" {
		errs = append(errs, ErrItemNameRequired)
	}
	if err := ValidatePrice(g.Price); err != nil {
		errs = append(errs, err)
	}
	if g.Inventory < 0 {
		errs = append(errs, ErrInventoryNegative)
	}

	return errs
}

// maxPrice: первое значение, не помещающееся в NUMERIC(12,2).
var maxPrice = decimal.New(1, 10)

// ValidatePrice проверяет, что цена хранится без потерь в обоих хранилищах:
// не отрицательна, меньше 10^10 и не точнее копейки.
func ValidatePrice(price decimal.Decimal) error {
	switch {
	case price.IsNegative():
		return ErrPriceNegative
	case price.GreaterThanOrEqual(maxPrice):
		return ErrPriceOutOfRange
	case !price.Equal(price.Truncate(2)):
		return ErrPricePrecision
	}
	return nil
}

// GroceryItemPatch: частичное обновление товара; nil означает «поле не меняется».
type GroceryItemPatch struct {
	Name      *string
	Price     *decimal.Decimal
	Inventory *int64
}

// Empty сообщает, что в патче нет ни одного поля.
func (p GroceryItemPatch) Empty() bool {
	return p.Name == nil && p.Price == nil && p.Inventory == nil
}

// Apply возвращает копию товара с применённым патчем.
func (p GroceryItemPatch) Apply(item GroceryItem) GroceryItem {
	if p.Name != nil {
		item.Name = strings.TrimSpace(*p.Name)
	}
	if p.Price != nil {
		item.Price = *p.Price
	}
	if p.Inventory != nil {
		item.Inventory = *p.Inventory
	}
	return item
}

// NormalizeItemName приводит имя к виду, в котором оно хранится и ищется.
func NormalizeItemName(name string) string {
	return strings.TrimSpace(name)
}
