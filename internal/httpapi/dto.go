package httpapi

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/service/catalog"
)

type itemResponse struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Inventory int64       `json:"inventory"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func toItemResponse(item domain.GroceryItem) itemResponse {
	return itemResponse{
		ID:        item.ID,
		Name:      item.Name,
		Price:     json.Number(item.Price.StringFixed(2)),
		Inventory: item.Inventory,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func toItemResponses(items []domain.GroceryItem) []itemResponse {
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toItemResponse(item))
	}
	return out
}

// itemRequest используется и для создания, и для частичного обновления:
// nil означает, что поле не передано.
type itemRequest struct {
	Name      *string          `json:"name"`
	Price     *decimal.Decimal `json:"price"`
	Inventory *int64           `json:"inventory"`
}

func (r itemRequest) toNewItem() catalog.NewItem {
	item := catalog.NewItem{Price: r.Price, Inventory: r.Inventory}
	if r.Name != nil {
		item.Name = *r.Name
	}
	return item
}

func (r itemRequest) toPatch() domain.GroceryItemPatch {
	return domain.GroceryItemPatch{Name: r.Name, Price: r.Price, Inventory: r.Inventory}
}

type inventoryRequest struct {
	Inventory *int64 `json:"inventory"`
}

type orderLineRequest struct {
	Name     string `json:"name"`
	Quantity int64  `json:"quantity"`
}

type orderRequest struct {
	Items []orderLineRequest `json:"items"`
}

// decodeOrderLines принимает и {"items":[...]}, и голый список позиций.
func decodeOrderLines(body []byte) ([]domain.OrderLine, error) {
	var raw []orderLineRequest
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := decodeStrict(body, &raw); err != nil {
			return nil, err
		}
	} else {
		var req orderRequest
		if err := decodeStrict(body, &req); err != nil {
			return nil, err
		}
		raw = req.Items
	}

	lines := make([]domain.OrderLine, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, domain.OrderLine{Name: line.Name, Quantity: line.Quantity})
	}
	return lines, nil
}

type orderItemResponse struct {
	ID            int64 `json:"id"`
	GroceryItemID int64 `json:"groceryItemId"`
	Quantity      int64 `json:"quantity"`
}

type orderResponse struct {
	OrderID   int64               `json:"orderId"`
	Items     []orderItemResponse `json:"items"`
	CreatedAt time.Time           `json:"createdAt"`
}

func toOrderResponse(order domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemResponse{
			ID:            item.ID,
			GroceryItemID: item.GroceryItemID,
			Quantity:      item.Quantity,
		})
	}
	return orderResponse{OrderID: order.ID, Items: items, CreatedAt: order.CreatedAt}
}

type messageResponse struct {
	Message string `json:"message"`
}
