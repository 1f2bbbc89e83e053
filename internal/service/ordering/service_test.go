package ordering

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
	"github.com/vladislavdragonenkov/grocery/internal/storage/memory"
)

type fixture struct {
	store   *memory.Store
	catalog domain.CatalogRepository
	orders  domain.OrderRepository
	svc     *Service
}

func newFixture(t *testing.T, stock map[string]int64) *fixture {
	t.Helper()

	store := memory.NewStore()
	f := &fixture{
		store:   store,
		catalog: memory.NewCatalogRepository(store),
		orders:  memory.NewOrderRepository(store),
	}
	f.svc = NewService(f.catalog, f.orders,
		WithMetrics(metrics.NewGroceryMetricsWithRegisterer(prometheus.NewRegistry())),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }),
	)

	// Детерминированный порядок ID: apple → 1, banana → 2 и т.д.
	for _, name := range []string{"apple", "banana", "carrot"} {
		qty, ok := stock[name]
		if !ok {
			continue
		}
		_, err := f.catalog.Create(context.Background(), domain.GroceryItem{
			Name:      name,
			Price:     decimal.RequireFromString("1.00"),
			Inventory: qty,
		}, nil)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) inventory(t *testing.T, name string) int64 {
	t.Helper()
	item, err := f.catalog.FindByName(context.Background(), name)
	require.NoError(t, err)
	return item.Inventory
}

func (f *fixture) orderCount(t *testing.T) int {
	t.Helper()
	orders, err := f.orders.List(context.Background(), MaxListLimit)
	require.NoError(t, err)
	return len(orders)
}

func TestPlaceOrder_DecrementsInventory(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10, "banana": 5})

	order, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
		{Name: "apple", Quantity: 3},
		{Name: "banana", Quantity: 5},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), order.ID)
	require.Len(t, order.Items, 2)
	require.Equal(t, int64(3), order.Items[0].Quantity)
	require.Equal(t, int64(5), order.Items[1].Quantity)

	require.Equal(t, int64(7), f.inventory(t, "apple"))
	require.Equal(t, int64(0), f.inventory(t, "banana"))
}

func TestPlaceOrder_InsufficientInventoryChangesNothing(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10, "banana": 5})

	_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
		{Name: "apple", Quantity: 3},
		{Name: "banana", Quantity: 6},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientInventory)

	var insufficient *domain.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, "banana", insufficient.Name)
	require.Equal(t, int64(5), insufficient.Available)
	require.Equal(t, int64(6), insufficient.Requested)

	require.Equal(t, int64(10), f.inventory(t, "apple"))
	require.Equal(t, int64(5), f.inventory(t, "banana"))
	require.Zero(t, f.orderCount(t))
}

func TestPlaceOrder_UnknownNameFailsFast(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10})

	_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
		{Name: "apple", Quantity: 1},
		{Name: "durian", Quantity: 1},
		{Name: "kiwi", Quantity: 1},
	})
	require.ErrorIs(t, err, domain.ErrItemNotFound)
	require.Equal(t, domain.KindItemNotFound, domain.KindOf(err))

	var notFound *domain.ItemNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, "durian", notFound.Name)

	require.Equal(t, int64(10), f.inventory(t, "apple"))
	require.Zero(t, f.orderCount(t))
}

func TestPlaceOrder_InvalidInput(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10})

	tests := []struct {
		name  string
		lines []domain.OrderLine
		want  error
	}{
		{name: "empty", lines: nil, want: domain.ErrOrderEmpty},
		{name: "zero quantity", lines: []domain.OrderLine{{Name: "apple", Quantity: 0}}, want: domain.ErrQuantityInvalid},
		{name: "negative quantity", lines: []domain.OrderLine{{Name: "apple", Quantity: -2}}, want: domain.ErrQuantityInvalid},
		{name: "blank name", lines: []domain.OrderLine{{Name: " ", Quantity: 1}}, want: domain.ErrItemNameRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tt.lines)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
		})
	}

	require.Equal(t, int64(10), f.inventory(t, "apple"))
	require.Zero(t, f.orderCount(t))
}

func TestPlaceOrder_DuplicateNamesAggregateDemand(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 5})

	_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
		{Name: "apple", Quantity: 3},
		{Name: "apple", Quantity: 3},
	})
	var insufficient *domain.InsufficientInventoryError
	require.True(t, errors.As(err, &insufficient))
	require.Equal(t, int64(6), insufficient.Requested)
	require.Equal(t, int64(5), f.inventory(t, "apple"))

	order, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
		{Name: "apple", Quantity: 2},
		{Name: "apple", Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, order.Items, 2)
	require.Equal(t, int64(0), f.inventory(t, "apple"))
}

func TestPlaceOrder_QuantityArithmeticEdges(t *testing.T) {
	tests := []struct {
		name          string
		stock         map[string]int64
		lines         []domain.OrderLine
		wantErr       error
		wantRequested int64
	}{
		{
			name:    "repeated name overflows int64",
			stock:   map[string]int64{"apple": 10},
			lines:   []domain.OrderLine{{Name: "apple", Quantity: math.MaxInt64}, {Name: "apple", Quantity: 1}},
			wantErr: domain.ErrQuantityTooLarge,
		},
		{
			name:          "single huge quantity",
			stock:         map[string]int64{"apple": 10},
			lines:         []domain.OrderLine{{Name: "apple", Quantity: math.MaxInt64}},
			wantErr:       domain.ErrInsufficientInventory,
			wantRequested: math.MaxInt64,
		},
		{
			name:          "repeated name sums to exactly MaxInt64",
			stock:         map[string]int64{"apple": math.MaxInt64 - 1},
			lines:         []domain.OrderLine{{Name: "apple", Quantity: math.MaxInt64 - 1}, {Name: "apple", Quantity: 1}},
			wantErr:       domain.ErrInsufficientInventory,
			wantRequested: math.MaxInt64,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.stock)

			_, err := f.svc.PlaceOrder(context.Background(), tt.lines)
			require.ErrorIs(t, err, tt.wantErr)
			require.NotEqual(t, domain.KindPersistenceFailure, domain.KindOf(err))

			var insufficient *domain.InsufficientInventoryError
			if errors.As(err, &insufficient) {
				require.Equal(t, tt.wantRequested, insufficient.Requested)
			}
			require.Equal(t, tt.stock["apple"], f.inventory(t, "apple"))

			orders, err := f.orders.List(context.Background(), 10)
			require.NoError(t, err)
			require.Empty(t, orders)
		})
	}
}

func TestPlaceOrder_MaxStockOnTwoItemsDoesNotBreakMetrics(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": math.MaxInt64, "banana": math.MaxInt64})

	order, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
		{Name: "apple", Quantity: math.MaxInt64},
		{Name: "banana", Quantity: math.MaxInt64},
	})
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64), order.Units())
	require.Zero(t, f.inventory(t, "apple"))
	require.Zero(t, f.inventory(t, "banana"))
}

func TestPlaceOrder_ExactStockReachesZero(t *testing.T) {
	f := newFixture(t, map[string]int64{"carrot": 4})

	_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{Name: "carrot", Quantity: 4}})
	require.NoError(t, err)
	require.Equal(t, int64(0), f.inventory(t, "carrot"))

	_, err = f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{Name: "carrot", Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrInsufficientInventory)
}

func TestPlaceOrder_WritesOrderPlacedEvent(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 2})

	order, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{Name: "apple", Quantity: 1}})
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), order.CreatedAt)

	pending := memory.NewOutboxRepository(f.store).AllPending()
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventOrderPlaced, pending[0].EventType)
	require.Equal(t, "1", pending[0].AggregateID)
}

func TestPlaceOrder_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10})

	const workers = 40
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{Name: "apple", Quantity: 1}})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientInventory):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(10), succeeded.Load())
	require.Equal(t, int64(workers-10), rejected.Load())
	require.Equal(t, int64(0), f.inventory(t, "apple"))
	require.Equal(t, 10, f.orderCount(t))
}

func TestPlaceOrder_StorageFailureIsPersistence(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10})
	cause := errors.New("disk full")
	svc := NewService(f.catalog, failingOrders{OrderRepository: f.orders, err: cause})

	_, err := svc.PlaceOrder(context.Background(), []domain.OrderLine{{Name: "apple", Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrPersistence)
	require.ErrorIs(t, err, cause)
	require.Equal(t, int64(10), f.inventory(t, "apple"))
}

func TestGetAndListOrders(t *testing.T) {
	f := newFixture(t, map[string]int64{"apple": 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.PlaceOrder(ctx, []domain.OrderLine{{Name: "apple", Quantity: 1}})
		require.NoError(t, err)
	}

	order, err := f.svc.GetOrder(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), order.ID)

	_, err = f.svc.GetOrder(ctx, 99)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	orders, err := f.svc.ListOrders(ctx, 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, int64(3), orders[0].ID)

	all, err := f.svc.ListOrders(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	_, err = f.svc.ListOrders(ctx, -1)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

type failingOrders struct {
	domain.OrderRepository
	err error
}

func (f failingOrders) Place(context.Context, domain.OrderPlacement) (domain.Order, error) {
	return domain.Order{}, f.err
}
