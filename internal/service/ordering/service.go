// Package ordering оформляет заказы: разрешает имена товаров, проверяет остатки
// и атомарно списывает их вместе с записью заказа.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
	"github.com/vladislavdragonenkov/grocery/internal/tracing"
)

const (
	// DefaultListLimit: размер страницы ListOrders по умолчанию.
	DefaultListLimit = 100
	// MaxListLimit: верхняя граница размера страницы.
	MaxListLimit = 1000
)

// Service: движок оформления заказов.
type Service struct {
	catalog domain.CatalogRepository
	orders  domain.OrderRepository
	logger  *log.Entry
	metrics *metrics.GroceryMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает метрики заказов.
func WithMetrics(m *metrics.GroceryMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService конструирует движок заказов.
func NewService(catalog domain.CatalogRepository, orders domain.OrderRepository, opts ...Option) *Service {
	s := &Service{
		catalog: catalog,
		orders:  orders,
		logger:  log.WithField("component", "ordering-service"),
		tracer:  tracing.Tracer(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder оформляет заказ целиком или не меняет ничего.
//
// Имена разрешаются в порядке запроса, первое неизвестное имя прерывает оформление.
// Остаток сверяется с суммарным спросом по товару; окончательная проверка и списание
// выполняются репозиторием в одной транзакции.
func (s *Service) PlaceOrder(ctx context.Context, lines []domain.OrderLine) (order domain.Order, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "ordering.PlaceOrder", trace.WithAttributes(attribute.Int("order.lines", len(lines))))
	defer func() {
		if err != nil {
			tracing.RecordError(span, err)
			s.metrics.RecordOrderRejected(string(domain.KindOf(err)), time.Since(started))
		} else {
			span.SetAttributes(attribute.Int64("order.id", order.ID))
		}
		span.End()
	}()

	if errs := domain.ValidateLines(lines); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}

	placement, err := s.resolve(ctx, lines)
	if err != nil {
		return domain.Order{}, err
	}

	if err = s.precheck(ctx, placement); err != nil {
		return domain.Order{}, err
	}

	order, err = s.orders.Place(ctx, placement)
	if err != nil {
		err = domain.PersistenceError("place order", err)
		if domain.KindOf(err) == domain.KindPersistenceFailure {
			s.logger.WithError(err).Error("order placement failed")
		} else {
			s.logger.WithError(err).Warn("order rejected at commit")
		}
		return domain.Order{}, err
	}

	units := order.Units()
	s.metrics.RecordOrderPlaced(len(order.Items), units, time.Since(started))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"lines":    len(order.Items),
		"units":    units,
	}).Info("order placed")

	return order, nil
}

func (s *Service) resolve(ctx context.Context, lines []domain.OrderLine) (domain.OrderPlacement, error) {
	placement := domain.OrderPlacement{
		Lines:      make([]domain.PlacementLine, 0, len(lines)),
		CreatedAt:  s.now(),
		BuildEvent: domain.OrderPlacedMessage,
	}

	for _, line := range lines {
		name := domain.NormalizeItemName(line.Name)
		item, err := s.catalog.FindByName(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.OrderPlacement{}, &domain.ItemNotFoundError{Name: name}
			}
			return domain.OrderPlacement{}, domain.PersistenceError("resolve order item", err)
		}
		placement.Lines = append(placement.Lines, domain.PlacementLine{
			GroceryItemID: item.ID,
			Name:          item.Name,
			Quantity:      line.Quantity,
		})
	}

	return placement, nil
}

// precheck отсекает заведомо невыполнимые заказы до открытия транзакции.
func (s *Service) precheck(ctx context.Context, placement domain.OrderPlacement) error {
	demand, err := placement.Demand()
	if err != nil {
		return err
	}
	checked := make(map[int64]struct{}, len(demand))

	for _, line := range placement.Lines {
		if _, ok := checked[line.GroceryItemID]; ok {
			continue
		}
		checked[line.GroceryItemID] = struct{}{}

		item, err := s.catalog.Get(ctx, line.GroceryItemID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return &domain.ItemNotFoundError{Name: line.Name}
			}
			return domain.PersistenceError("check inventory", err)
		}
		if item.Inventory < demand[item.ID] {
			return &domain.InsufficientInventoryError{
				Name:      item.Name,
				ItemID:    item.ID,
				Available: item.Inventory,
				Requested: demand[item.ID],
			}
		}
	}
	return nil
}

// GetOrder возвращает заказ по ID.
func (s *Service) GetOrder(ctx context.Context, id int64) (order domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "ordering.GetOrder", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	order, err = s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, domain.PersistenceError("get order", err)
	}
	return order, nil
}

// ListOrders возвращает последние заказы, новые первыми.
func (s *Service) ListOrders(ctx context.Context, limit int) (orders []domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "ordering.ListOrders")
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative", domain.ErrInvalidInput)
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	orders, err = s.orders.List(ctx, limit)
	if err != nil {
		return nil, domain.PersistenceError("list orders", err)
	}
	return orders, nil
}
