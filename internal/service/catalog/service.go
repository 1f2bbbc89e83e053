// Package catalog реализует операции каталога товаров и административную
// корректировку остатков.
package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
	"github.com/vladislavdragonenkov/grocery/internal/tracing"
)

// NewItem: данные для создания товара. nil в Price/Inventory означает «поле не передано».
type NewItem struct {
	Name      string
	Price     *decimal.Decimal
	Inventory *int64
}

// Service: операции каталога поверх CatalogRepository.
type Service struct {
	repo    domain.CatalogRepository
	logger  *log.Entry
	metrics *metrics.GroceryMetrics
	tracer  trace.Tracer
}

// NewService конструирует сервис каталога.
func NewService(repo domain.CatalogRepository, logger *log.Entry, m *metrics.GroceryMetrics) *Service {
	if logger == nil {
		logger = log.WithField("component", "catalog-service")
	}
	return &Service{
		repo:    repo,
		logger:  logger,
		metrics: m,
		tracer:  tracing.Tracer(),
	}
}

// Create проверяет поля и сохраняет новый товар.
func (s *Service) Create(ctx context.Context, in NewItem) (item domain.GroceryItem, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Create", trace.WithAttributes(attribute.String("grocery_item.name", in.Name)))
	defer func() { s.finish(span, "create", err) }()

	var errs []error
	if in.Price == nil {
		errs = append(errs, domain.ErrPriceRequired)
	}
	if in.Inventory == nil {
		errs = append(errs, domain.ErrInventoryRequired)
	}

	candidate := domain.GroceryItem{Name: domain.NormalizeItemName(in.Name)}
	if in.Price != nil {
		candidate.Price = *in.Price
	}
	if in.Inventory != nil {
		candidate.Inventory = *in.Inventory
	}
	errs = append(errs, candidate.Validate()...)
	if len(errs) > 0 {
		return domain.GroceryItem{}, errors.Join(errs...)
	}

	item, err = s.repo.Create(ctx, candidate, domain.GroceryItemEventFunc(domain.EventGroceryItemCreated))
	if err != nil {
		return domain.GroceryItem{}, domain.PersistenceError("create grocery item", err)
	}

	s.logger.WithFields(log.Fields{"grocery_item_id": item.ID, "name": item.Name}).Info("grocery item created")
	return item, nil
}

// List возвращает весь каталог в порядке ID.
func (s *Service) List(ctx context.Context) (items []domain.GroceryItem, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.List")
	defer func() { s.finish(span, "list", err) }()

	items, err = s.repo.List(ctx)
	if err != nil {
		return nil, domain.PersistenceError("list grocery items", err)
	}
	span.SetAttributes(attribute.Int("grocery_item.count", len(items)))
	return items, nil
}

// Get возвращает товар по ID.
func (s *Service) Get(ctx context.Context, id int64) (item domain.GroceryItem, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Get", trace.WithAttributes(attribute.Int64("grocery_item.id", id)))
	defer func() { s.finish(span, "get", err) }()

	item, err = s.repo.Get(ctx, id)
	if err != nil {
		return domain.GroceryItem{}, domain.PersistenceError("get grocery item", err)
	}
	return item, nil
}

// FindByName возвращает товар по имени.
func (s *Service) FindByName(ctx context.Context, name string) (item domain.GroceryItem, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.FindByName", trace.WithAttributes(attribute.String("grocery_item.name", name)))
	defer func() { s.finish(span, "find_by_name", err) }()

	item, err = s.repo.FindByName(ctx, name)
	if err != nil {
		return domain.GroceryItem{}, domain.PersistenceError("find grocery item by name", err)
	}
	return item, nil
}

// Update применяет частичное обновление: переданные поля проверяются так же, как при создании.
func (s *Service) Update(ctx context.Context, id int64, patch domain.GroceryItemPatch) (item domain.GroceryItem, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Update", trace.WithAttributes(attribute.Int64("grocery_item.id", id)))
	defer func() { s.finish(span, "update", err) }()

	if errs := validatePatch(patch); len(errs) > 0 {
		return domain.GroceryItem{}, errors.Join(errs...)
	}

	item, err = s.repo.Update(ctx, id, patch, domain.GroceryItemEventFunc(domain.EventGroceryItemUpdated))
	if err != nil {
		return domain.GroceryItem{}, domain.PersistenceError("update grocery item", err)
	}

	s.logger.WithField("grocery_item_id", id).Info("grocery item updated")
	return item, nil
}

// SetInventory перезаписывает остаток. Отрицательное значение отклоняется, прежний остаток не меняется.
func (s *Service) SetInventory(ctx context.Context, id int64, inventory int64) (item domain.GroceryItem, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.SetInventory", trace.WithAttributes(
		attribute.Int64("grocery_item.id", id),
		attribute.Int64("grocery_item.inventory", inventory),
	))
	defer func() { s.finish(span, "set_inventory", err) }()

	if inventory < 0 {
		return domain.GroceryItem{}, domain.ErrInventoryNegative
	}

	item, err = s.repo.SetInventory(ctx, id, inventory, domain.GroceryItemEventFunc(domain.EventInventoryAdjusted))
	if err != nil {
		return domain.GroceryItem{}, domain.PersistenceError("set inventory", err)
	}

	s.logger.WithFields(log.Fields{"grocery_item_id": id, "inventory": inventory}).Info("inventory adjusted")
	return item, nil
}

// Delete удаляет товар. Товар, на который ссылаются заказы, удалить нельзя.
func (s *Service) Delete(ctx context.Context, id int64) (err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Delete", trace.WithAttributes(attribute.Int64("grocery_item.id", id)))
	defer func() { s.finish(span, "delete", err) }()

	if err = s.repo.Delete(ctx, id, domain.GroceryItemEventFunc(domain.EventGroceryItemDeleted)); err != nil {
		return domain.PersistenceError("delete grocery item", err)
	}

	s.logger.WithField("grocery_item_id", id).Info("grocery item deleted")
	return nil
}

func (s *Service) finish(span trace.Span, operation string, err error) {
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
		tracing.RecordError(span, err)
		if domain.KindOf(err) == domain.KindPersistenceFailure {
			s.logger.WithError(err).WithField("operation", operation).Error("catalog operation failed")
		}
	}
	s.metrics.RecordCatalogOperation(operation, result)
	span.End()
}

func validatePatch(patch domain.GroceryItemPatch) []error {
	if patch.Empty() {
		return []error{domain.ErrEmptyPatch}
	}

	var errs []error
	if patch.Name != nil && domain.NormalizeItemName(*patch.Name) == "" {
		errs = append(errs, domain.ErrItemNameRequired)
	}
	if patch.Price != nil {
		if err := domain.ValidatePrice(*patch.Price); err != nil {
			errs = append(errs, err)
		}
	}
	if patch.Inventory != nil && *patch.Inventory < 0 {
		errs = append(errs, domain.ErrInventoryNegative)
	}
	return errs
}
