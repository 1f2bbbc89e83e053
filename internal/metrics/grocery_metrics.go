package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GroceryMetrics содержит метрики сервиса: заказы, каталог, HTTP, outbox и idempotency.
// Все методы безопасны для nil-получателя, чтобы компоненты работали без метрик.
type GroceryMetrics struct {
	// Заказы
	ordersPlaced      prometheus.Counter
	ordersRejected    *prometheus.CounterVec
	placementDuration prometheus.Histogram
	orderLines        prometheus.Histogram
	unitsSold         prometheus.Counter

	// Каталог
	catalogOperations *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Outbox
	outboxPublishAttempts  *prometheus.CounterVec
	outboxPendingRecords   prometheus.Gauge
	outboxOldestPendingAge prometheus.Gauge

	// Idempotency
	idempotencyReplays     prometheus.Counter
	idempotencyCleanupRuns *prometheus.CounterVec
	idempotencyDeleted     prometheus.Counter
	idempotencyLastDeleted prometheus.Gauge
}

// NewGroceryMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewGroceryMetrics() *GroceryMetrics {
	return NewGroceryMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewGroceryMetricsWithRegisterer создаёт метрики в переданном registerer.
func NewGroceryMetricsWithRegisterer(registerer prometheus.Registerer) *GroceryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &GroceryMetrics{
		ordersPlaced: registerCounter(registerer, prometheus.CounterOpts{
			Name: "grocery_orders_placed_total",
			Help: "Total number of successfully placed orders",
		}),
		ordersRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "grocery_orders_rejected_total",
			Help: "Total number of rejected order placements grouped by error kind",
		}, []string{"kind"}),
		placementDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "grocery_order_placement_duration_seconds",
			Help:    "Duration of order placement in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		orderLines: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "grocery_order_lines",
			Help:    "Number of line items per placed order",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 50},
		}),
		unitsSold: registerCounter(registerer, prometheus.CounterOpts{
			Name: "grocery_units_sold_total",
			Help: "Total number of inventory units decremented by placed orders",
		}),
		catalogOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "grocery_catalog_operations_total",
			Help: "Total number of catalog operations grouped by operation and result",
		}, []string{"operation", "result"}),
		httpRequests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "grocery_http_requests_total",
			Help: "Total number of HTTP requests grouped by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "grocery_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		outboxPublishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "grocery_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"}),
		outboxPendingRecords: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "grocery_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		}),
		outboxOldestPendingAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "grocery_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
		idempotencyReplays: registerCounter(registerer, prometheus.CounterOpts{
			Name: "grocery_idempotency_replays_total",
			Help: "Total number of responses replayed from idempotency cache.",
		}),
		idempotencyCleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "grocery_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		idempotencyDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "grocery_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		idempotencyLastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "grocery_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// RecordOrderPlaced фиксирует успешный заказ: число позиций и списанных единиц.
func (m *GroceryMetrics) RecordOrderPlaced(lines int, units int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.ordersPlaced.Inc()
	m.orderLines.Observe(float64(lines))
	m.unitsSold.Add(float64(units))
	m.placementDuration.Observe(duration.Seconds())
}

// RecordOrderRejected фиксирует отклонённый заказ с видом ошибки.
func (m *GroceryMetrics) RecordOrderRejected(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(kind).Inc()
	m.placementDuration.Observe(duration.Seconds())
}

// RecordCatalogOperation фиксирует операцию каталога; result: "ok" или вид ошибки.
func (m *GroceryMetrics) RecordCatalogOperation(operation, result string) {
	if m == nil {
		return
	}
	m.catalogOperations.WithLabelValues(operation, result).Inc()
}

// RecordHTTPRequest фиксирует обработанный HTTP-запрос.
func (m *GroceryMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordOutboxPublish фиксирует результат попытки публикации: sent, retry_error, failed, dlq_failed.
func (m *GroceryMetrics) RecordOutboxPublish(result string) {
	if m == nil {
		return
	}
	m.outboxPublishAttempts.WithLabelValues(result).Inc()
}

// SetOutboxBacklog обновляет размер backlog и возраст самого старого сообщения.
func (m *GroceryMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPendingRecords.Set(float64(pending))
	m.outboxOldestPendingAge.Set(oldestAge.Seconds())
}

// RecordIdempotencyReplay фиксирует ответ, отданный из кэша идемпотентности.
func (m *GroceryMetrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.idempotencyReplays.Inc()
}

// RecordIdempotencyCleanup фиксирует прогон очистки ключей.
func (m *GroceryMetrics) RecordIdempotencyCleanup(result string, deleted int) {
	if m == nil {
		return
	}
	m.idempotencyCleanupRuns.WithLabelValues(result).Inc()
	if result == "ok" {
		m.idempotencyLastDeleted.Set(float64(deleted))
	}
}

// RecordIdempotencyDeleted увеличивает счётчик удалённых ключей.
func (m *GroceryMetrics) RecordIdempotencyDeleted(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.idempotencyDeleted.Add(float64(deleted))
}
