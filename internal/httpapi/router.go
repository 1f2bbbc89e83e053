// Package httpapi: REST API сервиса: администрирование каталога и оформление заказов.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/metrics"
	"github.com/vladislavdragonenkov/grocery/internal/service/catalog"
	"github.com/vladislavdragonenkov/grocery/internal/service/idempotency"
	"github.com/vladislavdragonenkov/grocery/internal/service/ordering"
)

// HeaderIdempotencyKey: заголовок ключа идемпотентности для POST /api/orders.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay выставляется, когда ответ отдан из кэша идемпотентности.
const HeaderIdempotentReplay = "Idempotent-Replayed"

const defaultRequestTimeout = 10 * time.Second

// Deps: зависимости HTTP API. Guard и Metrics необязательны.
type Deps struct {
	Catalog        *catalog.Service
	Ordering       *ordering.Service
	Guard          *idempotency.Guard
	Logger         *log.Entry
	Metrics        *metrics.GroceryMetrics
	RequestTimeout time.Duration
}

type api struct {
	catalog  *catalog.Service
	ordering *ordering.Service
	guard    *idempotency.Guard
	logger   *log.Entry
}

// NewRouter собирает chi-роутер со всеми маршрутами API.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	a := &api{
		catalog:  deps.Catalog,
		ordering: deps.Ordering,
		guard:    deps.Guard,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracingMiddleware)
	r.Use(accessLog(logger, deps.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorPayload{Kind: "not_found", Message: "route not found"}})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorPayload{Kind: "invalid_input", Message: "method not allowed"}})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/admin/grocery-items", func(r chi.Router) {
			r.Post("/", a.createItem)
			r.Get("/", a.listItems)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getItem)
				r.Put("/", a.updateItem)
				r.Delete("/", a.deleteItem)
				r.Put("/inventory", a.setInventory)
			})
		})

		r.Get("/grocery-items", a.listItems)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", a.placeOrder)
			r.Get("/", a.listOrders)
			r.Get("/{id}", a.getOrder)
		})
	})

	return r
}

// fail пишет ошибку в формате API и логирует сбои хранилища.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		a.logger.WithError(err).WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeJSON(w, status, body)
}
