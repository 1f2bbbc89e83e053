package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

// placeOrder оформляет заказ. С заголовком Idempotency-Key ответ сохраняется
// и повторный запрос с тем же ключом получает его без повторного списания.
func (a *api) placeOrder(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" || a.guard == nil {
		status, response := a.executeOrder(r, body)
		writeRaw(w, status, response)
		return
	}

	replay, err := a.guard.Begin(r.Context(), key, body)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if replay != nil {
		w.Header().Set(HeaderIdempotentReplay, "true")
		writeRaw(w, replay.HTTPStatus, replay.Body)
		return
	}

	status, response := a.executeOrder(r, body)
	// Ответ сохраняется, даже если клиент уже отключился. Заказ к этому моменту
	// уже записан: если Complete не удался, ключ до TTL остаётся in progress.
	a.guard.Complete(context.WithoutCancel(r.Context()), key, status, response)
	writeRaw(w, status, response)
}

// executeOrder возвращает статус и готовое тело ответа, чтобы его можно было сохранить.
func (a *api) executeOrder(r *http.Request, body []byte) (int, []byte) {
	status, payload := a.placeOrderPayload(r, body)
	encoded, err := encodeJSON(payload)
	if err != nil {
		a.logger.WithError(err).Error("failed to encode order response")
		return http.StatusInternalServerError, []byte(`{"error":{"kind":"persistence_failure","message":"failed to encode response"}}` + "\n")
	}
	return status, encoded
}

func (a *api) placeOrderPayload(r *http.Request, body []byte) (int, any) {
	lines, err := decodeOrderLines(body)
	if err == nil {
		order, placeErr := a.ordering.PlaceOrder(r.Context(), lines)
		if placeErr == nil {
			return http.StatusCreated, toOrderResponse(order)
		}
		err = placeErr
	}

	status, errBody := errorResponse(err)
	if status >= http.StatusInternalServerError {
		a.logger.WithError(err).WithField("path", r.URL.Path).Error("order placement failed")
	} else {
		a.logger.WithFields(log.Fields{"kind": errBody.Error.Kind}).Debug("order rejected")
	}
	return status, errBody
}

func (a *api) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	order, err := a.ordering.GetOrder(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (a *api) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			a.fail(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput))
			return
		}
		limit = parsed
	}

	orders, err := a.ordering.ListOrders(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, out)
}
