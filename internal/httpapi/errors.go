package httpapi

import (
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
)

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

// statusFor сопоставляет вид ошибки с HTTP-статусом.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindNotFound, domain.KindItemNotFound:
		return http.StatusNotFound
	case domain.KindInsufficientInventory, domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse строит тело ошибки. Сообщения сбоев хранилища наружу не отдаются.
func errorResponse(err error) (int, errorBody) {
	kind := domain.KindOf(err)
	payload := errorPayload{Kind: kind, Message: err.Error()}

	var notFound *domain.ItemNotFoundError
	var insufficient *domain.InsufficientInventoryError
	switch {
	case errors.As(err, &insufficient):
		payload.Details = map[string]any{
			"name":          insufficient.Name,
			"groceryItemId": insufficient.ItemID,
			"available":     insufficient.Available,
			"requested":     insufficient.Requested,
		}
	case errors.As(err, &notFound):
		payload.Details = map[string]any{"name": notFound.Name}
	}

	if kind == domain.KindPersistenceFailure {
		payload.Message = "internal storage error"
	}

	return statusFor(kind), errorBody{Error: payload}
}
