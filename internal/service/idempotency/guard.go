package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
)

const defaultTTL = 24 * time.Hour

// Replay: сохранённый ответ на повторный запрос с тем же ключом.
type Replay struct {
	HTTPStatus int
	Body       []byte
}

// Guard реализует семантику Idempotency-Key для оформления заказа:
// первый запрос выполняется, повторные с тем же телом получают сохранённый ответ.
type Guard struct {
	repo    domain.IdempotencyRepository
	ttl     time.Duration
	logger  *log.Entry
	metrics *metrics.GroceryMetrics
	now     func() time.Time
}

// NewGuard создаёт Guard. ttl <= 0 означает значение по умолчанию (24h).
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry, m *metrics.GroceryMetrics) *Guard {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{
		repo:    repo,
		ttl:     ttl,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequestHash возвращает отпечаток тела запроса.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin резервирует ключ. Возвращает (nil, nil), если запрос нужно выполнить,
// и *Replay, если ответ уже сохранён. Тот же ключ с другим телом или
// незавершённый запрос дают ошибку вида conflict.
func (g *Guard) Begin(ctx context.Context, key string, body []byte) (*Replay, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrIdempotencyKeyRequired
	}

	record, err := g.repo.CreateProcessing(ctx, key, RequestHash(body), g.now().Add(g.ttl))
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Completed() {
			return nil, domain.ErrIdempotencyInProgress
		}
		g.metrics.RecordIdempotencyReplay()
		g.logger.WithField("idempotency_key", key).Debug("replaying stored response")
		return &Replay{HTTPStatus: record.HTTPStatus, Body: append([]byte(nil), record.ResponseBody...)}, nil
	case domain.IsIdempotencyConflict(err):
		// Конфликт ключа отдаётся клиенту как есть, а не как сбой хранилища.
		return nil, err
	default:
		return nil, domain.PersistenceError("reserve idempotency key", err)
	}
}

// Complete сохраняет ответ для ключа. Успешные ответы (2xx) помечаются done,
// остальные: failed; и те и другие отдаются повторно.
func (g *Guard) Complete(ctx context.Context, key string, httpStatus int, body []byte) {
	key = strings.TrimSpace(key)

	var err error
	if httpStatus >= 200 && httpStatus < 300 {
		err = g.repo.MarkDone(ctx, key, body, httpStatus)
	} else {
		err = g.repo.MarkFailed(ctx, key, body, httpStatus)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}
