package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/grocery/internal/domain"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
)

// CleanupConfig задаёт расписание удаления просроченных ключей Idempotency-Key.
type CleanupConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches ограничивает число DELETE за один прогон; остаток уйдёт в следующий тик.
	MaxBatches int
}

// DefaultCleanupConfig возвращает значения по умолчанию.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:   10 * time.Minute,
		BatchSize:  500,
		MaxBatches: 100,
	}
}

func (c CleanupConfig) normalized() CleanupConfig {
	def := DefaultCleanupConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = def.MaxBatches
	}
	return c
}

// CleanupResult описывает один прогон очистки.
type CleanupResult struct {
	Deleted int
	Batches int
	// Truncated: прогон упёрся в MaxBatches, просроченные ключи ещё остались.
	Truncated bool
}

// CleanupWorker периодически удаляет ключи заказов, у которых истёк TTL.
type CleanupWorker struct {
	repo    domain.IdempotencyRepository
	cfg     CleanupConfig
	logger  *log.Entry
	metrics *metrics.GroceryMetrics
	now     func() time.Time
}

// NewCleanupWorker создаёт воркер. logger и m могут быть nil.
func NewCleanupWorker(repo domain.IdempotencyRepository, cfg CleanupConfig, logger *log.Entry, m *metrics.GroceryMetrics) *CleanupWorker {
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup")
	}
	return &CleanupWorker{
		repo:    repo,
		cfg:     cfg.normalized(),
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run чистит ключи сразу и затем по тикеру, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup disabled: no repository")
		return
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	result, err := w.Sweep(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.RecordIdempotencyCleanup("error", result.Deleted)
		w.logger.WithError(err).WithField("deleted", result.Deleted).Warn("idempotency cleanup failed")
		return
	}

	w.metrics.RecordIdempotencyCleanup("ok", result.Deleted)
	if result.Deleted == 0 {
		return
	}
	entry := w.logger.WithFields(log.Fields{"deleted": result.Deleted, "batches": result.Batches})
	if result.Truncated {
		entry.Info("idempotency cleanup truncated, continuing on next tick")
		return
	}
	entry.Info("idempotency cleanup completed")
}

// Sweep удаляет ключи с ttl <= now порциями BatchSize, не больше MaxBatches порций.
func (w *CleanupWorker) Sweep(ctx context.Context) (CleanupResult, error) {
	before := w.now()

	var result CleanupResult
	for result.Batches < w.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		result.Batches++
		result.Deleted += deleted
		w.metrics.RecordIdempotencyDeleted(deleted)

		if deleted < w.cfg.BatchSize {
			return result, nil
		}
	}

	result.Truncated = true
	return result, nil
}
