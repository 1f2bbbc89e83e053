package outbox

import (
	"context"
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
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	Metrics        *metrics.GroceryMetrics
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) { opts.Logger = logger }
}

func WithMetrics(m *metrics.GroceryMetrics) Option {
	return func(opts *WorkerOptions) { opts.Metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
// Без него такие события только помечаются failed.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) { opts.DLQPublisher = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) { opts.BatchSize = batchSize }
}

func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) { opts.RetryBaseDelay = delay }
}

// BatchResult подводит итог одного прохода по outbox.
type BatchResult struct {
	Sent       int
	DeadLetter int
	// Deferred: события, оставленные pending, потому что более раннее событие
	// того же товара или заказа в этом проходе не опубликовалось.
	Deferred int
}

// Worker публикует события каталога и заказов из outbox в брокер.
// События одного агрегата уходят строго в порядке записи: если событие товара
// не опубликовано, следующие события этого товара ждут следующего прохода.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.GroceryMetrics
	opts      WorkerOptions
	now       func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}

	return &Worker{
		repo:      repo,
		publisher: publisher,
		dlq:       opts.DLQPublisher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run опрашивает outbox каждые PollInterval, пока ctx не отменён.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: repository or publisher is missing")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует одну порцию pending-событий.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}

	events, err := w.repo.PullPending(ctx, w.opts.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox events")
		return result
	}

	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		aggregate := event.AggregateType + "/" + event.AggregateID
		if _, stop := blocked[aggregate]; stop {
			result.Deferred++
			continue
		}

		switch w.deliver(ctx, event) {
		case deliverySent:
			result.Sent++
		case deliveryDead:
			result.DeadLetter++
		case deliveryDeferred:
			blocked[aggregate] = struct{}{}
			result.Deferred++
		}
	}

	w.refreshBacklog(ctx)
	if len(events) > 0 {
		w.logger.WithFields(log.Fields{
			"pulled":   len(events),
			"sent":     result.Sent,
			"dead":     result.DeadLetter,
			"deferred": result.Deferred,
		}).Debug("outbox batch processed")
	}
	return result
}

type delivery int

const (
	deliverySent delivery = iota
	deliveryDead
	deliveryDeferred
)

// deliver публикует одно событие и фиксирует его судьбу в outbox.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage) delivery {
	ctx, span := tracing.Tracer().Start(ctx, "outbox.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.id", event.ID),
			attribute.String("outbox.event_type", event.EventType),
			attribute.String("outbox.aggregate", event.AggregateType+"/"+event.AggregateID),
		))
	defer span.End()

	fields := log.Fields{"outbox_id": event.ID, "event_type": event.EventType, "aggregate_id": event.AggregateID}

	attempts, err := w.publishWithRetry(ctx, event)
	if err == nil {
		if markErr := w.repo.MarkSent(ctx, event.ID); markErr != nil {
			// Событие уже в брокере; повтор в следующем проходе даст дубликат,
			// потребители дедуплицируют по x-outbox-id.
			w.logger.WithError(markErr).WithFields(fields).Warn("mark outbox event sent")
		}
		return deliverySent
	}
	tracing.RecordError(span, err)

	if ctx.Err() != nil {
		return deliveryDeferred
	}

	w.metrics.RecordOutboxPublish("failed")
	w.logger.WithError(err).WithFields(fields).WithField("attempts", attempts).Error("outbox event exhausted publish attempts")

	if w.dlq != nil {
		if dlqErr := w.sendToDLQ(ctx, event, attempts, err); dlqErr != nil {
			// Событие остаётся pending, чтобы не потерять его совсем.
			w.metrics.RecordOutboxPublish("dlq_failed")
			w.logger.WithError(dlqErr).WithFields(fields).Warn("dead-letter outbox event")
			return deliveryDeferred
		}
	}

	if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
		w.logger.WithError(markErr).WithFields(fields).Warn("mark outbox event failed")
	}
	return deliveryDead
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, w.backoff(attempt-1)); err != nil {
				return attempt - 1, err
			}
		}

		lastErr = w.publisher.Publish(ctx, event)
		if lastErr == nil {
			w.metrics.RecordOutboxPublish("sent")
			return attempt, nil
		}
		w.metrics.RecordOutboxPublish("retry_error")
	}
	return w.opts.MaxAttempts, fmt.Errorf("%w: %d attempts: %w", domain.ErrOutboxPublish, w.opts.MaxAttempts, lastErr)
}

// backoff возвращает паузу после n-й неудачной попытки: base, 2*base, 4*base... не больше maxRetryDelay.
func (w *Worker) backoff(n int) time.Duration {
	delay := w.opts.RetryBaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < n; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) sendToDLQ(ctx context.Context, event domain.OutboxMessage, attempts int, publishErr error) error {
	dead, err := domain.NewDeadLetter(event, attempts, publishErr, w.now())
	if err != nil {
		return fmt.Errorf("build dead letter: %w", err)
	}
	if err := w.dlq.Publish(ctx, dead); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt), 0)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
