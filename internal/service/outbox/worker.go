package outbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/pie/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	defaultMaxRetryDelay  = 5 * time.Second
)

// Результаты попыток для pie_outbox_publish_attempts_total.
const (
	resultSent       = "sent"
	resultRetryError = "retry_error"
	resultFailed     = "failed"
	resultDLQFailed  = "dlq_failed"
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithDLQPublisher задаёт publisher, куда уходят сообщения после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

// WithMetrics подключает метрики публикации и backlog.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

// WithBatchSize задаёт, сколько pending-сообщений забирать за цикл.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) { w.batchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) { w.maxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт задержку перед второй попыткой; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// WithMaxRetryDelay ограничивает рост задержки между попытками.
func WithMaxRetryDelay(delay time.Duration) Option {
	return func(w *Worker) { w.maxRetryDelay = delay }
}

// WithClock подменяет часы (для тестов).
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// BatchResult — итог одного цикла ProcessOnce.
type BatchResult struct {
	Sent   int
	Failed int
}

// Worker переносит pending-сообщения outbox в брокер.
// Сообщение, не отправленное за maxAttempts попыток, помечается failed и уходит в DLQ.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	metrics   *metrics.OutboxMetrics
	logger    *log.Entry
	now       func() time.Time

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		maxRetryDelay:  defaultMaxRetryDelay,
	}
	for _, option := range options {
		option(w)
	}
	w.normalize()
	return w
}

func (w *Worker) normalize() {
	if w.logger == nil {
		w.logger = log.WithField("component", "outbox-worker")
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.retryBaseDelay < 0 {
		w.retryBaseDelay = 0
	}
	if w.maxRetryDelay < w.retryBaseDelay {
		w.maxRetryDelay = w.retryBaseDelay
	}
}

// Run опрашивает outbox каждые pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if result := w.ProcessOnce(ctx); result.Sent+result.Failed > 0 {
			w.logger.WithFields(log.Fields{
				"sent":   result.Sent,
				"failed": result.Failed,
			}).Debug("outbox batch processed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает одну порцию pending-сообщений и публикует их по очереди.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}

	w.refreshBacklogMetrics(ctx)
	defer w.refreshBacklogMetrics(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return result
	}

	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, msg) {
			result.Sent++
		} else {
			result.Failed++
		}
	}
	return result
}

// deliver публикует сообщение и фиксирует исход в outbox. Возвращает true, если сообщение отправлено.
func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) bool {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
	})

	publishErr := w.publishWithRetry(ctx, msg)
	if publishErr == nil {
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox as sent")
		}
		return true
	}

	if ctx.Err() != nil {
		// Остановка воркера: сообщение остаётся pending до следующего запуска.
		entry.WithError(publishErr).Debug("outbox delivery interrupted")
		return false
	}

	entry.WithError(publishErr).WithField("attempts", w.maxAttempts).Error("outbox publish failed after retries")
	w.metrics.RecordPublishAttempt(resultFailed)

	if err := w.publishToDLQ(ctx, msg, publishErr); err != nil {
		entry.WithError(err).Warn("failed to publish to DLQ")
		w.metrics.RecordPublishAttempt(resultDLQFailed)
	}
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
	return false
}

// publishWithRetry возвращает ошибку последней попытки publisher без обёртки:
// она же попадает в PublishError записи DLQ.
func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, w.retryBackoff(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = w.publisher.Publish(ctx, msg)
		if lastErr == nil {
			w.metrics.RecordPublishAttempt(resultSent)
			return nil
		}
		w.metrics.RecordPublishAttempt(resultRetryError)
	}
	return lastErr
}

// retryBackoff — задержка после attempt-й неудачной попытки: base * 2^(attempt-1), не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 || attempt < 1 {
		return 0
	}

	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= w.maxRetryDelay/2 {
			return w.maxRetryDelay
		}
		delay *= 2
	}
	return min(delay, w.maxRetryDelay)
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	if w.metrics == nil {
		return
	}

	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var age float64
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = max(w.now().Sub(stats.OldestPendingAt).Seconds(), 0)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

func (w *Worker) publishToDLQ(ctx context.Context, msg domain.OutboxMessage, publishErr error) error {
	if w.dlq == nil {
		return nil
	}

	wrapped, err := kafka.WrapForDLQ(msg, publishErr, w.now())
	if err != nil {
		return err
	}
	if err := w.dlq.Publish(ctx, wrapped); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
