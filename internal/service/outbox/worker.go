// Package outbox доставляет события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics подключает метрики outbox.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher задаёт publisher для событий, не доставленных за все попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlqPublisher = publisher }
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

// WithBatchSize задаёт размер выборки за один проход.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) { w.batchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) { w.maxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую паузу между попытками, дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// WithClock подменяет источник времени для DLQ-конверта.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// DrainResult — итог одного прохода по outbox.
type DrainResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// Worker публикует события заказов из outbox. Событие, не доставленное за
// maxAttempts попыток, уходит в DLQ и помечается failed; более поздние события
// того же заказа в этом проходе откладываются, чтобы потребители видели их по порядку.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	now            func() time.Time
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		now:            time.Now,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "order-events-outbox")
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
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) error {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return nil
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		res := w.Drain(ctx)
		if res.Failed > 0 || res.Deferred > 0 {
			w.logger.WithFields(log.Fields{
				"sent":     res.Sent,
				"failed":   res.Failed,
				"deferred": res.Deferred,
			}).Warn("outbox pass finished with undelivered events")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain выполняет один проход: забирает batch ожидающих событий и публикует их.
// Отмена ctx оставляет необработанные события в pending.
func (w *Worker) Drain(ctx context.Context) DrainResult {
	var res DrainResult
	if ctx.Err() != nil {
		return res
	}
	defer w.refreshBacklogMetrics(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return res
	}

	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			return res
		}
		if _, ok := blocked[event.AggregateID]; ok {
			res.Deferred++
			continue
		}

		attempts, err := w.publishWithRetry(ctx, event)
		if err == nil {
			res.Sent++
			if markErr := w.repo.MarkSent(ctx, event.ID); markErr != nil {
				w.logger.WithError(markErr).WithField("outbox_id", event.ID).Warn("failed to mark outbox as sent")
			}
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res
		}

		res.Failed++
		blocked[event.AggregateID] = struct{}{}
		w.fail(ctx, event, attempts, err)
	}
	return res
}

func (w *Worker) fail(ctx context.Context, event domain.OutboxMessage, attempts int, publishErr error) {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
		"attempts":     attempts,
	})
	entry.WithError(publishErr).Error("outbox publish failed after retries")
	w.metrics.ObservePublish("failed")

	if err := w.publishToDLQ(event, attempts, publishErr); err != nil {
		entry.WithError(err).Warn("failed to publish to DLQ")
		w.metrics.ObservePublish("dlq_failed")
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = w.publisher.Publish(event)
		if lastErr == nil {
			w.metrics.ObservePublish("sent")
			return attempt, nil
		}
		w.metrics.ObservePublish("retry_error")

		if attempt == w.maxAttempts {
			break
		}
		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("%w: %d attempts: %v", domain.ErrOutboxPublish, w.maxAttempts, lastErr)
}

// retryBackoff возвращает паузу перед попыткой attempt+1, не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 || attempt < 1 {
		return 0
	}
	if attempt > 20 {
		return maxRetryDelay
	}
	delay := w.retryBaseDelay << (attempt - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
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

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

// deadLetter — конверт события в DLQ.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, attempts int, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(deadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		PublishError:  publishErr.Error(),
		Attempts:      attempts,
		FailedAt:      w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	if err := w.dlqPublisher.Publish(domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       body,
		CreatedAt:     event.CreatedAt,
	}); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}
