// Package idempotency чистит просроченные ключи Idempotency-Key запросов HTTP API.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultMaxBatches       = 20
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

// WithMetrics подключает метрики очистки.
func WithMetrics(m *metrics.CleanupMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = interval }
}

// WithBatchSize задаёт размер одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = batchSize }
}

// WithMaxBatches ограничивает число удалений за проход; остаток дочищается на следующем тике.
func WithMaxBatches(n int) CleanupOption {
	return func(w *CleanupWorker) { w.maxBatches = n }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) { w.now = now }
}

// CleanupWorker периодически удаляет ключи идемпотентности с истёкшим TTL.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.CleanupMetrics
	now        func() time.Time
	interval   time.Duration
	batchSize  int
	maxBatches int
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:       repo,
		now:        time.Now,
		interval:   defaultCleanupInterval,
		batchSize:  defaultCleanupBatchSize,
		maxBatches: defaultMaxBatches,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	if w.maxBatches <= 0 {
		w.maxBatches = defaultMaxBatches
	}
	return w
}

// Run чистит ключи сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) error {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.Sweep(ctx, w.now().UTC())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.ObserveRun("error", deleted)
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup run failed")
		return
	}

	w.metrics.ObserveRun("ok", deleted)
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
	}
}

// Sweep удаляет записи с истёкшим TTL на момент before порциями batchSize,
// не больше maxBatches порций. Нулевой before означает «сейчас».
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC()
	}

	total := 0
	for batch := 0; batch < w.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.AddDeleted(deleted)

		if deleted < w.batchSize {
			return total, nil
		}
	}

	w.logger.WithField("deleted", total).Debug("cleanup batch limit reached, continuing on next tick")
	return total, nil
}
