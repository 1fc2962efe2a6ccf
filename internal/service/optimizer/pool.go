package optimizer

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/metrics"
)

const (
	// DefaultWorkers — число воркеров по умолчанию.
	DefaultWorkers = 4
	// DefaultQueueSize — ёмкость буфера задач по умолчанию.
	DefaultQueueSize = 256
)

// ErrQueueFull возвращается, когда буфер задач заполнен.
var ErrQueueFull = errors.New("optimizer queue is full")

// Pool раздаёт id медиа воркерам через буферизованный канал. Один и тот же id
// не ставится в очередь повторно, пока его не забрал воркер.
type Pool struct {
	processor *Processor
	jobs      chan string
	workers   int
	logger    *log.Entry
	metrics   *metrics.MediaMetrics

	mu     sync.Mutex
	queued map[string]struct{}
}

// NewPool создаёт пул. Значения <= 0 заменяются значениями по умолчанию.
func NewPool(processor *Processor, workers, queueSize int, logger *log.Entry, m *metrics.MediaMetrics) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.WithField("component", "optimizer-pool")
	}
	return &Pool{
		processor: processor,
		jobs:      make(chan string, queueSize),
		workers:   workers,
		logger:    logger,
		metrics:   m,
		queued:    make(map[string]struct{}),
	}
}

// TrySubmit ставит задачу без ожидания. Повторная постановка уже ожидающего id
// считается успешной.
func (p *Pool) TrySubmit(mediaID string) error {
	if !p.reserve(mediaID) {
		return nil
	}
	select {
	case p.jobs <- mediaID:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	default:
		p.release(mediaID)
		return ErrQueueFull
	}
}

// Submit ставит задачу, ожидая места в очереди до отмены ctx.
func (p *Pool) Submit(ctx context.Context, mediaID string) error {
	if !p.reserve(mediaID) {
		return nil
	}
	select {
	case p.jobs <- mediaID:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	case <-ctx.Done():
		p.release(mediaID)
		return ctx.Err()
	}
}

// NotifyMediaJob ставит задачу в локальный пул. При переполнении задачу
// позже подберёт поллер.
func (p *Pool) NotifyMediaJob(_ context.Context, mediaID string) error {
	return p.TrySubmit(mediaID)
}

// Pending возвращает число задач в буфере.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// Run запускает воркеров и ждёт их завершения после отмены ctx.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithField("workers", p.workers).Info("optimizer pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	p.logger.Info("optimizer pool stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.jobs:
			p.release(id)
			p.metrics.SetQueueDepth(len(p.jobs))
			// select мог выбрать задачу уже после отмены: строка остаётся pending.
			if ctx.Err() != nil {
				return
			}
			if err := p.processor.Process(ctx, id); err != nil {
				p.logger.WithError(err).WithFields(log.Fields{
					"media_id": id,
					"worker":   worker,
				}).Error("optimization job failed")
			}
		}
	}
}

func (p *Pool) reserve(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[id]; ok {
		return false
	}
	p.queued[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	delete(p.queued, id)
	p.mu.Unlock()
}
