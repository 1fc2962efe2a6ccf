package optimizer

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollBatch    = 100
	defaultReapGrace    = 30 * time.Second
)

// PollerOptions задаёт параметры поллера.
type PollerOptions struct {
	Logger       *log.Entry
	Metrics      *metrics.MediaMetrics
	PollInterval time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	Grace        time.Duration
	Now          func() time.Time
}

// Poller периодически ставит pending-медиа в пул и переводит в failed
// задачи, зависшие в processing дольше таймаута с запасом.
type Poller struct {
	repo domain.MediaRepository
	pool *Pool
	opts PollerOptions
}

// NewPoller создаёт поллер.
func NewPoller(repo domain.MediaRepository, pool *Pool, opts PollerOptions) *Poller {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "optimizer-poller")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultPollBatch
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultReapGrace
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Poller{repo: repo, pool: pool, opts: opts}
}

// Run выполняет циклы опроса до отмены ctx.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.ReapOnce(ctx); err != nil && ctx.Err() == nil {
		p.opts.Logger.WithError(err).Warn("failed to reap stuck media jobs")
	}
	if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
		p.opts.Logger.WithError(err).Warn("failed to poll pending media jobs")
	}
}

// PollOnce ставит в пул ожидающие задачи и возвращает число поставленных.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	ids, err := p.repo.ListPending(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, id := range ids {
		if err := p.pool.TrySubmit(id); err != nil {
			if errors.Is(err, ErrQueueFull) {
				p.opts.Logger.WithField("pending", len(ids)-submitted).Debug("optimizer queue is full, deferring to next poll")
				break
			}
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// ReapOnce переводит в failed задачи, захваченные раньше now - (timeout + grace).
func (p *Poller) ReapOnce(ctx context.Context) ([]string, error) {
	now := p.opts.Now()
	deadline := now.Add(-(p.opts.JobTimeout + p.opts.Grace))

	ids, err := p.repo.FailStuck(ctx, deadline, "optimization abandoned: worker did not finish in time", now)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		p.opts.Metrics.AddReaped(len(ids))
		p.opts.Logger.WithField("media_ids", ids).Warn("stuck media jobs marked failed")
	}
	return ids, nil
}
