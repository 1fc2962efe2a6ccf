// Package optimizer строит производные изображения для загруженных медиа.
package optimizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp" // регистрация декодера webp

	"github.com/artisanmarket/marketplace/internal/blob"
	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
)

const (
	// DefaultJobTimeout — предельное время одной задачи оптимизации.
	DefaultJobTimeout = 2 * time.Minute
	jpegQuality       = 82
	bookkeepTimeout   = 5 * time.Second
)

// Результаты задачи для метрик.
const (
	resultCompleted = "completed"
	resultFailed    = "failed"
	resultTimeout   = "timeout"
	// resultInterrupted — задача прервана остановкой и возвращена в очередь.
	resultInterrupted = "interrupted"
)

// RenditionSpec задаёт производное изображение: имя и максимальную сторону.
type RenditionSpec struct {
	Name         domain.Rendition
	MaxDimension int
}

// DefaultRenditions — стандартный набор производных.
var DefaultRenditions = []RenditionSpec{
	{Name: domain.RenditionThumb, MaxDimension: 150},
	{Name: domain.RenditionCard, MaxDimension: 400},
	{Name: domain.RenditionFull, MaxDimension: 1200},
}

// Processor выполняет одну задачу оптимизации.
type Processor struct {
	repo       domain.MediaRepository
	blobs      blob.Store
	logger     *log.Entry
	metrics    *metrics.MediaMetrics
	renditions []RenditionSpec
	jobTimeout time.Duration
	now        func() time.Time
}

// ProcessorOption настраивает Processor.
type ProcessorOption func(*Processor)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.MediaMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithJobTimeout задаёт таймаут задачи.
func WithJobTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.jobTimeout = timeout
		}
	}
}

// WithRenditions подменяет набор производных.
func WithRenditions(specs []RenditionSpec) ProcessorOption {
	return func(p *Processor) {
		if len(specs) > 0 {
			p.renditions = append([]RenditionSpec(nil), specs...)
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor создаёт обработчик задач.
func NewProcessor(repo domain.MediaRepository, blobs blob.Store, opts ...ProcessorOption) *Processor {
	p := &Processor{
		repo:       repo,
		blobs:      blobs,
		logger:     log.WithField("component", "media-optimizer"),
		renditions: DefaultRenditions,
		jobTimeout: DefaultJobTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// JobTimeout возвращает действующий таймаут задачи.
func (p *Processor) JobTimeout() time.Duration {
	return p.jobTimeout
}

type outcome struct {
	paths   map[domain.Rendition]string
	written []string
	err     error
}

// Process захватывает медиа и строит производные. Незахватываемая задача
// пропускается без ошибки. Ошибки оптимизации фиксируются в строке и не
// возвращаются; возвращаются только ошибки хранилища. Если ctx отменён
// раньше таймаута задачи, строка возвращается в pending.
func (p *Processor) Process(ctx context.Context, mediaID string) error {
	media, err := p.repo.Claim(ctx, mediaID, p.now())
	if err != nil {
		if errors.Is(err, domain.ErrMediaNotClaimable) || errors.Is(err, domain.ErrMediaNotFound) {
			p.metrics.ObserveSkipped()
			p.logger.WithField("media_id", mediaID).Debug("media is not claimable, skipping")
			return nil
		}
		return fmt.Errorf("claim media %s: %w", mediaID, err)
	}

	p.metrics.JobStarted()
	started := time.Now()
	logger := p.logger.WithFields(log.Fields{"media_id": media.ID, "mime_type": media.MimeType})
	claimedAt := claimToken(media)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var res outcome
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("optimization panicked: %v", r)
			}
			done <- res
		}()
		res.paths, res.written, res.err = p.optimize(jobCtx, media)
	}()

	var res outcome
	select {
	case res = <-done:
		if res.err != nil {
			p.cleanup(logger, res.written)
		}
	case <-jobCtx.Done():
		res.err = jobCtx.Err()
		go p.discardLate(done, media.ID, claimedAt, logger)
	}

	// Запись итога не должна срываться из-за отмены родительского контекста.
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
	defer bookCancel()

	switch {
	case res.err == nil:
		return p.complete(bookCtx, logger, media.ID, claimedAt, res, started)
	case ctx.Err() != nil && !errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return p.release(bookCtx, logger, media.ID, claimedAt, started)
	}

	result, reason := resultFailed, res.err.Error()
	if errors.Is(res.err, context.DeadlineExceeded) {
		result, reason = resultTimeout, fmt.Sprintf("optimization timed out after %s", p.jobTimeout)
	}
	p.metrics.JobFinished(result, time.Since(started))
	logger.WithError(res.err).Warn("media optimization failed")

	if err := p.repo.Fail(bookCtx, media.ID, claimedAt, reason, p.now()); err != nil {
		if errors.Is(err, domain.ErrMediaClaimLost) {
			logger.WithError(err).Warn("media claim lost before failure was recorded")
			return nil
		}
		return fmt.Errorf("mark media %s failed: %w", media.ID, err)
	}
	return nil
}

func (p *Processor) complete(ctx context.Context, logger *log.Entry, id string, claimedAt time.Time, res outcome, started time.Time) error {
	err := p.repo.Complete(ctx, id, claimedAt, res.paths, p.now())
	switch {
	case err == nil:
		p.metrics.JobFinished(resultCompleted, time.Since(started))
		logger.WithField("duration", time.Since(started)).Info("media optimized")
		return nil
	case errors.Is(err, domain.ErrMediaClaimLost):
		// Производные под теми же ключами уже пишет новый захват.
		p.metrics.JobFinished(resultFailed, time.Since(started))
		logger.WithError(err).Warn("media claim lost, dropping optimization result")
		return nil
	default:
		p.cleanup(logger, res.written)
		p.metrics.JobFinished(resultFailed, time.Since(started))
		return fmt.Errorf("complete media %s: %w", id, err)
	}
}

func (p *Processor) release(ctx context.Context, logger *log.Entry, id string, claimedAt time.Time, started time.Time) error {
	p.metrics.JobFinished(resultInterrupted, time.Since(started))
	if err := p.repo.Release(ctx, id, claimedAt, p.now()); err != nil {
		if errors.Is(err, domain.ErrMediaClaimLost) {
			logger.WithError(err).Warn("media claim lost before release")
			return nil
		}
		return fmt.Errorf("release media %s: %w", id, err)
	}
	logger.Info("optimization interrupted, media returned to queue")
	return nil
}

// discardLate дожидается горутины, пережившей таймаут или остановку, и
// удаляет её производные, если строку не захватила новая попытка.
func (p *Processor) discardLate(done <-chan outcome, id string, claimedAt time.Time, logger *log.Entry) {
	res := <-done
	if len(res.written) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	if p.reclaimed(ctx, id, claimedAt) {
		logger.WithField("paths", res.written).Debug("media was claimed again, keeping renditions of late job")
		return
	}
	p.cleanup(logger, res.written)
}

// reclaimed сообщает, что производными медиа уже владеет другой захват.
func (p *Processor) reclaimed(ctx context.Context, id string, claimedAt time.Time) bool {
	media, err := p.repo.Get(ctx, id)
	if err != nil {
		return !errors.Is(err, domain.ErrMediaNotFound)
	}
	switch media.OptimizationStatus {
	case domain.OptimizationFailed:
		return false
	case domain.OptimizationProcessing:
		return media.ClaimedAt == nil || !media.ClaimedAt.Equal(claimedAt)
	default:
		return true
	}
}

func claimToken(media domain.Media) time.Time {
	if media.ClaimedAt == nil {
		return time.Time{}
	}
	return *media.ClaimedAt
}

func (p *Processor) optimize(ctx context.Context, media domain.Media) (map[domain.Rendition]string, []string, error) {
	src, err := p.load(ctx, media.Path)
	if err != nil {
		return nil, nil, err
	}

	format, ext := imaging.JPEG, ".jpg"
	if media.MimeType == "image/png" || media.MimeType == "image/gif" {
		format, ext = imaging.PNG, ".png"
	}

	dir := path.Join(path.Dir(media.Path), "renditions")
	base := strings.TrimSuffix(media.Filename, path.Ext(media.Filename))
	if base == "" {
		base = media.ID
	}

	paths := make(map[domain.Rendition]string, len(p.renditions))
	written := make([]string, 0, len(p.renditions))
	for _, spec := range p.renditions {
		if err := ctx.Err(); err != nil {
			return nil, written, err
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, fit(src, spec.MaxDimension), format, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, written, fmt.Errorf("encode %s rendition: %w", spec.Name, err)
		}

		key := path.Join(dir, fmt.Sprintf("%s_%s%s", base, spec.Name, ext))
		if err := p.blobs.Put(ctx, key, &buf); err != nil {
			return nil, written, fmt.Errorf("store %s rendition: %w", spec.Name, err)
		}
		written = append(written, key)
		paths[spec.Name] = key
	}
	return paths, written, nil
}

func (p *Processor) load(ctx context.Context, key string) (image.Image, error) {
	rc, err := p.blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load original %s: %w", key, err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode original: %w", err)
	}
	return img, nil
}

// fit вписывает изображение в квадрат limit×limit, не увеличивая его.
func fit(img image.Image, limit int) image.Image {
	b := img.Bounds()
	if b.Dx() <= limit && b.Dy() <= limit {
		return img
	}
	return imaging.Fit(img, limit, limit, imaging.Lanczos)
}

func (p *Processor) cleanup(logger *log.Entry, written []string) {
	if len(written) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	for _, key := range written {
		if err := p.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
			logger.WithError(err).WithField("path", key).Warn("failed to remove partial rendition")
		}
	}
}
