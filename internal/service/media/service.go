// Package media принимает загрузки изображений и управляет их жизненным циклом.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/blob"
	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
	"github.com/artisanmarket/marketplace/internal/service/audit"
)

const (
	// DefaultMaxUploadBytes — лимит размера загрузки по умолчанию (10 MiB).
	DefaultMaxUploadBytes int64 = 10 << 20
	// DefaultPrefix — корень раскладки медиа в blob-хранилище.
	DefaultPrefix = "media"

	maxTextLength = 255
)

// Результаты загрузки для метрик.
const (
	ingestCreated  = "created"
	ingestRejected = "rejected"
	ingestError    = "error"
)

// Config задаёт ограничения загрузки.
type Config struct {
	MaxUploadBytes int64
	Prefix         string
}

// Service реализует загрузку, повтор оптимизации и удаление медиа.
type Service struct {
	repo     domain.MediaRepository
	blobs    blob.Store
	notifier domain.MediaJobNotifier
	cfg      Config
	logger   *log.Entry
	metrics  *metrics.MediaMetrics
	audit    *audit.Recorder
	now      func() time.Time
	newID    func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics подключает метрики медиа.
func WithMetrics(m *metrics.MediaMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit подключает журнал аудита.
func WithAudit(r *audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService создаёт сервис медиа. notifier может быть nil: задачи подберёт поллер.
func NewService(repo domain.MediaRepository, blobs blob.Store, notifier domain.MediaJobNotifier, cfg Config, opts ...Option) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = DefaultPrefix
	}

	s := &Service{
		repo:     repo,
		blobs:    blobs,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.WithField("component", "media-service"),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxUploadBytes возвращает действующий лимит размера загрузки.
func (s *Service) MaxUploadBytes() int64 {
	return s.cfg.MaxUploadBytes
}

// Ingest проверяет файл, сохраняет оригинал и ставит задачу оптимизации.
func (s *Service) Ingest(ctx context.Context, cmd domain.UploadCommand, r io.Reader) (domain.Media, error) {
	media, err := s.ingest(ctx, cmd, r)
	switch {
	case err == nil:
		s.metrics.ObserveIngest(ingestCreated)
	case isValidation(err):
		s.metrics.ObserveIngest(ingestRejected)
	default:
		s.metrics.ObserveIngest(ingestError)
	}
	return media, err
}

func (s *Service) ingest(ctx context.Context, cmd domain.UploadCommand, r io.Reader) (domain.Media, error) {
	if err := s.validateCommand(cmd); err != nil {
		return domain.Media{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return domain.Media{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return domain.Media{}, tooLarge(s.cfg.MaxUploadBytes)
	}
	if len(data) == 0 {
		verr := domain.NewValidationError()
		verr.Add("file", "file is required")
		return domain.Media{}, verr
	}

	mimeType, ext, err := detectType(data, cmd.ContentType)
	if err != nil {
		return domain.Media{}, err
	}
	dims, err := decodeDimensions(data)
	if err != nil {
		verr := domain.NewValidationError()
		verr.Add("file", "image cannot be decoded")
		return domain.Media{}, verr
	}

	now := s.now()
	id := s.newID()
	filename := id + ext
	key := path.Join(s.cfg.Prefix, now.Format("2006/01/02"), filename)

	if err := s.blobs.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return domain.Media{}, fmt.Errorf("store original: %w", err)
	}

	media := domain.Media{
		ID:                 id,
		Filename:           filename,
		OriginalName:       strings.TrimSpace(cmd.OriginalName),
		MimeType:           mimeType,
		Path:               key,
		Size:               int64(len(data)),
		Metadata:           dims,
		OptimizationStatus: domain.OptimizationPending,
		Owner:              cmd.Owner,
		Collection:         strings.TrimSpace(cmd.Collection),
		AltText:            strings.TrimSpace(cmd.AltText),
		Caption:            strings.TrimSpace(cmd.Caption),
		UploadedBy:         cmd.UploadedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if media.Collection == "" {
		media.Collection = "default"
	}
	if cmd.PreserveExif {
		media.ExifData = extractExif(data)
	}

	if err := s.repo.Create(ctx, media); err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil && !errors.Is(delErr, blob.ErrNotFound) {
			s.logger.WithError(delErr).WithField("path", key).Warn("failed to remove orphaned upload")
		}
		return domain.Media{}, fmt.Errorf("create media: %w", err)
	}

	s.notify(ctx, media.ID)
	s.audit.Record(ctx, cmd.UploadedBy, audit.ActionMediaUploaded, audit.ResourceMedia, media.ID, map[string]any{
		"path":      media.Path,
		"mime_type": media.MimeType,
		"size":      media.Size,
	})
	s.logger.WithFields(log.Fields{
		"media_id":  media.ID,
		"mime_type": media.MimeType,
		"size":      media.Size,
		"width":     dims.Width,
		"height":    dims.Height,
	}).Info("media uploaded")

	return media, nil
}

// Get возвращает медиа по id.
func (s *Service) Get(ctx context.Context, id string) (domain.Media, error) {
	return s.repo.Get(ctx, id)
}

// RetryOptimization возвращает упавшую задачу в очередь. Для любого статуса,
// кроме failed, возвращает ErrInvalidState и не меняет строку.
func (s *Service) RetryOptimization(ctx context.Context, actor, id string) (domain.Media, error) {
	media, err := s.repo.ResetToPending(ctx, id, s.now())
	if err != nil {
		return domain.Media{}, err
	}

	s.notify(ctx, media.ID)
	s.audit.Record(ctx, actor, audit.ActionMediaRetried, audit.ResourceMedia, media.ID, map[string]any{
		"status": map[string]string{"from": string(domain.OptimizationFailed), "to": string(domain.OptimizationPending)},
	})
	s.logger.WithField("media_id", media.ID).Info("media optimization re-queued")
	return media, nil
}

// Delete удаляет оригинал, производные и строку. Отсутствующие файлы не считаются ошибкой.
func (s *Service) Delete(ctx context.Context, actor, id string) error {
	media, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	for _, p := range media.BlobPaths() {
		if err := s.blobs.Delete(ctx, p); err != nil && !errors.Is(err, blob.ErrNotFound) {
			s.logger.WithError(err).WithFields(log.Fields{
				"media_id": id,
				"path":     p,
			}).Warn("failed to delete media file")
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.audit.Record(ctx, actor, audit.ActionMediaDeleted, audit.ResourceMedia, id, map[string]any{
		"paths": media.BlobPaths(),
	})
	s.logger.WithField("media_id", id).Info("media deleted")
	return nil
}

func (s *Service) notify(ctx context.Context, id string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyMediaJob(ctx, id); err != nil {
		s.logger.WithError(err).WithField("media_id", id).Warn("failed to notify optimizer, poller will pick the job up")
	}
}

func (s *Service) validateCommand(cmd domain.UploadCommand) error {
	verr := domain.NewValidationError()
	if cmd.Size > s.cfg.MaxUploadBytes {
		return tooLarge(s.cfg.MaxUploadBytes)
	}
	if len([]rune(cmd.AltText)) > maxTextLength {
		verr.Add("alt_text", fmt.Sprintf("must be at most %d characters", maxTextLength))
	}
	if len([]rune(cmd.Caption)) > 1000 {
		verr.Add("caption", "must be at most 1000 characters")
	}
	if len([]rune(cmd.Collection)) > maxTextLength {
		verr.Add("collection", fmt.Sprintf("must be at most %d characters", maxTextLength))
	}
	if cmd.Owner != nil && cmd.Owner.ID <= 0 {
		verr.Add("mediable_id", "must be a positive integer")
	}
	return verr.OrNil()
}

func tooLarge(limit int64) error {
	verr := domain.NewValidationError()
	verr.Add("file", fmt.Sprintf("file exceeds the maximum size of %d bytes", limit))
	return verr
}

func isValidation(err error) bool {
	_, ok := domain.AsValidation(err)
	return ok
}
