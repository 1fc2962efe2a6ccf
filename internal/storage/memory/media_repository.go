package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// MediaRepository — in-memory хранилище медиа и очередь задач оптимизации.
type MediaRepository struct {
	mu    sync.Mutex
	items map[string]domain.Media
	// lastClaim хранит метку последнего захвата: метки одной строки строго растут.
	lastClaim map[string]time.Time
}

// NewMediaRepository создаёт пустой репозиторий медиа.
func NewMediaRepository() *MediaRepository {
	return &MediaRepository{
		items:     make(map[string]domain.Media),
		lastClaim: make(map[string]time.Time),
	}
}

func (r *MediaRepository) Create(_ context.Context, media domain.Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[media.ID]; exists {
		return domain.InvalidStatef("media %s already exists", media.ID)
	}
	r.items[media.ID] = cloneMedia(media)
	return nil
}

func (r *MediaRepository) Get(_ context.Context, id string) (domain.Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	media, ok := r.items[id]
	if !ok {
		return domain.Media{}, domain.ErrMediaNotFound
	}
	return cloneMedia(media), nil
}

func (r *MediaRepository) Claim(_ context.Context, id string, now time.Time) (domain.Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	media, ok := r.items[id]
	if !ok {
		return domain.Media{}, domain.ErrMediaNotFound
	}
	if media.OptimizationStatus != domain.OptimizationPending {
		return domain.Media{}, domain.ErrMediaNotClaimable
	}
	claimedAt := now
	if last, ok := r.lastClaim[id]; ok && !claimedAt.After(last) {
		claimedAt = last.Add(time.Nanosecond)
	}
	r.lastClaim[id] = claimedAt

	media.OptimizationStatus = domain.OptimizationProcessing
	media.ClaimedAt = &claimedAt
	media.UpdatedAt = now
	r.items[id] = media
	return cloneMedia(media), nil
}

func (r *MediaRepository) Complete(_ context.Context, id string, claimedAt time.Time, paths map[domain.Rendition]string, now time.Time) error {
	return r.finish(id, claimedAt, now, func(m *domain.Media) {
		m.OptimizationStatus = domain.OptimizationCompleted
		m.OptimizedPaths = clonePaths(paths)
		m.OptimizationError = ""
		m.OptimizedAt = &now
	})
}

func (r *MediaRepository) Fail(_ context.Context, id string, claimedAt time.Time, reason string, now time.Time) error {
	return r.finish(id, claimedAt, now, func(m *domain.Media) {
		m.OptimizationStatus = domain.OptimizationFailed
		m.OptimizedPaths = nil
		m.OptimizationError = reason
	})
}

func (r *MediaRepository) Release(_ context.Context, id string, claimedAt time.Time, now time.Time) error {
	return r.finish(id, claimedAt, now, func(m *domain.Media) {
		m.OptimizationStatus = domain.OptimizationPending
	})
}

func (r *MediaRepository) finish(id string, claimedAt, now time.Time, apply func(m *domain.Media)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	media, ok := r.items[id]
	if !ok {
		return domain.ErrMediaNotFound
	}
	if media.OptimizationStatus != domain.OptimizationProcessing {
		return fmt.Errorf("%w: media %s is %s, not processing", domain.ErrMediaClaimLost, id, media.OptimizationStatus)
	}
	if media.ClaimedAt == nil || !media.ClaimedAt.Equal(claimedAt) {
		return fmt.Errorf("%w: media %s was claimed again", domain.ErrMediaClaimLost, id)
	}
	apply(&media)
	media.ClaimedAt = nil
	media.UpdatedAt = now
	r.items[id] = media
	return nil
}

func (r *MediaRepository) ResetToPending(_ context.Context, id string, now time.Time) (domain.Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	media, ok := r.items[id]
	if !ok {
		return domain.Media{}, domain.ErrMediaNotFound
	}
	if !media.OptimizationStatus.CanMoveTo(domain.OptimizationPending) {
		return domain.Media{}, domain.InvalidStatef("media is %s, only failed media can be retried", media.OptimizationStatus)
	}
	media.OptimizationStatus = domain.OptimizationPending
	media.OptimizationError = ""
	media.UpdatedAt = now
	r.items[id] = media
	return cloneMedia(media), nil
}

func (r *MediaRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return domain.ErrMediaNotFound
	}
	delete(r.items, id)
	delete(r.lastClaim, id)
	return nil
}

func (r *MediaRepository) ListPending(_ context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]domain.Media, 0)
	for _, media := range r.items {
		if media.OptimizationStatus == domain.OptimizationPending {
			pending = append(pending, media)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	ids := make([]string, 0, len(pending))
	for _, media := range pending {
		ids = append(ids, media.ID)
	}
	return ids, nil
}

func (r *MediaRepository) FailStuck(_ context.Context, claimedBefore time.Time, reason string, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, media := range r.items {
		if media.OptimizationStatus != domain.OptimizationProcessing || media.ClaimedAt == nil {
			continue
		}
		if !media.ClaimedAt.Before(claimedBefore) {
			continue
		}
		media.OptimizationStatus = domain.OptimizationFailed
		media.OptimizationError = reason
		media.OptimizedPaths = nil
		media.ClaimedAt = nil
		media.UpdatedAt = now
		r.items[id] = media
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneMedia(src domain.Media) domain.Media {
	dst := src
	dst.OptimizedPaths = clonePaths(src.OptimizedPaths)
	if src.ExifData != nil {
		dst.ExifData = make(map[string]string, len(src.ExifData))
		for k, v := range src.ExifData {
			dst.ExifData[k] = v
		}
	}
	if src.Owner != nil {
		owner := *src.Owner
		dst.Owner = &owner
	}
	return dst
}

func clonePaths(src map[domain.Rendition]string) map[domain.Rendition]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[domain.Rendition]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

var _ domain.MediaRepository = (*MediaRepository)(nil)
