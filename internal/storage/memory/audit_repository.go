package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// auditRepositoryInMemory хранит журнал аудита в памяти (для разработки/тестов).
type auditRepositoryInMemory struct {
	mu      sync.RWMutex
	entries map[string][]domain.AuditEntry
}

// NewAuditRepository создаёт in-memory реализацию AuditRepository.
func NewAuditRepository() domain.AuditRepository {
	return &auditRepositoryInMemory{entries: make(map[string][]domain.AuditEntry)}
}

func auditKey(resource, resourceID string) string {
	return resource + "/" + resourceID
}

// Append добавляет запись, сохраняя хронологический порядок.
func (r *auditRepositoryInMemory) Append(_ context.Context, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := auditKey(entry.Resource, entry.ResourceID)
	entries := append(r.entries[key], entry)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Occurred.Before(entries[j].Occurred)
	})
	r.entries[key] = entries
	return nil
}

// List возвращает записи ресурса в хронологическом порядке.
func (r *auditRepositoryInMemory) List(_ context.Context, resource, resourceID string) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.entries[auditKey(resource, resourceID)]
	result := make([]domain.AuditEntry, len(entries))
	copy(result, entries)
	return result, nil
}

var _ domain.AuditRepository = (*auditRepositoryInMemory)(nil)
