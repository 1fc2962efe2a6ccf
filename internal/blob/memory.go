package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Memory — хранилище в памяти для тестов и локального запуска.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailPut, если задан, вызывается перед записью и может вернуть ошибку.
	FailPut func(key string) error
	// FailDelete, если задан, вызывается перед удалением.
	FailDelete func(key string) error
}

// NewMemory создаёт пустое хранилище.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	if m.FailPut != nil {
		if err := m.FailPut(cleaned); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read blob %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[cleaned] = data
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[cleaned]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanKey(key)
	if err != nil {
		return err
	}
	if m.FailDelete != nil {
		if err := m.FailDelete(cleaned); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[cleaned]; !ok {
		return ErrNotFound
	}
	delete(m.objects, cleaned)
	return nil
}

func (m *Memory) Probe(ctx context.Context) error {
	return ctx.Err()
}

// Keys возвращает отсортированный список ключей.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has сообщает, есть ли объект по ключу.
func (m *Memory) Has(key string) bool {
	cleaned, err := CleanKey(key)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[cleaned]
	return ok
}

var _ Store = (*Memory)(nil)
