// Package blob хранит оригиналы медиа и их производные по относительным путям.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound возвращается, если объекта по пути нет.
var ErrNotFound = errors.New("blob not found")

// Store — абстрактное хранилище объектов. Пути относительные, через "/".
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Probe проверяет доступность хранилища для health-check.
	Probe(ctx context.Context) error
}

// CleanKey нормализует путь и запрещает выход за корень хранилища.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("blob key is empty")
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	if cleaned != strings.TrimPrefix(path.Clean(key), "/") {
		return "", fmt.Errorf("blob key %q escapes storage root", key)
	}
	return cleaned, nil
}
