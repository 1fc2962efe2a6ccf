package domain

import (
	"fmt"
	"strings"
	"time"
)

// OptimizationStatus — состояние конвейера оптимизации медиа.
type OptimizationStatus string

const (
	OptimizationPending    OptimizationStatus = "pending"
	OptimizationProcessing OptimizationStatus = "processing"
	OptimizationCompleted  OptimizationStatus = "completed"
	OptimizationFailed     OptimizationStatus = "failed"
)

// Valid проверяет, что статус известен.
func (s OptimizationStatus) Valid() bool {
	switch s {
	case OptimizationPending, OptimizationProcessing, OptimizationCompleted, OptimizationFailed:
		return true
	default:
		return false
	}
}

// CanMoveTo описывает автомат: pending → processing → {completed, failed}, failed → pending.
func (s OptimizationStatus) CanMoveTo(next OptimizationStatus) bool {
	switch s {
	case OptimizationPending:
		return next == OptimizationProcessing
	case OptimizationProcessing:
		return next == OptimizationCompleted || next == OptimizationFailed
	case OptimizationFailed:
		return next == OptimizationPending
	default:
		return false
	}
}

// Rendition — имя производного изображения.
type Rendition string

const (
	RenditionThumb Rendition = "thumb"
	RenditionCard  Rendition = "card"
	RenditionFull  Rendition = "full"
)

// OwnerKind — тип сущности, которой принадлежит медиа.
type OwnerKind string

const (
	OwnerProduct  OwnerKind = "product"
	OwnerWeaver   OwnerKind = "weaver"
	OwnerStory    OwnerKind = "story"
	OwnerCampaign OwnerKind = "campaign"
)

// ParseOwnerKind разбирает тип владельца. Принимает и короткие имена, и
// имена моделей вида "App\Models\Product".
func ParseOwnerKind(raw string) (OwnerKind, error) {
	value := strings.TrimSpace(raw)
	if idx := strings.LastIndexAny(value, `\/.`); idx >= 0 {
		value = value[idx+1:]
	}
	switch kind := OwnerKind(strings.ToLower(value)); kind {
	case OwnerProduct, OwnerWeaver, OwnerStory, OwnerCampaign:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown owner kind %q", raw)
	}
}

// MediaOwner — ссылка на владельца медиа.
type MediaOwner struct {
	Kind OwnerKind `json:"kind"`
	ID   int64     `json:"id"`
}

// ImageMetadata — базовые параметры изображения.
type ImageMetadata struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Media — загруженный файл и состояние его оптимизации.
type Media struct {
	ID                 string               `json:"id"`
	Filename           string               `json:"filename"`
	OriginalName       string               `json:"original_name"`
	MimeType           string               `json:"mime_type"`
	Path               string               `json:"path"`
	Size               int64                `json:"size"`
	Metadata           ImageMetadata        `json:"metadata"`
	ExifData           map[string]string    `json:"exif_data,omitempty"`
	OptimizedPaths     map[Rendition]string `json:"optimized_paths,omitempty"`
	OptimizationStatus OptimizationStatus   `json:"optimization_status"`
	OptimizationError  string               `json:"optimization_error,omitempty"`
	Owner              *MediaOwner          `json:"owner,omitempty"`
	Collection         string               `json:"collection,omitempty"`
	AltText            string               `json:"alt_text,omitempty"`
	Caption            string               `json:"caption,omitempty"`
	UploadedBy         string               `json:"uploaded_by,omitempty"`
	ClaimedAt          *time.Time           `json:"claimed_at,omitempty"`
	OptimizedAt        *time.Time           `json:"optimized_at,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// BlobPaths возвращает оригинал и все производные пути в порядке удаления.
func (m Media) BlobPaths() []string {
	paths := make([]string, 0, 1+len(m.OptimizedPaths))
	if m.Path != "" {
		paths = append(paths, m.Path)
	}
	for _, r := range []Rendition{RenditionThumb, RenditionCard, RenditionFull} {
		if p, ok := m.OptimizedPaths[r]; ok && p != "" {
			paths = append(paths, p)
		}
	}
	for r, p := range m.OptimizedPaths {
		if r != RenditionThumb && r != RenditionCard && r != RenditionFull && p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// UploadCommand — загрузка файла вместе с необязательными атрибутами.
type UploadCommand struct {
	UploadedBy   string
	OriginalName string
	ContentType  string
	Size         int64
	AltText      string
	Caption      string
	Collection   string
	Owner        *MediaOwner
	PreserveExif bool
}
