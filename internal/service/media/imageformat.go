package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // регистрация декодера gif
	_ "image/jpeg" // регистрация декодера jpeg
	_ "image/png"  // регистрация декодера png
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp" // регистрация декодера webp

	"github.com/artisanmarket/marketplace/internal/domain"
)

// allowedTypes — допустимые типы загрузки и их каноничные расширения.
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// mimeAliases приводит нестандартные заявленные типы к каноничным.
var mimeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
	"image/x-png": "image/png",
}

// exifFields — поля EXIF, которые разрешено сохранять. GPS и бинарные блоки не попадают.
var exifFields = []exif.FieldName{
	exif.Make,
	exif.Model,
	exif.Software,
	exif.DateTime,
	exif.DateTimeOriginal,
	exif.DateTimeDigitized,
	exif.Artist,
	exif.Copyright,
	exif.Orientation,
}

// detectType определяет тип по содержимому и сверяет его с заявленным клиентом.
func detectType(data []byte, declared string) (string, string, error) {
	verr := domain.NewValidationError()

	detected := mimetype.Detect(data)
	var sniffed string
	for t := range allowedTypes {
		if detected.Is(t) {
			sniffed = t
			break
		}
	}
	if sniffed == "" {
		verr.Add("file", fmt.Sprintf("unsupported file type %s", detected.String()))
		return "", "", verr
	}

	if claimed := normalizeDeclared(declared); claimed != "" && claimed != "application/octet-stream" && claimed != sniffed {
		verr.Add("file", fmt.Sprintf("declared content type %s does not match detected %s", claimed, sniffed))
		return "", "", verr
	}
	return sniffed, allowedTypes[sniffed], nil
}

func normalizeDeclared(declared string) string {
	if strings.TrimSpace(declared) == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	if alias, ok := mimeAliases[mediaType]; ok {
		return alias
	}
	return mediaType
}

// decodeDimensions читает размеры изображения без полного декодирования.
func decodeDimensions(data []byte) (domain.ImageMetadata, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.ImageMetadata{}, err
	}
	return domain.ImageMetadata{Width: cfg.Width, Height: cfg.Height}, nil
}

// extractExif возвращает разрешённые поля EXIF. Отсутствие EXIF не ошибка.
func extractExif(data []byte) map[string]string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	out := make(map[string]string)
	for _, name := range exifFields {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		var value string
		if s, err := tag.StringVal(); err == nil {
			value = s
		} else {
			value = tag.String()
		}
		value = strings.TrimSpace(strings.Trim(value, "\x00\""))
		if value != "" {
			out[string(name)] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
