package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOrderNumberTaken — сгенерированный номер заказа уже занят, нужно повторить попытку.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrProductNotFound возвращается, если товар отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrMediaNotFound возвращается, если медиа-файл не найден.
	ErrMediaNotFound = errors.New("media not found")
	// ErrMediaNotClaimable — медиа уже забрал другой воркер или оно не в статусе pending.
	ErrMediaNotClaimable = errors.New("media is not claimable")
	// ErrMediaClaimLost — строка больше не принадлежит этому захвату.
	ErrMediaClaimLost = errors.New("media claim lost")
	// ErrInvalidState — операция недопустима для текущего состояния сущности.
	ErrInvalidState = errors.New("invalid state")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже использован (запрос в обработке или завершён).
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — запись по ключу не найдена.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// InvalidStatef оборачивает ErrInvalidState поясняющим сообщением.
func InvalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// ValidationError содержит ошибки валидации по полям запроса.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError создаёт пустой контейнер ошибок.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string][]string)}
}

// Add добавляет сообщение к полю.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// Empty сообщает, что ошибок не накоплено.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil возвращает nil, если ошибок нет; удобно в конце валидации.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e.Empty() {
		return "validation failed"
	}
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+strings.Join(e.Fields[field], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// InsufficientStockError — бизнес-ошибка: на складе меньше товара, чем запрошено.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q (product %d): requested %d, available %d",
		e.ProductName, e.ProductID, e.Requested, e.Available)
}

// AsInsufficientStock извлекает InsufficientStockError из цепочки ошибок.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var target *InsufficientStockError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsValidation извлекает ValidationError из цепочки ошибок.
func AsValidation(err error) (*ValidationError, bool) {
	var target *ValidationError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
