package domain

import (
	"context"
	"time"
)

// StockLedger управляет доступным остатком товара. Вызывается только внутри транзакции.
type StockLedger interface {
	// Reserve списывает qty единиц или возвращает *InsufficientStockError.
	Reserve(ctx context.Context, productID int64, qty int) error
	// Release возвращает qty единиц на склад. Повторный возврат не отслеживается.
	Release(ctx context.Context, productID int64, qty int) error
}

// UnitOfWork — набор операций, выполняемых атомарно в одной транзакции.
type UnitOfWork interface {
	StockLedger

	// LockProducts блокирует строки товаров в порядке возрастания id.
	// Отсутствующие товары в результат не попадают.
	LockProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	// InsertOrder сохраняет шапку и позиции. При коллизии номера — ErrOrderNumberTaken.
	InsertOrder(ctx context.Context, order Order) error
	// UpdateOrder сохраняет изменения шапки с проверкой версии и возвращает новую версию.
	UpdateOrder(ctx context.Context, order Order) (int64, error)
	// EnqueueOutbox кладёт событие в outbox той же транзакцией.
	EnqueueOutbox(ctx context.Context, msg OutboxMessage) error
}

// Transactor выполняет fn в транзакции: ошибка fn откатывает всё.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// ProductRepository — чтение каталога. Управление каталогом внешнее, Upsert нужен для сидов.
type ProductRepository interface {
	Get(ctx context.Context, id int64) (Product, error)
	Upsert(ctx context.Context, product Product) error
}

// OrderRepository — чтение заказов вне транзакции.
type OrderRepository interface {
	Get(ctx context.Context, id string) (Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
}

// MediaRepository хранит медиа и одновременно служит очередью задач оптимизации.
type MediaRepository interface {
	Create(ctx context.Context, media Media) error
	Get(ctx context.Context, id string) (Media, error)
	// Claim атомарно переводит pending → processing. Иначе ErrMediaNotClaimable.
	Claim(ctx context.Context, id string, now time.Time) (Media, error)
	// Complete фиксирует успешную оптимизацию. Строка должна быть в processing
	// с тем же claimedAt, что вернул Claim, иначе ErrMediaClaimLost.
	Complete(ctx context.Context, id string, claimedAt time.Time, paths map[Rendition]string, now time.Time) error
	// Fail переводит processing → failed и очищает пути. Захват проверяется как в Complete.
	Fail(ctx context.Context, id string, claimedAt time.Time, reason string, now time.Time) error
	// Release возвращает прерванную задачу processing → pending без ошибки оптимизации.
	Release(ctx context.Context, id string, claimedAt time.Time, now time.Time) error
	// ResetToPending переводит failed → pending. Иначе ErrInvalidState, строка не меняется.
	ResetToPending(ctx context.Context, id string, now time.Time) (Media, error)
	Delete(ctx context.Context, id string) error
	// ListPending возвращает id ожидающих задач, старые первыми.
	ListPending(ctx context.Context, limit int) ([]string, error)
	// FailStuck переводит в failed строки processing, захваченные раньше claimedBefore.
	FailStuck(ctx context.Context, claimedBefore time.Time, reason string, now time.Time) ([]string, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет читать события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// AuditRepository — журнал аудита.
type AuditRepository interface {
	Append(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, resource, resourceID string) ([]AuditEntry, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// MediaJobNotifier сообщает воркерам о новой задаче оптимизации.
type MediaJobNotifier interface {
	NotifyMediaJob(ctx context.Context, mediaID string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
