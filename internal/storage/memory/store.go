package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// Store — in-memory хранилище каталога, заказов и outbox для локальной разработки и тестов.
// Транзакция держит мьютекс всё время выполнения, поэтому транзакции сериализуются.
type Store struct {
	mu           sync.RWMutex
	products     map[int64]domain.Product
	orders       map[string]domain.Order
	orderNumbers map[string]string
	outbox       *OutboxRepository
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products:     make(map[int64]domain.Product),
		orders:       make(map[string]domain.Order),
		orderNumbers: make(map[string]string),
		outbox:       NewOutboxRepository(),
	}
}

// Products возвращает репозиторий каталога поверх хранилища.
func (s *Store) Products() domain.ProductRepository { return productRepository{store: s} }

// Orders возвращает репозиторий заказов для чтения.
func (s *Store) Orders() domain.OrderRepository { return orderRepository{store: s} }

// Outbox возвращает outbox, в который коммитятся события транзакций.
func (s *Store) Outbox() *OutboxRepository { return s.outbox }

// WithinTx выполняет fn под эксклюзивной блокировкой. Изменения копятся в tx
// и применяются только при успешном завершении fn.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:   s,
		stock:   make(map[int64]int),
		inserts: make(map[string]domain.Order),
		updates: make(map[string]domain.Order),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit(ctx)
	return nil
}

type memoryTx struct {
	store   *Store
	stock   map[int64]int
	inserts map[string]domain.Order
	updates map[string]domain.Order
	outbox  []domain.OutboxMessage
}

func (tx *memoryTx) LockProducts(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		product, ok := tx.store.products[id]
		if !ok {
			continue
		}
		if staged, ok := tx.stock[id]; ok {
			product.StockQuantity = staged
		}
		result[id] = product
	}
	return result, nil
}

func (tx *memoryTx) currentStock(productID int64) (domain.Product, int, error) {
	product, ok := tx.store.products[productID]
	if !ok {
		return domain.Product{}, 0, domain.ErrProductNotFound
	}
	if staged, ok := tx.stock[productID]; ok {
		return product, staged, nil
	}
	return product, product.StockQuantity, nil
}

// Reserve списывает остаток, не допуская ухода в минус.
func (tx *memoryTx) Reserve(_ context.Context, productID int64, qty int) error {
	product, available, err := tx.currentStock(productID)
	if err != nil {
		return err
	}
	if qty > available {
		return &domain.InsufficientStockError{
			ProductID:   productID,
			ProductName: product.Name,
			Requested:   qty,
			Available:   available,
		}
	}
	tx.stock[productID] = available - qty
	return nil
}

// Release возвращает товар на склад.
func (tx *memoryTx) Release(_ context.Context, productID int64, qty int) error {
	_, available, err := tx.currentStock(productID)
	if err != nil {
		return err
	}
	tx.stock[productID] = available + qty
	return nil
}

func (tx *memoryTx) InsertOrder(_ context.Context, order domain.Order) error {
	if _, taken := tx.store.orderNumbers[order.OrderNumber]; taken {
		return domain.ErrOrderNumberTaken
	}
	for _, staged := range tx.inserts {
		if staged.OrderNumber == order.OrderNumber {
			return domain.ErrOrderNumberTaken
		}
	}
	if _, exists := tx.store.orders[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	tx.inserts[order.ID] = cloneOrder(order)
	return nil
}

func (tx *memoryTx) UpdateOrder(_ context.Context, order domain.Order) (int64, error) {
	current, ok := tx.updates[order.ID]
	if !ok {
		current, ok = tx.store.orders[order.ID]
	}
	if !ok {
		return 0, domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return 0, domain.ErrOrderVersionConflict
	}

	updated := cloneOrder(order)
	// Позиции заказа неизменяемы, берём сохранённые.
	updated.Items = cloneItems(current.Items)
	updated.Version++
	tx.updates[order.ID] = updated
	return updated.Version, nil
}

func (tx *memoryTx) EnqueueOutbox(_ context.Context, msg domain.OutboxMessage) error {
	tx.outbox = append(tx.outbox, msg)
	return nil
}

func (tx *memoryTx) commit(ctx context.Context) {
	s := tx.store
	for id, qty := range tx.stock {
		product := s.products[id]
		product.StockQuantity = qty
		s.products[id] = product
	}
	for id, order := range tx.inserts {
		s.orders[id] = order
		s.orderNumbers[order.OrderNumber] = id
	}
	for id, order := range tx.updates {
		s.orders[id] = order
	}
	for _, msg := range tx.outbox {
		// In-memory enqueue не возвращает ошибок.
		_, _ = s.outbox.Enqueue(ctx, msg)
	}
}

type productRepository struct {
	store *Store
}

// Get возвращает товар или ErrProductNotFound.
func (r productRepository) Get(_ context.Context, id int64) (domain.Product, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	product, ok := r.store.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// Upsert создаёт или перезаписывает товар.
func (r productRepository) Upsert(_ context.Context, product domain.Product) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.products[product.ID] = product
	return nil
}

type orderRepository struct {
	store *Store
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r orderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	order, ok := r.store.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByUser возвращает заказы пользователя, новые первыми, ограничивая выборку limit (если >0).
func (r orderRepository) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.store.orders {
		if order.UserID != userID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = cloneItems(src.Items)
	if src.RefundAmount != nil {
		amount := *src.RefundAmount
		dst.RefundAmount = &amount
	}
	return dst
}

func cloneItems(src []domain.OrderItem) []domain.OrderItem {
	if src == nil {
		return nil
	}
	return append([]domain.OrderItem(nil), src...)
}

var (
	_ domain.Transactor        = (*Store)(nil)
	_ domain.UnitOfWork        = (*memoryTx)(nil)
	_ domain.ProductRepository = productRepository{}
	_ domain.OrderRepository   = orderRepository{}
)
