// Package checkout превращает корзину в заказ с резервированием остатков.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
	"github.com/artisanmarket/marketplace/internal/service/audit"
)

const (
	defaultNumberAttempts = 3
	defaultListLimit      = 20
	maxListLimit          = 100
)

// Config — налоговая ставка и тарифы доставки.
type Config struct {
	TaxRate decimal.Decimal
	Rates   domain.ShippingRates
}

// Service оформляет заказы. Проверка остатков, создание заказа, списание
// и событие OrderCreated выполняются в одной транзакции.
type Service struct {
	tx     domain.Transactor
	orders domain.OrderRepository
	cfg    Config

	audit          *audit.Recorder
	metrics        *metrics.OrderMetrics
	logger         *log.Entry
	now            func() time.Time
	newNumber      func(time.Time) string
	numberAttempts int
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

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithAudit подключает журнал аудита.
func WithAudit(r *audit.Recorder) Option {
	return func(s *Service) {
		s.audit = r
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOrderNumbers подменяет генератор номеров заказа.
func WithOrderNumbers(gen func(time.Time) string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newNumber = gen
		}
	}
}

// NewService создаёт сервис оформления.
func NewService(tx domain.Transactor, orders domain.OrderRepository, cfg Config, opts ...Option) *Service {
	s := &Service{
		tx:             tx,
		orders:         orders,
		cfg:            cfg,
		logger:         log.WithField("component", "checkout"),
		now:            func() time.Time { return time.Now().UTC() },
		newNumber:      domain.NewOrderNumber,
		numberAttempts: defaultNumberAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Checkout валидирует команду и атомарно создаёт заказ.
// Ошибки: *domain.ValidationError, *domain.InsufficientStockError или ошибка хранилища.
func (s *Service) Checkout(ctx context.Context, cmd domain.CheckoutCommand) (order domain.Order, err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveCheckout(checkoutResult(err), time.Since(start))
	}()

	if err := cmd.Validate(s.cfg.Rates); err != nil {
		return domain.Order{}, err
	}

	for attempt := 1; attempt <= s.numberAttempts; attempt++ {
		order, err = s.placeOrder(ctx, cmd)
		if !errors.Is(err, domain.ErrOrderNumberTaken) {
			break
		}
		s.metrics.IncCheckoutRetry()
		s.logger.WithFields(log.Fields{
			"user_id": cmd.UserID,
			"attempt": attempt,
		}).Warn("order number collision, retrying checkout")
	}
	if err != nil {
		s.logFailure(cmd, err)
		return domain.Order{}, err
	}

	s.audit.Record(ctx, cmd.UserID, audit.ActionOrderCreated, audit.ResourceOrder, order.ID, map[string]any{
		"order_number": order.OrderNumber,
		"status":       string(order.Status),
		"final_amount": order.FinalAmount.StringFixed(2),
		"items":        len(order.Items),
	})
	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"user_id":      order.UserID,
		"final_amount": order.FinalAmount.StringFixed(2),
	}).Info("order created")

	return order, nil
}

func (s *Service) placeOrder(ctx context.Context, cmd domain.CheckoutCommand) (domain.Order, error) {
	var created domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		products, err := uow.LockProducts(ctx, productIDs(cmd.Items))
		if err != nil {
			return err
		}
		if err := checkAvailability(cmd.Items, products); err != nil {
			return err
		}

		order, err := s.buildOrder(cmd, products)
		if err != nil {
			return err
		}
		if err := uow.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, item := range order.Items {
			if err := uow.Reserve(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		msg, err := domain.NewOrderCreatedMessage(order)
		if err != nil {
			return err
		}
		if err := uow.EnqueueOutbox(ctx, msg); err != nil {
			return fmt.Errorf("enqueue order created event: %w", err)
		}

		created = order
		return nil
	})
	return created, err
}

// checkAvailability сверяет суммарный спрос по каждому товару с остатком.
func checkAvailability(lines []domain.CartLine, products map[int64]domain.Product) error {
	verr := domain.NewValidationError()
	demand := make(map[int64]int, len(lines))
	for i, line := range lines {
		if _, ok := products[line.ProductID]; !ok {
			verr.Add(fmt.Sprintf("items.%d.product_id", i), "selected product does not exist")
			continue
		}
		demand[line.ProductID] += line.Quantity
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	ids := make([]int64, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		product := products[id]
		if demand[id] > product.StockQuantity {
			return &domain.InsufficientStockError{
				ProductID:   id,
				ProductName: product.Name,
				Requested:   demand[id],
				Available:   product.StockQuantity,
			}
		}
	}
	return nil
}

func (s *Service) buildOrder(cmd domain.CheckoutCommand, products map[int64]domain.Product) (domain.Order, error) {
	now := s.now()
	shipping, _ := s.cfg.Rates.Fee(cmd.ShippingMethod)

	order := domain.Order{
		ID:              uuid.NewString(),
		OrderNumber:     s.newNumber(now),
		UserID:          cmd.UserID,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		ShippingAmount:  shipping,
		DiscountAmount:  decimal.Zero,
		CustomerName:    cmd.CustomerName,
		CustomerEmail:   cmd.CustomerEmail,
		CustomerPhone:   cmd.CustomerPhone,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		ShippingMethod:  normalizeMethod(cmd.ShippingMethod),
		Notes:           cmd.Notes,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	order.Items = make([]domain.OrderItem, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		product := products[line.ProductID]
		order.Items = append(order.Items, domain.OrderItem{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			ProductID:   product.ID,
			WeaverID:    product.WeaverID,
			Quantity:    line.Quantity,
			UnitPrice:   product.Price,
			ProductData: product.Snapshot(),
			CreatedAt:   now,
		})
	}

	order.RecalculateTotals()
	order.TaxAmount = order.SubtotalAmount.Mul(s.cfg.TaxRate).Round(2)
	order.RecalculateTotals()

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("order invariants violated: %w", errors.Join(errs...))
	}
	return order, nil
}

// Get возвращает заказ владельцу. Чужой заказ неотличим от отсутствующего.
func (s *Service) Get(ctx context.Context, userID, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.UserID != userID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// List возвращает заказы пользователя, новые первыми.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.orders.ListByUser(ctx, userID, limit)
}

func (s *Service) logFailure(cmd domain.CheckoutCommand, err error) {
	entry := s.logger.WithError(err).WithField("user_id", cmd.UserID)
	if stockErr, ok := domain.AsInsufficientStock(err); ok {
		entry.WithFields(log.Fields{
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}).Info("checkout rejected: insufficient stock")
		return
	}
	if _, ok := domain.AsValidation(err); ok {
		entry.Debug("checkout rejected: validation")
		return
	}
	entry.Error("checkout failed")
}

func checkoutResult(err error) string {
	switch {
	case err == nil:
		return metrics.CheckoutCreated
	case isInsufficient(err):
		return metrics.CheckoutInsufficientStock
	case isValidation(err):
		return metrics.CheckoutInvalid
	default:
		return metrics.CheckoutError
	}
}

func isInsufficient(err error) bool {
	_, ok := domain.AsInsufficientStock(err)
	return ok
}

func isValidation(err error) bool {
	_, ok := domain.AsValidation(err)
	return ok
}

func productIDs(lines []domain.CartLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func normalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
