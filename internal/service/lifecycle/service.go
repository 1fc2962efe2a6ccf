// Package lifecycle переводит заказы по статусам, возвращая товар на склад
// при отмене и возврате.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
	"github.com/artisanmarket/marketplace/internal/service/audit"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 10 * time.Millisecond
)

// Service применяет переходы с оптимистичной блокировкой: при конфликте версий
// заказ перечитывается и переход повторяется.
type Service struct {
	tx     domain.Transactor
	orders domain.OrderRepository

	audit       *audit.Recorder
	metrics     *metrics.OrderMetrics
	logger      *log.Entry
	now         func() time.Time
	maxAttempts int
	baseDelay   time.Duration
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
	return func(s *Service) { s.metrics = m }
}

// WithAudit подключает журнал аудита.
func WithAudit(r *audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetry задаёт число попыток и базовую задержку при конфликте версий.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		if baseDelay >= 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewService создаёт сервис жизненного цикла.
func NewService(tx domain.Transactor, orders domain.OrderRepository, opts ...Option) *Service {
	s := &Service{
		tx:          tx,
		orders:      orders,
		logger:      log.WithField("component", "order-lifecycle"),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// mutation описывает один переход: изменение агрегата, тип события и действие аудита.
type mutation struct {
	action    string
	eventType string
	auditName string
	apply     func(order *domain.Order, now time.Time) error
	reason    func(order domain.Order) string
	// owner, если задан, разрешает переход только владельцу.
	owner string
}

// Transition переводит заказ по основной линии: confirmed, processing, shipped, delivered.
func (s *Service) Transition(ctx context.Context, cmd domain.TransitionCommand) (domain.Order, error) {
	return s.mutate(ctx, cmd.OrderID, cmd.Actor, mutation{
		action:    "transition",
		eventType: domain.EventOrderStatusChanged,
		auditName: audit.ActionOrderStatus,
		apply: func(order *domain.Order, now time.Time) error {
			return order.Advance(cmd.Status, cmd.TrackingNumber, now)
		},
		reason: func(domain.Order) string { return cmd.Reason },
	})
}

// Cancel отменяет неотгруженный заказ и возвращает все позиции на склад.
func (s *Service) Cancel(ctx context.Context, cmd domain.CancelCommand) (domain.Order, error) {
	return s.mutate(ctx, cmd.OrderID, cmd.Actor, mutation{
		action:    "cancel",
		eventType: domain.EventOrderStatusChanged,
		auditName: audit.ActionOrderCancelled,
		apply: func(order *domain.Order, now time.Time) error {
			return order.Cancel(cmd.Reason, now)
		},
		reason: func(order domain.Order) string { return order.CancelReason },
		owner:  cmd.OwnerID,
	})
}

// Refund оформляет возврат и возвращает все позиции на склад.
func (s *Service) Refund(ctx context.Context, cmd domain.RefundCommand) (domain.Order, error) {
	return s.mutate(ctx, cmd.OrderID, cmd.Actor, mutation{
		action:    "refund",
		eventType: domain.EventOrderStatusChanged,
		auditName: audit.ActionOrderRefunded,
		apply: func(order *domain.Order, now time.Time) error {
			return order.Refund(cmd, now)
		},
		reason: func(order domain.Order) string { return order.RefundReason },
	})
}

// ApplyPayment меняет статус оплаты.
func (s *Service) ApplyPayment(ctx context.Context, cmd domain.PaymentCommand) (domain.Order, error) {
	return s.mutate(ctx, cmd.OrderID, cmd.Actor, mutation{
		action:    "payment",
		eventType: domain.EventOrderPaymentChanged,
		auditName: audit.ActionOrderPayment,
		apply: func(order *domain.Order, now time.Time) error {
			return order.ApplyPayment(cmd.PaymentStatus, now)
		},
		reason: func(domain.Order) string { return "" },
	})
}

// History возвращает журнал заказа. Для чужого заказа — ErrOrderNotFound.
func (s *Service) History(ctx context.Context, userID, orderID string) ([]domain.AuditEntry, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && order.UserID != userID {
		return nil, domain.ErrOrderNotFound
	}
	return s.audit.History(ctx, audit.ResourceOrder, orderID)
}

func (s *Service) mutate(ctx context.Context, orderID, actor string, m mutation) (order domain.Order, err error) {
	defer func() { s.metrics.ObserveTransition(m.action, err) }()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var before domain.Order
		order, before, err = s.attempt(ctx, orderID, m)
		if err == nil {
			s.afterCommit(ctx, actor, m, before, order)
			return order, nil
		}
		if !domain.IsVersionConflict(err) || attempt == s.maxAttempts {
			break
		}

		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"action":   m.action,
			"attempt":  attempt,
		}).Warn("version conflict detected, retrying")

		delay := s.baseDelay * time.Duration(1<<uint(attempt-1))
		select {
		case <-ctx.Done():
			return domain.Order{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	s.logger.WithError(err).WithFields(log.Fields{
		"order_id": orderID,
		"action":   m.action,
	}).Debug("order transition rejected")
	return domain.Order{}, err
}

// attempt читает свежую версию заказа и применяет переход в одной транзакции.
func (s *Service) attempt(ctx context.Context, orderID string, m mutation) (domain.Order, domain.Order, error) {
	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, domain.Order{}, err
	}
	if m.owner != "" && current.UserID != m.owner {
		return domain.Order{}, domain.Order{}, domain.ErrOrderNotFound
	}

	before := current
	updated := current
	updated.Items = append([]domain.OrderItem(nil), current.Items...)
	if err := m.apply(&updated, s.now()); err != nil {
		return domain.Order{}, domain.Order{}, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		version, err := uow.UpdateOrder(ctx, updated)
		if err != nil {
			return err
		}

		if domain.RestockRequired(updated.Status) && !domain.RestockRequired(before.Status) {
			for _, item := range updated.Items {
				if err := uow.Release(ctx, item.ProductID, item.Quantity); err != nil {
					return fmt.Errorf("restock product %d: %w", item.ProductID, err)
				}
			}
		}

		msg, err := domain.NewOrderStatusMessage(m.eventType, domain.OrderStatusChangedEvent{
			OrderID:       updated.ID,
			From:          string(before.Status),
			To:            string(updated.Status),
			PaymentStatus: updated.PaymentStatus,
			Reason:        m.reason(updated),
			Version:       version,
			OccurredAt:    updated.UpdatedAt,
		})
		if err != nil {
			return err
		}
		if err := uow.EnqueueOutbox(ctx, msg); err != nil {
			return fmt.Errorf("enqueue %s event: %w", m.eventType, err)
		}

		updated.Version = version
		return nil
	})
	if err != nil {
		return domain.Order{}, domain.Order{}, err
	}
	return updated, before, nil
}

func (s *Service) afterCommit(ctx context.Context, actor string, m mutation, before, after domain.Order) {
	diff := map[string]any{
		"status": map[string]string{"from": string(before.Status), "to": string(after.Status)},
	}
	if before.PaymentStatus != after.PaymentStatus {
		diff["payment_status"] = map[string]string{"from": string(before.PaymentStatus), "to": string(after.PaymentStatus)}
	}
	if reason := m.reason(after); reason != "" {
		diff["reason"] = reason
	}
	if after.TrackingNumber != before.TrackingNumber {
		diff["tracking_number"] = after.TrackingNumber
	}
	if after.RefundAmount != nil && before.RefundAmount == nil {
		diff["refund_amount"] = after.RefundAmount.StringFixed(2)
		diff["refund_method"] = after.RefundMethod
	}

	restocked := 0
	if domain.RestockRequired(after.Status) && !domain.RestockRequired(before.Status) {
		for _, item := range after.Items {
			restocked += item.Quantity
		}
		diff["restocked_units"] = restocked
		s.metrics.AddRestocked(restocked)
	}

	s.audit.Record(ctx, actor, m.auditName, audit.ResourceOrder, after.ID, diff)
	s.logger.WithFields(log.Fields{
		"order_id":       after.ID,
		"action":         m.action,
		"from":           before.Status,
		"to":             after.Status,
		"payment_status": after.PaymentStatus,
		"version":        after.Version,
	}).Info("order updated")
}
