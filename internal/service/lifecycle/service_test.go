package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/service/audit"
	"github.com/artisanmarket/marketplace/internal/storage/memory"
)

type fixture struct {
	store   *memory.Store
	audit   domain.AuditRepository
	service *Service
}

func newFixture(t *testing.T, tx func(*memory.Store) domain.Transactor, opts ...Option) fixture {
	t.Helper()

	store := memory.NewStore()
	var transactor domain.Transactor = store
	if tx != nil {
		transactor = tx(store)
	}
	auditRepo := memory.NewAuditRepository()
	opts = append([]Option{WithAudit(audit.NewRecorder(auditRepo, nil)), WithRetry(3, 0)}, opts...)

	return fixture{
		store:   store,
		audit:   auditRepo,
		service: NewService(transactor, store.Orders(), opts...),
	}
}

// placeOrder кладёт заказ на 2 единицы товара 1 со списанием остатка (5 → 3).
func (f fixture) placeOrder(t *testing.T) domain.Order {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.store.Products().Upsert(ctx, domain.Product{
		ID: 1, Name: "Kilim", Price: decimal.RequireFromString("100"), StockQuantity: 5,
	}))

	now := time.Now().UTC()
	order := domain.Order{
		ID:             "order-1",
		OrderNumber:    "ORD-20261018-00000001",
		UserID:         "user-1",
		Status:         domain.OrderStatusPending,
		PaymentStatus:  domain.PaymentStatusPending,
		TaxAmount:      decimal.RequireFromString("24"),
		ShippingAmount: decimal.RequireFromString("150"),
		Items: []domain.OrderItem{{
			ID: "item-1", OrderID: "order-1", ProductID: 1, Quantity: 2,
			UnitPrice: decimal.RequireFromString("100"), CreatedAt: now,
		}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.RecalculateTotals()

	require.NoError(t, f.store.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
		if err := uow.InsertOrder(ctx, order); err != nil {
			return err
		}
		return uow.Reserve(ctx, 1, 2)
	}))
	return order
}

func (f fixture) stock(t *testing.T) int {
	t.Helper()
	p, err := f.store.Products().Get(context.Background(), 1)
	require.NoError(t, err)
	return p.StockQuantity
}

func (f fixture) events(t *testing.T) []domain.OrderStatusChangedEvent {
	t.Helper()
	var events []domain.OrderStatusChangedEvent
	for _, msg := range f.store.Outbox().AllPending() {
		var e domain.OrderStatusChangedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &e))
		events = append(events, e)
	}
	return events
}

func TestCancel_BeforeShippingRestocks(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)
	require.Equal(t, 3, f.stock(t))

	order, err := f.service.Cancel(context.Background(), domain.CancelCommand{
		OrderID: "order-1", Actor: "user-1", Reason: "changed my mind", OwnerID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, int64(2), order.Version)
	assert.Equal(t, 5, f.stock(t))

	events := f.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "pending", events[0].From)
	assert.Equal(t, "cancelled", events[0].To)
	assert.Equal(t, "changed my mind", events[0].Reason)

	history, err := f.service.History(context.Background(), "user-1", "order-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, audit.ActionOrderCancelled, history[0].Action)
	assert.Equal(t, 2, history[0].Diff["restocked_units"])
}

func TestCancel_AfterShippingRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)

	_, err := f.service.Transition(context.Background(), domain.TransitionCommand{
		OrderID: "order-1", Actor: "admin", Status: domain.OrderStatusShipped, TrackingNumber: "TRK-1",
	})
	require.NoError(t, err)

	_, err = f.service.Cancel(context.Background(), domain.CancelCommand{OrderID: "order-1", Actor: "user-1"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 3, f.stock(t))

	stored, err := f.store.Orders().Get(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusShipped, stored.Status)
	assert.Equal(t, "TRK-1", stored.TrackingNumber)
}

func TestCancel_ForeignOwnerLooksMissing(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)

	_, err := f.service.Cancel(context.Background(), domain.CancelCommand{OrderID: "order-1", Actor: "user-2", OwnerID: "user-2"})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.Equal(t, 3, f.stock(t))

	_, err = f.service.History(context.Background(), "user-2", "order-1")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestRefund_DeliveredOrderRestocksOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)
	ctx := context.Background()

	for _, step := range []domain.TransitionCommand{
		{OrderID: "order-1", Status: domain.OrderStatusShipped, TrackingNumber: "TRK-1"},
		{OrderID: "order-1", Status: domain.OrderStatusDelivered},
	} {
		_, err := f.service.Transition(ctx, step)
		require.NoError(t, err)
	}

	refund := domain.RefundCommand{
		OrderID: "order-1",
		Actor:   "admin",
		Amount:  decimal.RequireFromString("374"),
		Reason:  "damaged in transit",
		Method:  domain.RefundMethodOriginalPayment,
	}
	order, err := f.service.Refund(ctx, refund)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, order.Status)
	assert.Equal(t, domain.PaymentStatusRefunded, order.PaymentStatus)
	assert.Equal(t, 5, f.stock(t))

	_, err = f.service.Refund(ctx, refund)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 5, f.stock(t))

	_, err = f.service.Cancel(ctx, domain.CancelCommand{OrderID: "order-1"})
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 5, f.stock(t))
}

func TestRefund_ValidationLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)

	_, err := f.service.Refund(context.Background(), domain.RefundCommand{
		OrderID: "order-1",
		Amount:  decimal.RequireFromString("1000"),
		Method:  "cash",
	})
	verr, ok := domain.AsValidation(err)
	require.True(t, ok, "expected validation error, got %v", err)
	assert.Contains(t, verr.Fields, "amount")
	assert.Empty(t, f.store.Outbox().AllPending())
	assert.Equal(t, 3, f.stock(t))
}

func TestTransition_ShipRequiresTracking(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)

	_, err := f.service.Transition(context.Background(), domain.TransitionCommand{
		OrderID: "order-1", Status: domain.OrderStatusShipped,
	})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.service.Transition(context.Background(), domain.TransitionCommand{
		OrderID: "missing", Status: domain.OrderStatusConfirmed,
	})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestApplyPayment_EmitsPaymentEvent(t *testing.T) {
	f := newFixture(t, nil)
	f.placeOrder(t)

	order, err := f.service.ApplyPayment(context.Background(), domain.PaymentCommand{
		OrderID: "order-1", Actor: "payments", PaymentStatus: domain.PaymentStatusPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	require.NotNil(t, order.PaidAt)

	pending := f.store.Outbox().AllPending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.EventOrderPaymentChanged, pending[0].EventType)
	assert.Equal(t, 3, f.stock(t))
}

// interferingTransactor перед каждой транзакцией сдвигает версию заказа,
// имитируя конкурентную запись.
type interferingTransactor struct {
	store *memory.Store
	mu    sync.Mutex
	times int
}

func (i *interferingTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, uow domain.UnitOfWork) error) error {
	i.mu.Lock()
	interfere := i.times > 0
	if interfere {
		i.times--
	}
	i.mu.Unlock()

	if interfere {
		current, err := i.store.Orders().Get(ctx, "order-1")
		if err != nil {
			return err
		}
		if err := i.store.WithinTx(ctx, func(ctx context.Context, uow domain.UnitOfWork) error {
			current.Notes = "touched"
			_, err := uow.UpdateOrder(ctx, current)
			return err
		}); err != nil {
			return err
		}
	}
	return i.store.WithinTx(ctx, fn)
}

func TestTransition_RetriesVersionConflict(t *testing.T) {
	interfering := &interferingTransactor{times: 1}
	f := newFixture(t, func(s *memory.Store) domain.Transactor {
		interfering.store = s
		return interfering
	})
	f.placeOrder(t)

	order, err := f.service.Transition(context.Background(), domain.TransitionCommand{
		OrderID: "order-1", Status: domain.OrderStatusConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
	assert.Equal(t, int64(3), order.Version)
}

func TestCancel_GivesUpAfterPersistentConflicts(t *testing.T) {
	interfering := &interferingTransactor{times: 10}
	f := newFixture(t, func(s *memory.Store) domain.Transactor {
		interfering.store = s
		return interfering
	})
	f.placeOrder(t)

	_, err := f.service.Cancel(context.Background(), domain.CancelCommand{OrderID: "order-1"})
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)
	assert.Equal(t, 3, f.stock(t))
	assert.Empty(t, f.store.Outbox().AllPending())
}
