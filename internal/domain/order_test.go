package domain_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	order := domain.Order{
		ID:             "order-1",
		OrderNumber:    "ORD-20261018-ABCDEF12",
		UserID:         "user-1",
		Status:         domain.OrderStatusPending,
		PaymentStatus:  domain.PaymentStatusPending,
		TaxAmount:      decimal.RequireFromString("24"),
		ShippingAmount: decimal.RequireFromString("150"),
		DiscountAmount: decimal.Zero,
		Items: []domain.OrderItem{
			{
				ID:        "item-1",
				ProductID: 1,
				WeaverID:  9,
				Quantity:  2,
				UnitPrice: decimal.RequireFromString("100"),
				CreatedAt: now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	order.RecalculateTotals()
	return order
}

func TestOrderRecalculateTotals(t *testing.T) {
	order := makeOrder()

	if !order.Items[0].TotalAmount.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("item total = %s, want 200", order.Items[0].TotalAmount)
	}
	if !order.SubtotalAmount.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("subtotal = %s, want 200", order.SubtotalAmount)
	}
	if !order.FinalAmount.Equal(decimal.RequireFromString("374")) {
		t.Fatalf("final = %s, want 374", order.FinalAmount)
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{
			name: "no user",
			mut: func(o *domain.Order) {
				o.UserID = ""
			},
		},
		{
			name: "negative tax",
			mut: func(o *domain.Order) {
				o.TaxAmount = decimal.RequireFromString("-1")
			},
		},
		{
			name: "no items",
			mut: func(o *domain.Order) {
				o.Items = nil
			},
		},
		{
			name: "qty invalid",
			mut: func(o *domain.Order) {
				o.Items[0].Quantity = 0
			},
		},
		{
			name: "line total mismatch",
			mut: func(o *domain.Order) {
				o.Items[0].TotalAmount = decimal.RequireFromString("1")
			},
		},
		{
			name: "final mismatch",
			mut: func(o *domain.Order) {
				o.FinalAmount = decimal.RequireFromString("999")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			order.Items = append([]domain.OrderItem(nil), order.Items...)
			tc.mut(&order)

			if len(order.ValidateInvariants()) == 0 {
				t.Fatalf("expected validation errors for case %s", tc.name)
			}
		})
	}
}

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)
	pattern := regexp.MustCompile(`^ORD-20261018-[0-9A-F]{8}$`)

	first := domain.NewOrderNumber(now)
	if !pattern.MatchString(first) {
		t.Fatalf("unexpected order number format %q", first)
	}
	if second := domain.NewOrderNumber(now); second == first {
		t.Fatalf("order numbers must differ, both %q", first)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := map[domain.OrderStatus]bool{
		domain.OrderStatusPending:    false,
		domain.OrderStatusConfirmed:  false,
		domain.OrderStatusProcessing: false,
		domain.OrderStatusShipped:    false,
		domain.OrderStatusDelivered:  true,
		domain.OrderStatusCancelled:  true,
		domain.OrderStatusRefunded:   true,
	}
	for status, want := range terminal {
		if !status.Valid() {
			t.Fatalf("status %q must be valid", status)
		}
		if got := status.Terminal(); got != want {
			t.Fatalf("status %q terminal=%v, want %v", status, got, want)
		}
	}
	if domain.OrderStatus("paid").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}
