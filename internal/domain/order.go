package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, товар зарезервирован.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — заказ подтверждён продавцом.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing — заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен покупателю.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён до отгрузки.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded — средства по заказу возвращены.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет штатных переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Valid проверяет, что статус оплаты известен.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// Address — структурированный адрес доставки или плательщика.
type Address struct {
	FullName   string `json:"full_name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// validate добавляет ошибки по обязательным полям адреса с префиксом prefix.
func (a Address) validate(prefix string, verr *ValidationError) {
	if strings.TrimSpace(a.Line1) == "" {
		verr.Add(prefix+".line1", "is required")
	}
	if strings.TrimSpace(a.City) == "" {
		verr.Add(prefix+".city", "is required")
	}
	if strings.TrimSpace(a.PostalCode) == "" {
		verr.Add(prefix+".postal_code", "is required")
	}
	if strings.TrimSpace(a.Country) == "" {
		verr.Add(prefix+".country", "is required")
	}
}

// ProductSnapshot — денормализованная копия товара, чтобы правки каталога
// не меняли исторические заказы.
type ProductSnapshot struct {
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	Category   string `json:"category,omitempty"`
	SellerName string `json:"seller_name,omitempty"`
}

// OrderItem представляет одну позицию заказа.
type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	WeaverID    int64           `json:"weaver_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ProductData ProductSnapshot `json:"product_data"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Order агрегирует шапку заказа и его позиции.
type Order struct {
	ID             string          `json:"id"`
	OrderNumber    string          `json:"order_number"`
	UserID         string          `json:"user_id"`
	Status         OrderStatus     `json:"status"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	SubtotalAmount decimal.Decimal `json:"subtotal_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`

	CustomerName    string  `json:"customer_name"`
	CustomerEmail   string  `json:"customer_email"`
	CustomerPhone   string  `json:"customer_phone,omitempty"`
	ShippingAddress Address `json:"shipping_address"`
	BillingAddress  Address `json:"billing_address"`
	ShippingMethod  string  `json:"shipping_method"`
	Notes           string  `json:"notes,omitempty"`

	TrackingNumber string           `json:"tracking_number,omitempty"`
	RefundAmount   *decimal.Decimal `json:"refund_amount,omitempty"`
	RefundReason   string           `json:"refund_reason,omitempty"`
	RefundMethod   string           `json:"refund_method,omitempty"`
	CancelReason   string           `json:"cancel_reason,omitempty"`

	PaidAt      *time.Time `json:"paid_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`

	Items     []OrderItem `json:"items"`
	Version   int64       `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RecalculateTotals пересчитывает суммы позиций и итог заказа.
// Налог и доставка задаются снаружи: налог зависит от ставки, доставка — от тарифа.
func (o *Order) RecalculateTotals() {
	subtotal := decimal.Zero
	for i := range o.Items {
		o.Items[i].TotalAmount = o.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(o.Items[i].Quantity)))
		subtotal = subtotal.Add(o.Items[i].TotalAmount)
	}
	o.SubtotalAmount = subtotal
	o.FinalAmount = o.SubtotalAmount.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id is required"))
	}
	if len(o.Items) == 0 {
		errs = append(errs, fmt.Errorf("order must contain at least one item"))
	}
	for name, amount := range map[string]decimal.Decimal{
		"subtotal_amount": o.SubtotalAmount,
		"tax_amount":      o.TaxAmount,
		"shipping_amount": o.ShippingAmount,
		"discount_amount": o.DiscountAmount,
		"final_amount":    o.FinalAmount,
	} {
		if amount.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must be non-negative", name))
		}
	}

	subtotal := decimal.Zero
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("item %d quantity must be greater than zero", item.ProductID))
		}
		if item.UnitPrice.IsNegative() {
			errs = append(errs, fmt.Errorf("item %d price must be non-negative", item.ProductID))
		}
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if !line.Equal(item.TotalAmount) {
			errs = append(errs, fmt.Errorf("item %d total does not match quantity * unit_price", item.ProductID))
		}
		subtotal = subtotal.Add(line)
	}
	if !subtotal.Equal(o.SubtotalAmount) {
		errs = append(errs, fmt.Errorf("subtotal does not match items sum"))
	}
	expected := o.SubtotalAmount.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
	if !expected.Equal(o.FinalAmount) {
		errs = append(errs, fmt.Errorf("final_amount does not match subtotal + tax + shipping - discount"))
	}

	return errs
}

// NewOrderNumber генерирует номер заказа вида ORD-20261018-1A2B3C4D.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}
