package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RefundMethod — способ возврата средств.
type RefundMethod string

const (
	RefundMethodOriginalPayment RefundMethod = "original_payment"
	RefundMethodStoreCredit     RefundMethod = "store_credit"
	RefundMethodBankTransfer    RefundMethod = "bank_transfer"
)

// Valid проверяет, что способ возврата поддерживается.
func (m RefundMethod) Valid() bool {
	switch m {
	case RefundMethodOriginalPayment, RefundMethodStoreCredit, RefundMethodBankTransfer:
		return true
	default:
		return false
	}
}

// TransitionCommand — перевод заказа по основной линии жизненного цикла.
type TransitionCommand struct {
	OrderID        string
	Actor          string
	Status         OrderStatus
	TrackingNumber string
	Reason         string
}

// CancelCommand — отмена заказа.
type CancelCommand struct {
	OrderID string
	Actor   string
	Reason  string
	// OwnerID, если задан, ограничивает отмену владельцем заказа.
	OwnerID string
}

// RefundCommand — возврат средств по заказу.
type RefundCommand struct {
	OrderID string
	Actor   string
	Amount  decimal.Decimal
	Reason  string
	Method  RefundMethod
}

// PaymentCommand — изменение статуса оплаты.
type PaymentCommand struct {
	OrderID       string
	Actor         string
	PaymentStatus PaymentStatus
}

// forwardTransitions — допустимые шаги основной линии.
var forwardTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusShipped},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusShipped},
	OrderStatusProcessing: {OrderStatusShipped},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// CanAdvance сообщает, разрешён ли переход from → to по основной линии.
func CanAdvance(from, to OrderStatus) bool {
	for _, next := range forwardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Advance переводит заказ по основной линии: confirmed, processing, shipped, delivered.
// Отмена и возврат идут через Cancel и Refund.
func (o *Order) Advance(target OrderStatus, trackingNumber string, now time.Time) error {
	if !target.Valid() {
		return InvalidStatef("unknown status %q", target)
	}
	if target == OrderStatusCancelled || target == OrderStatusRefunded {
		return InvalidStatef("status %s requires a dedicated operation", target)
	}
	if o.Status.Terminal() {
		return InvalidStatef("order is %s, no further transitions", o.Status)
	}
	if !CanAdvance(o.Status, target) {
		return InvalidStatef("transition %s -> %s is not allowed", o.Status, target)
	}

	switch target {
	case OrderStatusShipped:
		trackingNumber = strings.TrimSpace(trackingNumber)
		if trackingNumber == "" {
			return InvalidStatef("tracking number is required to ship an order")
		}
		o.TrackingNumber = trackingNumber
		o.ShippedAt = timePtr(now)
	case OrderStatusDelivered:
		o.DeliveredAt = timePtr(now)
	}

	o.Status = target
	o.UpdatedAt = now
	return nil
}

// Cancel отменяет заказ, если он ещё не отгружен.
func (o *Order) Cancel(reason string, now time.Time) error {
	if o.Status.Terminal() {
		return InvalidStatef("order is %s and cannot be cancelled", o.Status)
	}
	if o.ShippedAt != nil || o.Status == OrderStatusShipped {
		return InvalidStatef("order has already shipped, use a refund instead")
	}

	o.Status = OrderStatusCancelled
	o.CancelReason = strings.TrimSpace(reason)
	o.CancelledAt = timePtr(now)
	o.UpdatedAt = now
	return nil
}

// Refund фиксирует возврат средств. Доставленный заказ тоже можно вернуть.
func (o *Order) Refund(cmd RefundCommand, now time.Time) error {
	verr := NewValidationError()
	if !cmd.Amount.IsPositive() {
		verr.Add("amount", "must be greater than zero")
	} else if cmd.Amount.GreaterThan(o.FinalAmount) {
		verr.Add("amount", "must not exceed the order final amount")
	}
	if strings.TrimSpace(cmd.Reason) == "" {
		verr.Add("reason", "is required")
	}
	if !cmd.Method.Valid() {
		verr.Add("method", "must be one of original_payment, store_credit, bank_transfer")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	if o.Status == OrderStatusCancelled || o.Status == OrderStatusRefunded {
		return InvalidStatef("order is %s and cannot be refunded", o.Status)
	}

	amount := cmd.Amount
	o.Status = OrderStatusRefunded
	o.PaymentStatus = PaymentStatusRefunded
	o.RefundAmount = &amount
	o.RefundReason = strings.TrimSpace(cmd.Reason)
	o.RefundMethod = string(cmd.Method)
	o.RefundedAt = timePtr(now)
	o.UpdatedAt = now
	return nil
}

// ApplyPayment меняет статус оплаты. Возврат оформляется через Refund.
func (o *Order) ApplyPayment(status PaymentStatus, now time.Time) error {
	if status != PaymentStatusPaid && status != PaymentStatusFailed {
		return InvalidStatef("payment status %q cannot be set directly", status)
	}
	if o.Status == OrderStatusCancelled || o.Status == OrderStatusRefunded {
		return InvalidStatef("order is %s, payment cannot change", o.Status)
	}
	if o.PaymentStatus == PaymentStatusPaid || o.PaymentStatus == PaymentStatusRefunded {
		return InvalidStatef("payment is already %s", o.PaymentStatus)
	}

	o.PaymentStatus = status
	if status == PaymentStatusPaid {
		o.PaidAt = timePtr(now)
	}
	o.UpdatedAt = now
	return nil
}

// RestockRequired сообщает, что переход в status возвращает товар на склад.
func RestockRequired(status OrderStatus) bool {
	return status == OrderStatusCancelled || status == OrderStatusRefunded
}

func timePtr(t time.Time) *time.Time {
	return &t
}
