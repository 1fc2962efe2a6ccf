package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Типы событий заказа в transactional outbox.
const (
	EventOrderCreated        = "OrderCreated"
	EventOrderStatusChanged  = "OrderStatusChanged"
	EventOrderPaymentChanged = "OrderPaymentChanged"

	aggregateOrder = "order"
)

// OrderCreatedLine — позиция в событии OrderCreated.
type OrderCreatedLine struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreatedEvent — полезная нагрузка события OrderCreated.
type OrderCreatedEvent struct {
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	UserID      string             `json:"user_id"`
	FinalAmount decimal.Decimal    `json:"final_amount"`
	Items       []OrderCreatedLine `json:"items"`
	CreatedAt   time.Time          `json:"created_at"`
}

// OrderStatusChangedEvent — полезная нагрузка событий смены статуса и оплаты.
type OrderStatusChangedEvent struct {
	OrderID       string        `json:"order_id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Reason        string        `json:"reason,omitempty"`
	Version       int64         `json:"version"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// NewOrderCreatedMessage собирает outbox-сообщение о новом заказе.
func NewOrderCreatedMessage(order Order) (OutboxMessage, error) {
	lines := make([]OrderCreatedLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, OrderCreatedLine{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	return newOrderMessage(order.ID, EventOrderCreated, OrderCreatedEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		FinalAmount: order.FinalAmount,
		Items:       lines,
		CreatedAt:   order.CreatedAt,
	})
}

// NewOrderStatusMessage собирает outbox-сообщение о смене статуса или оплаты.
func NewOrderStatusMessage(eventType string, event OrderStatusChangedEvent) (OutboxMessage, error) {
	return newOrderMessage(event.OrderID, eventType, event)
}

func newOrderMessage(orderID, eventType string, payload any) (OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: aggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       data,
	}, nil
}
