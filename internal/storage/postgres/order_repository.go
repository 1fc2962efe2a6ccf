package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artisanmarket/marketplace/internal/domain"
)

const orderColumns = `
	id, order_number, user_id, status, payment_status,
	subtotal_amount, tax_amount, shipping_amount, discount_amount, final_amount,
	customer_name, customer_email, customer_phone, shipping_address, billing_address,
	shipping_method, notes, tracking_number,
	refund_amount, refund_reason, refund_method, cancel_reason,
	paid_at, shipped_at, delivered_at, cancelled_at, refunded_at,
	version, created_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getOrder(ctx, r.db, id)
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", userID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	ids := make([]string, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	items, err := loadItems(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func getOrder(ctx context.Context, q queryer, id string) (domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}

	items, err := loadItems(ctx, q, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items[order.ID]
	return order, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                                           domain.Order
		status, paymentStatus                           string
		shippingRaw, billingRaw                         []byte
		refundAmount                                    decimal.NullDecimal
		paidAt, shippedAt, deliveredAt, cancelled, refd sql.NullTime
	)

	err := row.Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &status, &paymentStatus,
		&order.SubtotalAmount, &order.TaxAmount, &order.ShippingAmount, &order.DiscountAmount, &order.FinalAmount,
		&order.CustomerName, &order.CustomerEmail, &order.CustomerPhone, &shippingRaw, &billingRaw,
		&order.ShippingMethod, &order.Notes, &order.TrackingNumber,
		&refundAmount, &order.RefundReason, &order.RefundMethod, &order.CancelReason,
		&paidAt, &shippedAt, &deliveredAt, &cancelled, &refd,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, err
		}
		return domain.Order{}, fmt.Errorf("scan order row: %w", err)
	}

	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	if err := json.Unmarshal(shippingRaw, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address of %s: %w", order.ID, err)
	}
	if err := json.Unmarshal(billingRaw, &order.BillingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode billing address of %s: %w", order.ID, err)
	}
	if refundAmount.Valid {
		amount := refundAmount.Decimal
		order.RefundAmount = &amount
	}
	order.PaidAt = timeFromNull(paidAt)
	order.ShippedAt = timeFromNull(shippedAt)
	order.DeliveredAt = timeFromNull(deliveredAt)
	order.CancelledAt = timeFromNull(cancelled)
	order.RefundedAt = timeFromNull(refd)
	return order, nil
}

func loadItems(ctx context.Context, q queryer, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, weaver_id, quantity, unit_price, total_amount, product_data, created_at
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, created_at, id
	`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			item        domain.OrderItem
			productData []byte
		)
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.ProductID, &item.WeaverID, &item.Quantity,
			&item.UnitPrice, &item.TotalAmount, &productData, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if err := json.Unmarshal(productData, &item.ProductData); err != nil {
			return nil, fmt.Errorf("decode product snapshot of item %s: %w", item.ID, err)
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return result, nil
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func jsonValue(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
