package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// unitOfWork выполняет операции checkout и жизненного цикла заказа внутри *sql.Tx.
type unitOfWork struct {
	tx *sql.Tx
}

// LockProducts берёт FOR UPDATE на строки товаров в порядке возрастания id,
// чтобы конкурирующие корзины не взаимоблокировались.
func (u *unitOfWork) LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rows, err := u.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, sorted)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locked products: %w", err)
	}
	return result, nil
}

// Reserve списывает остаток условным UPDATE: строка не обновится, если товара не хватает.
func (u *unitOfWork) Reserve(ctx context.Context, productID int64, qty int) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $2,
		    updated_at = NOW()
		WHERE id = $1 AND stock_quantity >= $2
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("reserve stock for product %d: %w", productID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var (
		name      string
		available int
	)
	err = u.tx.QueryRowContext(ctx, `SELECT name, stock_quantity FROM products WHERE id = $1`, productID).
		Scan(&name, &available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProductNotFound
		}
		return fmt.Errorf("read stock for product %d: %w", productID, err)
	}
	return &domain.InsufficientStockError{
		ProductID:   productID,
		ProductName: name,
		Requested:   qty,
		Available:   available,
	}
}

// Release возвращает товар на склад.
func (u *unitOfWork) Release(ctx context.Context, productID int64, qty int) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return fmt.Errorf("release stock for product %d: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (u *unitOfWork) InsertOrder(ctx context.Context, order domain.Order) error {
	shipping, err := jsonValue(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("encode shipping address: %w", err)
	}
	billing, err := jsonValue(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("encode billing address: %w", err)
	}

	_, err = u.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)
	`,
		order.ID, order.OrderNumber, order.UserID, string(order.Status), string(order.PaymentStatus),
		order.SubtotalAmount, order.TaxAmount, order.ShippingAmount, order.DiscountAmount, order.FinalAmount,
		order.CustomerName, order.CustomerEmail, order.CustomerPhone, shipping, billing,
		order.ShippingMethod, order.Notes, order.TrackingNumber,
		nullableDecimal(order.RefundAmount), order.RefundReason, order.RefundMethod, order.CancelReason,
		nullableTime(order.PaidAt), nullableTime(order.ShippedAt), nullableTime(order.DeliveredAt),
		nullableTime(order.CancelledAt), nullableTime(order.RefundedAt),
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isOrderNumberViolation(err) {
			return domain.ErrOrderNumberTaken
		}
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		snapshot, err := jsonValue(item.ProductData)
		if err != nil {
			return fmt.Errorf("encode product snapshot: %w", err)
		}
		if _, err := u.tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, product_id, weaver_id, quantity, unit_price, total_amount, product_data, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			item.ID, order.ID, item.ProductID, item.WeaverID, item.Quantity,
			item.UnitPrice, item.TotalAmount, snapshot, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// UpdateOrder сохраняет изменяемые поля шапки. Позиции заказа не трогаются.
func (u *unitOfWork) UpdateOrder(ctx context.Context, order domain.Order) (int64, error) {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    payment_status = $4,
		    tracking_number = $5,
		    refund_amount = $6,
		    refund_reason = $7,
		    refund_method = $8,
		    cancel_reason = $9,
		    paid_at = $10,
		    shipped_at = $11,
		    delivered_at = $12,
		    cancelled_at = $13,
		    refunded_at = $14,
		    updated_at = $15,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`,
		order.ID, order.Version, string(order.Status), string(order.PaymentStatus),
		order.TrackingNumber, nullableDecimal(order.RefundAmount), order.RefundReason, order.RefundMethod,
		order.CancelReason, nullableTime(order.PaidAt), nullableTime(order.ShippedAt),
		nullableTime(order.DeliveredAt), nullableTime(order.CancelledAt), nullableTime(order.RefundedAt),
		order.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update order rows affected: %w", err)
	}
	if affected == 1 {
		return order.Version + 1, nil
	}

	var exists bool
	if err := u.tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return 0, domain.ErrOrderNotFound
	}
	return 0, domain.ErrOrderVersionConflict
}

func (u *unitOfWork) EnqueueOutbox(ctx context.Context, msg domain.OutboxMessage) error {
	_, err := insertOutbox(ctx, u.tx, msg, time.Now().UTC())
	return err
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

var _ domain.UnitOfWork = (*unitOfWork)(nil)
