package postgres

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

const orderNumberConstraint = "orders_order_number_key"

func pgErrorCode(err error) (string, string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	return "", "", false
}

func isUniqueViolation(err error) bool {
	code, _, ok := pgErrorCode(err)
	return ok && code == pgerrcode.UniqueViolation
}

func isOrderNumberViolation(err error) bool {
	code, constraint, ok := pgErrorCode(err)
	return ok && code == pgerrcode.UniqueViolation && constraint == orderNumberConstraint
}

// isRetryableTxError — ошибки, после которых транзакцию безопасно повторить целиком.
func isRetryableTxError(err error) bool {
	code, _, ok := pgErrorCode(err)
	if !ok {
		return false
	}
	return code == pgerrcode.SerializationFailure || code == pgerrcode.DeadlockDetected
}
