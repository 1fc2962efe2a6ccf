package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unique      bool
		orderNumber bool
		retryable   bool
	}{
		{
			name:        "order number collision",
			err:         fmt.Errorf("insert order: %w", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: orderNumberConstraint}),
			unique:      true,
			orderNumber: true,
		},
		{
			name:   "other unique violation",
			err:    &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "orders_pkey"},
			unique: true,
		},
		{
			name:      "serialization failure",
			err:       &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			retryable: true,
		},
		{
			name:      "deadlock",
			err:       fmt.Errorf("reserve: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}),
			retryable: true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isUniqueViolation(tc.err); got != tc.unique {
				t.Fatalf("isUniqueViolation = %v, want %v", got, tc.unique)
			}
			if got := isOrderNumberViolation(tc.err); got != tc.orderNumber {
				t.Fatalf("isOrderNumberViolation = %v, want %v", got, tc.orderNumber)
			}
			if got := isRetryableTxError(tc.err); got != tc.retryable {
				t.Fatalf("isRetryableTxError = %v, want %v", got, tc.retryable)
			}
		})
	}
}
