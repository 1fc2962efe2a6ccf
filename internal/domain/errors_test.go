package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrOrderVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrOrderVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrOrderVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	verr := NewValidationError()
	if verr.OrNil() != nil {
		t.Fatal("empty validation error must collapse to nil")
	}

	verr.Add("items", "must contain at least one item")
	verr.Add("customer_email", "is required")
	verr.Add("customer_email", "must be a valid email address")

	err := verr.OrNil()
	if err == nil {
		t.Fatal("expected error")
	}
	want := "validation failed: customer_email: is required, must be a valid email address; items: must contain at least one item"
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}

	got, ok := AsValidation(fmt.Errorf("checkout: %w", err))
	if !ok || len(got.Fields) != 2 {
		t.Fatalf("expected wrapped validation error, got %v", got)
	}
}

func TestInsufficientStockError(t *testing.T) {
	err := fmt.Errorf("reserve: %w", &InsufficientStockError{ProductID: 7, ProductName: "Rug", Requested: 3, Available: 1})

	stock, ok := AsInsufficientStock(err)
	if !ok {
		t.Fatal("expected insufficient stock error in chain")
	}
	if stock.ProductID != 7 || stock.Requested != 3 || stock.Available != 1 {
		t.Fatalf("unexpected payload: %+v", stock)
	}
	if _, ok := AsInsufficientStock(ErrOrderNotFound); ok {
		t.Fatal("unrelated error must not match")
	}
}

func TestInvalidStatef(t *testing.T) {
	err := InvalidStatef("order is %s", OrderStatusCancelled)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatal("expected ErrInvalidState in chain")
	}
	if err.Error() != "invalid state: order is cancelled" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
