package domain

import (
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const maxNotesLength = 1000

// CartLine — строка корзины.
type CartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// CheckoutCommand — всё, что нужно для оформления заказа из корзины.
type CheckoutCommand struct {
	UserID          string
	Items           []CartLine
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ShippingAddress Address
	BillingAddress  Address
	ShippingMethod  string
	// ShippingAmount — сумма доставки, которую видел клиент. Необязательна,
	// при расхождении с тарифом запрос отклоняется.
	ShippingAmount *decimal.Decimal
	Notes          string
}

// Validate проверяет форму команды до любых побочных эффектов.
// Существование товаров и остатки проверяются уже в транзакции.
func (c CheckoutCommand) Validate(rates ShippingRates) error {
	verr := NewValidationError()

	if strings.TrimSpace(c.UserID) == "" {
		verr.Add("user_id", "is required")
	}
	if len(c.Items) == 0 {
		verr.Add("items", "must contain at least one item")
	}
	for i, line := range c.Items {
		if line.ProductID <= 0 {
			verr.Add(fmt.Sprintf("items.%d.product_id", i), "must be a positive id")
		}
		if line.Quantity <= 0 {
			verr.Add(fmt.Sprintf("items.%d.quantity", i), "must be greater than zero")
		}
	}

	if strings.TrimSpace(c.CustomerName) == "" {
		verr.Add("customer_name", "is required")
	}
	if strings.TrimSpace(c.CustomerEmail) == "" {
		verr.Add("customer_email", "is required")
	} else if _, err := mail.ParseAddress(c.CustomerEmail); err != nil {
		verr.Add("customer_email", "must be a valid email address")
	}

	c.ShippingAddress.validate("shipping_address", verr)
	c.BillingAddress.validate("billing_address", verr)

	fee, ok := rates.Fee(c.ShippingMethod)
	if !ok {
		verr.Add("shipping_method", "must be one of "+strings.Join(rates.Methods(), ", "))
	} else if c.ShippingAmount != nil && !c.ShippingAmount.Equal(fee) {
		verr.Add("shipping_amount", fmt.Sprintf("does not match the %s rate %s", c.ShippingMethod, fee.StringFixed(2)))
	}

	if len([]rune(c.Notes)) > maxNotesLength {
		verr.Add("notes", fmt.Sprintf("must be at most %d characters", maxNotesLength))
	}

	return verr.OrNil()
}

// ShippingRates — тарифная сетка доставки: метод → фиксированная стоимость.
type ShippingRates map[string]decimal.Decimal

// Fee возвращает стоимость доставки для метода.
func (r ShippingRates) Fee(method string) (decimal.Decimal, bool) {
	fee, ok := r[strings.ToLower(strings.TrimSpace(method))]
	return fee, ok
}

// Methods возвращает отсортированный список методов доставки.
func (r ShippingRates) Methods() []string {
	methods := make([]string, 0, len(r))
	for m := range r {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}
