package domain_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/domain"
)

func testRates() domain.ShippingRates {
	return domain.ShippingRates{
		"standard": decimal.RequireFromString("150"),
		"express":  decimal.RequireFromString("300"),
		"premium":  decimal.RequireFromString("500"),
	}
}

func validCommand() domain.CheckoutCommand {
	addr := domain.Address{Line1: "1 Loom St", City: "Almaty", PostalCode: "050000", Country: "KZ"}
	return domain.CheckoutCommand{
		UserID:          "user-1",
		Items:           []domain.CartLine{{ProductID: 1, Quantity: 2}},
		CustomerName:    "Aigerim",
		CustomerEmail:   "aigerim@example.com",
		ShippingAddress: addr,
		BillingAddress:  addr,
		ShippingMethod:  "standard",
	}
}

func TestCheckoutCommandValidate_Ok(t *testing.T) {
	cmd := validCommand()
	amount := decimal.RequireFromString("150.00")
	cmd.ShippingAmount = &amount
	cmd.ShippingMethod = " Standard "

	require.NoError(t, cmd.Validate(testRates()))
}

func TestCheckoutCommandValidate_Fields(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(c *domain.CheckoutCommand)
		field string
	}{
		{name: "no items", mut: func(c *domain.CheckoutCommand) { c.Items = nil }, field: "items"},
		{name: "zero quantity", mut: func(c *domain.CheckoutCommand) { c.Items[0].Quantity = 0 }, field: "items.0.quantity"},
		{name: "bad product", mut: func(c *domain.CheckoutCommand) { c.Items[0].ProductID = 0 }, field: "items.0.product_id"},
		{name: "no name", mut: func(c *domain.CheckoutCommand) { c.CustomerName = " " }, field: "customer_name"},
		{name: "bad email", mut: func(c *domain.CheckoutCommand) { c.CustomerEmail = "not-an-email" }, field: "customer_email"},
		{name: "no city", mut: func(c *domain.CheckoutCommand) { c.ShippingAddress.City = "" }, field: "shipping_address.city"},
		{name: "no billing country", mut: func(c *domain.CheckoutCommand) { c.BillingAddress.Country = "" }, field: "billing_address.country"},
		{name: "unknown method", mut: func(c *domain.CheckoutCommand) { c.ShippingMethod = "teleport" }, field: "shipping_method"},
		{name: "shipping mismatch", mut: func(c *domain.CheckoutCommand) {
			amount := decimal.RequireFromString("1")
			c.ShippingAmount = &amount
		}, field: "shipping_amount"},
		{name: "long notes", mut: func(c *domain.CheckoutCommand) { c.Notes = strings.Repeat("я", 1001) }, field: "notes"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd := validCommand()
			cmd.Items = append([]domain.CartLine(nil), cmd.Items...)
			tc.mut(&cmd)

			verr, ok := domain.AsValidation(cmd.Validate(testRates()))
			require.True(t, ok)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestShippingRatesMethods(t *testing.T) {
	assert.Equal(t, []string{"express", "premium", "standard"}, testRates().Methods())

	fee, ok := testRates().Fee("EXPRESS")
	require.True(t, ok)
	assert.True(t, fee.Equal(decimal.RequireFromString("300")))
}
