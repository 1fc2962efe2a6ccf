package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/artisanmarket/marketplace/internal/domain"
)

type checkoutRequest struct {
	Items           []domain.CartLine `json:"items"`
	CustomerName    string            `json:"customer_name"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerPhone   string            `json:"customer_phone"`
	ShippingAddress domain.Address    `json:"shipping_address"`
	BillingAddress  *domain.Address   `json:"billing_address"`
	ShippingMethod  string            `json:"shipping_method"`
	ShippingAmount  *decimal.Decimal  `json:"shipping_amount"`
	Notes           string            `json:"notes"`
}

func (req checkoutRequest) command(userID string) domain.CheckoutCommand {
	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}
	return domain.CheckoutCommand{
		UserID:          userID,
		Items:           req.Items,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		ShippingMethod:  req.ShippingMethod,
		ShippingAmount:  req.ShippingAmount,
		Notes:           req.Notes,
	}
}

type orderResponse struct {
	Order domain.Order `json:"order"`
}

type ordersResponse struct {
	Orders []domain.Order `json:"orders"`
}

type historyResponse struct {
	History []domain.AuditEntry `json:"history"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type transitionRequest struct {
	Status         domain.OrderStatus `json:"status"`
	TrackingNumber string             `json:"tracking_number"`
	Reason         string             `json:"reason"`
}

type paymentRequest struct {
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
}

type refundRequest struct {
	Amount decimal.Decimal     `json:"amount"`
	Reason string              `json:"reason"`
	Method domain.RefundMethod `json:"method"`
}

// createOrder — POST /orders.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}

	order, err := h.checkout.Checkout(r.Context(), req.command(userIDFromContext(r.Context())))
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: order})
}

// listOrders — GET /orders?limit=N.
func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			verr := domain.NewValidationError()
			verr.Add("limit", "must be a non-negative integer")
			h.writeError(w, r, verr, orderConflict)
			return
		}
		limit = n
	}

	orders, err := h.checkout.List(r.Context(), userIDFromContext(r.Context()), limit)
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, ordersResponse{Orders: orders})
}

// getOrder — GET /orders/{id}; чужой заказ выглядит как отсутствующий.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.checkout.Get(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

func (h *Handler) orderHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.lifecycle.History(r.Context(), userIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{History: entries})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, r, err, orderConflict)
			return
		}
	}

	userID := userIDFromContext(r.Context())
	order, err := h.lifecycle.Cancel(r.Context(), domain.CancelCommand{
		OrderID: chi.URLParam(r, "id"),
		Actor:   userID,
		Reason:  req.Reason,
		OwnerID: userID,
	})
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	if !req.Status.Valid() {
		verr := domain.NewValidationError()
		verr.Add("status", "unknown order status")
		h.writeError(w, r, verr, orderConflict)
		return
	}

	actor := userIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var (
		order domain.Order
		err   error
	)
	if req.Status == domain.OrderStatusCancelled {
		order, err = h.lifecycle.Cancel(r.Context(), domain.CancelCommand{OrderID: id, Actor: actor, Reason: req.Reason})
	} else {
		order, err = h.lifecycle.Transition(r.Context(), domain.TransitionCommand{
			OrderID:        id,
			Actor:          actor,
			Status:         req.Status,
			TrackingNumber: req.TrackingNumber,
			Reason:         req.Reason,
		})
	}
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}

	order, err := h.lifecycle.ApplyPayment(r.Context(), domain.PaymentCommand{
		OrderID:       chi.URLParam(r, "id"),
		Actor:         userIDFromContext(r.Context()),
		PaymentStatus: req.PaymentStatus,
	})
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}

func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}

	order, err := h.lifecycle.Refund(r.Context(), domain.RefundCommand{
		OrderID: chi.URLParam(r, "id"),
		Actor:   userIDFromContext(r.Context()),
		Amount:  req.Amount,
		Reason:  req.Reason,
		Method:  req.Method,
	})
	if err != nil {
		h.writeError(w, r, err, orderConflict)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: order})
}
