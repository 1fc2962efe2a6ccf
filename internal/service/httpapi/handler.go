// Package httpapi — HTTP API маркетплейса: оформление заказов, жизненный цикл и медиа.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/metrics"
)

// CheckoutService — оформление и чтение заказов.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd domain.CheckoutCommand) (domain.Order, error)
	Get(ctx context.Context, userID, orderID string) (domain.Order, error)
	List(ctx context.Context, userID string, limit int) ([]domain.Order, error)
}

// LifecycleService — переходы заказа после оформления.
type LifecycleService interface {
	Transition(ctx context.Context, cmd domain.TransitionCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd domain.CancelCommand) (domain.Order, error)
	Refund(ctx context.Context, cmd domain.RefundCommand) (domain.Order, error)
	ApplyPayment(ctx context.Context, cmd domain.PaymentCommand) (domain.Order, error)
	History(ctx context.Context, userID, orderID string) ([]domain.AuditEntry, error)
}

// MediaService — загрузка и управление медиа.
type MediaService interface {
	Ingest(ctx context.Context, cmd domain.UploadCommand, r io.Reader) (domain.Media, error)
	Get(ctx context.Context, id string) (domain.Media, error)
	RetryOptimization(ctx context.Context, actor, id string) (domain.Media, error)
	Delete(ctx context.Context, actor, id string) error
	MaxUploadBytes() int64
}

// Options — зависимости Handler.
type Options struct {
	Checkout       CheckoutService
	Lifecycle      LifecycleService
	Media          MediaService
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	Metrics        *metrics.HTTPMetrics
	Logger         *log.Entry
}

// Handler собирает маршруты HTTP API.
type Handler struct {
	checkout    CheckoutService
	lifecycle   LifecycleService
	media       MediaService
	idempotency *idempotencyGuard
	metrics     *metrics.HTTPMetrics
	logger      *log.Entry
}

// NewHandler создаёт Handler. Idempotency может быть nil: заголовок тогда игнорируется.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}

	h := &Handler{
		checkout:  opts.Checkout,
		lifecycle: opts.Lifecycle,
		media:     opts.Media,
		metrics:   opts.Metrics,
		logger:    logger,
	}
	if opts.Idempotency != nil {
		h.idempotency = newIdempotencyGuard(opts.Idempotency, opts.IdempotencyTTL, logger)
	}
	return h
}

// Router настраивает маршруты и middleware.
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.accessLog)
	r.Use(h.recoverer)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/orders", func(r chi.Router) {
			r.With(h.idempotent).Post("/", h.createOrder)
			r.Get("/", h.listOrders)
			r.Get("/{id}", h.getOrder)
			r.Get("/{id}/history", h.orderHistory)
			r.Post("/{id}/cancel", h.cancelOrder)
		})

		r.Route("/admin/orders/{id}", func(r chi.Router) {
			r.Post("/status", h.transitionOrder)
			r.Post("/payment", h.applyPayment)
			r.Post("/refund", h.refundOrder)
		})

		r.Route("/media", func(r chi.Router) {
			r.Post("/", h.uploadMedia)
			r.Get("/{id}", h.getMedia)
			r.Delete("/{id}", h.deleteMedia)
			r.Post("/{id}/retry-optimization", h.retryMedia)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	return r
}
