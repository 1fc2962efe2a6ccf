package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты оформления заказа.
const (
	CheckoutCreated           = "created"
	CheckoutInsufficientStock = "insufficient_stock"
	CheckoutInvalid           = "invalid"
	CheckoutError             = "error"
)

// OrderMetrics — метрики checkout и жизненного цикла заказа.
// Методы безопасны для nil-получателя.
type OrderMetrics struct {
	checkouts        *prometheus.CounterVec
	checkoutDuration prometheus.Histogram
	checkoutRetries  prometheus.Counter
	transitions      *prometheus.CounterVec
	restockedUnits   prometheus.Counter
}

// NewOrderMetrics регистрирует метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	return &OrderMetrics{
		checkouts: counterVec(registerer, prometheus.CounterOpts{
			Name: "market_checkout_total",
			Help: "Checkout attempts by result",
		}, "result"),
		checkoutDuration: histogram(registerer, prometheus.HistogramOpts{
			Name:    "market_checkout_duration_seconds",
			Help:    "Duration of checkout including the stock transaction",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		checkoutRetries: counter(registerer, prometheus.CounterOpts{
			Name: "market_checkout_order_number_retries_total",
			Help: "Checkout transactions retried after an order number collision",
		}),
		transitions: counterVec(registerer, prometheus.CounterOpts{
			Name: "market_order_transitions_total",
			Help: "Order lifecycle transitions by action and result",
		}, "action", "result"),
		restockedUnits: counter(registerer, prometheus.CounterOpts{
			Name: "market_stock_restocked_units_total",
			Help: "Units returned to stock by cancellations and refunds",
		}),
	}
}

// ObserveCheckout фиксирует результат и длительность оформления.
func (m *OrderMetrics) ObserveCheckout(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// IncCheckoutRetry учитывает повтор транзакции из-за коллизии номера.
func (m *OrderMetrics) IncCheckoutRetry() {
	if m == nil {
		return
	}
	m.checkoutRetries.Inc()
}

// ObserveTransition учитывает попытку перехода заказа.
func (m *OrderMetrics) ObserveTransition(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitions.WithLabelValues(action, result).Inc()
}

// AddRestocked учитывает возвращённые на склад единицы.
func (m *OrderMetrics) AddRestocked(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.restockedUnits.Add(float64(units))
}
