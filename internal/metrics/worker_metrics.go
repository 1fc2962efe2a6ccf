package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics — метрики публикации transactional outbox.
type OutboxMetrics struct {
	attempts      *prometheus.CounterVec
	pending       prometheus.Gauge
	oldestPending prometheus.Gauge
}

// NewOutboxMetrics регистрирует метрики в DefaultRegisterer.
func NewOutboxMetrics() *OutboxMetrics {
	return NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOutboxMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewOutboxMetricsWithRegisterer(registerer prometheus.Registerer) *OutboxMetrics {
	return &OutboxMetrics{
		attempts: counterVec(registerer, prometheus.CounterOpts{
			Name: "market_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, "result"),
		pending: gauge(registerer, prometheus.GaugeOpts{
			Name: "market_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		}),
		oldestPending: gauge(registerer, prometheus.GaugeOpts{
			Name: "market_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
	}
}

// ObservePublish учитывает попытку публикации.
func (m *OutboxMetrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

// SetBacklog выставляет размер backlog и возраст самого старого сообщения.
func (m *OutboxMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.pending.Set(float64(pending))
	m.oldestPending.Set(oldestAge.Seconds())
}

// CleanupMetrics — метрики очистки просроченных idempotency-ключей.
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewCleanupMetrics регистрирует метрики в DefaultRegisterer.
func NewCleanupMetrics() *CleanupMetrics {
	return NewCleanupMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCleanupMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewCleanupMetricsWithRegisterer(registerer prometheus.Registerer) *CleanupMetrics {
	return &CleanupMetrics{
		runs: counterVec(registerer, prometheus.CounterOpts{
			Name: "market_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, "result"),
		deleted: counter(registerer, prometheus.CounterOpts{
			Name: "market_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		lastDeleted: gauge(registerer, prometheus.GaugeOpts{
			Name: "market_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// ObserveRun учитывает завершённый цикл очистки.
func (m *CleanupMetrics) ObserveRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	if result == "ok" {
		m.lastDeleted.Set(float64(deleted))
	}
}

// AddDeleted учитывает удалённые записи.
func (m *CleanupMetrics) AddDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deleted.Add(float64(n))
}
