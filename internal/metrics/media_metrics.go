package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MediaMetrics — метрики загрузки и оптимизации медиа.
type MediaMetrics struct {
	ingested      *prometheus.CounterVec
	optimizations *prometheus.CounterVec
	duration      prometheus.Histogram
	inFlight      prometheus.Gauge
	queueDepth    prometheus.Gauge
	reaped        prometheus.Counter
}

// NewMediaMetrics регистрирует метрики в DefaultRegisterer.
func NewMediaMetrics() *MediaMetrics {
	return NewMediaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMediaMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewMediaMetricsWithRegisterer(registerer prometheus.Registerer) *MediaMetrics {
	return &MediaMetrics{
		ingested: counterVec(registerer, prometheus.CounterOpts{
			Name: "market_media_ingested_total",
			Help: "Media uploads by result",
		}, "result"),
		optimizations: counterVec(registerer, prometheus.CounterOpts{
			Name: "market_media_optimizations_total",
			Help: "Optimization jobs by result",
		}, "result"),
		duration: histogram(registerer, prometheus.HistogramOpts{
			Name:    "market_media_optimization_duration_seconds",
			Help:    "Duration of a single optimization job",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		inFlight: gauge(registerer, prometheus.GaugeOpts{
			Name: "market_media_optimizations_in_flight",
			Help: "Optimization jobs currently being processed",
		}),
		queueDepth: gauge(registerer, prometheus.GaugeOpts{
			Name: "market_media_optimizer_queue_depth",
			Help: "Jobs waiting in the optimizer channel",
		}),
		reaped: counter(registerer, prometheus.CounterOpts{
			Name: "market_media_reaped_total",
			Help: "Processing jobs marked failed after exceeding the claim deadline",
		}),
	}
}

// ObserveIngest учитывает результат загрузки.
func (m *MediaMetrics) ObserveIngest(result string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(result).Inc()
}

// JobStarted увеличивает счётчик активных задач.
func (m *MediaMetrics) JobStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// JobFinished фиксирует результат задачи и уменьшает счётчик активных.
func (m *MediaMetrics) JobFinished(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.optimizations.WithLabelValues(result).Inc()
	m.duration.Observe(duration.Seconds())
}

// ObserveSkipped учитывает задачу, которую не удалось захватить.
func (m *MediaMetrics) ObserveSkipped() {
	if m == nil {
		return
	}
	m.optimizations.WithLabelValues("skipped").Inc()
}

// SetQueueDepth выставляет текущую длину очереди воркеров.
func (m *MediaMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// AddReaped учитывает зависшие задачи, переведённые в failed.
func (m *MediaMetrics) AddReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}
