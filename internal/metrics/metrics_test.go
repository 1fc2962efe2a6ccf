package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	metric := &dto.Metric{}
	for m := range ch {
		if err := m.Write(metric); err != nil {
			t.Fatalf("failed to write metric: %v", err)
		}
	}
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	return metric.Gauge.GetValue()
}

func TestOrderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	m.ObserveCheckout(CheckoutCreated, 10*time.Millisecond)
	m.ObserveCheckout(CheckoutCreated, 20*time.Millisecond)
	m.ObserveCheckout(CheckoutInsufficientStock, time.Millisecond)
	m.IncCheckoutRetry()
	m.ObserveTransition("cancel", nil)
	m.ObserveTransition("cancel", errors.New("boom"))
	m.AddRestocked(3)
	m.AddRestocked(-1)

	if got := counterValue(t, m.checkouts.WithLabelValues(CheckoutCreated)); got != 2 {
		t.Fatalf("expected 2 created checkouts, got %v", got)
	}
	if got := counterValue(t, m.checkoutRetries); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := counterValue(t, m.transitions.WithLabelValues("cancel", "error")); got != 1 {
		t.Fatalf("expected 1 failed cancel, got %v", got)
	}
	if got := counterValue(t, m.restockedUnits); got != 3 {
		t.Fatalf("expected 3 restocked units, got %v", got)
	}
}

func TestMediaMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediaMetricsWithRegisterer(reg)

	m.JobStarted()
	m.JobStarted()
	m.JobFinished("completed", time.Second)
	m.ObserveSkipped()
	m.ObserveIngest("accepted")
	m.SetQueueDepth(4)
	m.AddReaped(2)

	if got := counterValue(t, m.inFlight); got != 1 {
		t.Fatalf("expected 1 job in flight, got %v", got)
	}
	if got := counterValue(t, m.optimizations.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("expected 1 skipped job, got %v", got)
	}
	if got := counterValue(t, m.queueDepth); got != 4 {
		t.Fatalf("expected queue depth 4, got %v", got)
	}
	if got := counterValue(t, m.reaped); got != 2 {
		t.Fatalf("expected 2 reaped jobs, got %v", got)
	}
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetricsWithRegisterer(reg)

	m.ObserveRequest("POST", "/orders", 201, 5*time.Millisecond)
	m.ObserveRequest("GET", "", 404, time.Millisecond)

	if got := counterValue(t, m.requests.WithLabelValues("POST", "/orders", "201")); got != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
	if got := counterValue(t, m.requests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route label, got %v", got)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var (
		orders *OrderMetrics
		media  *MediaMetrics
		http   *HTTPMetrics
	)
	orders.ObserveCheckout(CheckoutError, time.Second)
	orders.ObserveTransition("ship", nil)
	media.JobStarted()
	media.JobFinished("failed", time.Second)
	http.ObserveRequest("GET", "/", 200, time.Second)
}

func TestRegisterReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewOrderMetricsWithRegisterer(reg)
	second := NewOrderMetricsWithRegisterer(reg)
	if first.checkouts != second.checkouts {
		t.Fatal("expected repeated registration to reuse the collector")
	}
}

func TestRegisterPanicsOnTypeMismatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter(reg, prometheus.CounterOpts{Name: "market_conflict", Help: "x"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on type mismatch")
		}
	}()
	gauge(reg, prometheus.GaugeOpts{Name: "market_conflict", Help: "x"})
}
