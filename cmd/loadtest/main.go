// Команда loadtest нагружает HTTP API оформлением заказов на один товар
// и проверяет, что склад не уходит в минус.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"
)

const (
	userIDHeader      = "X-User-ID"
	idempotencyHeader = "Idempotency-Key"
	transportError    = "transport_error"
	scenarioOp        = "scenario"
)

type loadMode string

const (
	modeCheckout       loadMode = "checkout"
	modeCheckoutCancel loadMode = "checkout-cancel"
)

type config struct {
	baseURL        string
	total          int
	totalSet       bool
	duration       time.Duration
	concurrency    int
	timeout        time.Duration
	mode           loadMode
	cancelRate     int
	productID      int64
	quantity       int
	shippingMethod string
	userTag        string
	stock          int
	idempotent     bool
	outputPath     string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// opReport — сводка по одной операции: Checkout, Cancel или scenario.
type opReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt       time.Time           `json:"started_at"`
	DurationSeconds float64             `json:"duration_seconds"`
	RPS             float64             `json:"rps"`
	OrdersCreated   int64               `json:"orders_created"`
	OrdersCancelled int64               `json:"orders_cancelled"`
	StockRejections int64               `json:"stock_rejections"`
	UnitsHeld       int64               `json:"units_held"`
	Oversold        bool                `json:"oversold"`
	Scenario        opReport            `json:"scenario"`
	Operations      map[string]opReport `json:"operations"`
}

// sample — один завершённый вызов.
type sample struct {
	op      string
	status  string
	ok      bool
	latency time.Duration
}

// collector копит выборки вызовов и счётчики исходов заказов.
type collector struct {
	mu      sync.Mutex
	samples []sample

	created   atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
}

func newCollector() *collector {
	return &collector{}
}

func (c *collector) record(op string, latency time.Duration, status string, ok bool) {
	c.mu.Lock()
	c.samples = append(c.samples, sample{op: op, status: status, ok: ok, latency: latency})
	c.mu.Unlock()
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration, cfg config) report {
	c.mu.Lock()
	byOp := make(map[string][]sample)
	for _, s := range c.samples {
		byOp[s.op] = append(byOp[s.op], s)
	}
	c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		OrdersCreated:   c.created.Load(),
		OrdersCancelled: c.cancelled.Load(),
		StockRejections: c.rejected.Load(),
		Operations:      make(map[string]opReport, len(byOp)),
	}
	result.UnitsHeld = (result.OrdersCreated - result.OrdersCancelled) * int64(cfg.quantity)
	if cfg.stock >= 0 {
		result.Oversold = result.UnitsHeld > int64(cfg.stock)
	}

	for op, samples := range byOp {
		summary := summarize(samples)
		if op == scenarioOp {
			result.Scenario = summary
			continue
		}
		result.Operations[op] = summary
	}
	if duration > 0 {
		result.RPS = float64(result.Scenario.Calls) / duration.Seconds()
	}
	return result
}

func summarize(samples []sample) opReport {
	out := opReport{Statuses: make(map[string]int64)}
	latencies := make([]float64, 0, len(samples))
	for _, s := range samples {
		out.Calls++
		if s.ok {
			out.Success++
		} else {
			out.Failed++
		}
		out.Statuses[s.status]++
		latencies = append(latencies, float64(s.latency.Microseconds())/1000.0)
	}
	out.ErrorRate = ratio(out.Failed, out.Calls)
	out.LatencyMs = buildLatencySummary(latencies)
	return out
}

func parseConfig(args []string, stderr io.Writer) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "marketplace HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 100, "cancel probability in percent for checkout-cancel mode (0..100)")
	fs.Int64Var(&cfg.productID, "product", 1, "product id to buy")
	fs.IntVar(&cfg.quantity, "qty", 1, "units per order")
	fs.StringVar(&cfg.shippingMethod, "shipping", "standard", "shipping method")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.IntVar(&cfg.stock, "stock", -1, "initial stock of the product; enables the oversell check when >= 0")
	fs.BoolVar(&cfg.idempotent, "idempotent", true, "send an Idempotency-Key with every write")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	if cfg.baseURL == "" {
		return cfg, errors.New("url is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.productID <= 0 {
		return cfg, errors.New("product must be > 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("qty must be > 0")
	}
	if cfg.cancelRate < 0 || cfg.cancelRate > 100 {
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	}
	if strings.TrimSpace(cfg.userTag) == "" {
		return cfg, errors.New("user-tag is required")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeCheckoutCancel:
		return modeCheckoutCancel, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}

	client := &http.Client{
		Timeout: cfg.timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency,
			MaxIdleConnsPerHost: cfg.concurrency,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	defer client.CloseIdleConnections()

	result := execute(client, cfg)

	printReport(stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(stderr, "failed to write report: %v\n", err)
			return 1
		}
	}

	if result.Oversold {
		_, _ = fmt.Fprintf(stderr, "oversell detected: %d units held, stock was %d\n", result.UnitsHeld, cfg.stock)
		return 1
	}
	if result.Scenario.Failed > 0 {
		return 1
	}
	return 0
}

// execute гонит сценарии через пул воркеров и собирает отчёт.
func execute(client *http.Client, cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup

	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_ = runScenario(client, cfg, id, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), cfg)
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type checkoutBody struct {
	Items           []cartLine     `json:"items"`
	CustomerName    string         `json:"customer_name"`
	CustomerEmail   string         `json:"customer_email"`
	ShippingAddress addressPayload `json:"shipping_address"`
	ShippingMethod  string         `json:"shipping_method"`
}

type cartLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type addressPayload struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type orderEnvelope struct {
	Order struct {
		ID string `json:"id"`
	} `json:"order"`
}

// runScenario оформляет заказ и, в режиме checkout-cancel, отменяет его.
// Отказ из-за нехватки склада считается ожидаемым исходом.
func runScenario(client *http.Client, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioCode := strconv.Itoa(http.StatusOK)
	scenarioOK := true
	defer func() {
		col.record(scenarioOp, time.Since(scenarioStart), scenarioCode, scenarioOK)
	}()

	userID := fmt.Sprintf("%s-%s-%d", cfg.userTag, runID, index)
	body := checkoutBody{
		Items:          []cartLine{{ProductID: cfg.productID, Quantity: cfg.quantity}},
		CustomerName:   "Load Tester",
		CustomerEmail:  fmt.Sprintf("load+%d@example.com", index),
		ShippingMethod: cfg.shippingMethod,
		ShippingAddress: addressPayload{
			Line1:      "1 Bench Road",
			City:       "Almaty",
			PostalCode: "050000",
			Country:    "KZ",
		},
	}

	var created orderEnvelope
	status, err := call(client, cfg, "Checkout", http.MethodPost, "/orders", userID, fmt.Sprintf("lt-checkout-%s-%d", runID, index), body, &created, col)
	switch {
	case err != nil:
		scenarioCode, scenarioOK = transportError, false
		return err
	case status == http.StatusBadRequest:
		col.rejected.Add(1)
		scenarioCode = strconv.Itoa(status)
		return nil
	case status != http.StatusCreated:
		scenarioCode, scenarioOK = strconv.Itoa(status), false
		return fmt.Errorf("checkout returned %d", status)
	}
	col.created.Add(1)

	if created.Order.ID == "" {
		scenarioCode, scenarioOK = "empty_order_id", false
		return errors.New("checkout response returned empty order id")
	}

	if cfg.mode != modeCheckoutCancel || !shouldCancelScenario(index, cfg.cancelRate) {
		return nil
	}

	status, err = call(client, cfg, "Cancel", http.MethodPost, "/orders/"+created.Order.ID+"/cancel", userID,
		fmt.Sprintf("lt-cancel-%s-%d", runID, index), map[string]string{"reason": "load-cancel"}, nil, col)
	if err != nil {
		scenarioCode, scenarioOK = transportError, false
		return err
	}
	if status != http.StatusOK {
		scenarioCode, scenarioOK = strconv.Itoa(status), false
		return fmt.Errorf("cancel returned %d", status)
	}
	col.cancelled.Add(1)
	return nil
}

func call(
	client *http.Client,
	cfg config,
	method, httpMethod, path, userID, key string,
	payload any,
	dst any,
	col *collector,
) (int, error) {
	start := time.Now()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, httpMethod, cfg.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, userID)
	if cfg.idempotent {
		req.Header.Set(idempotencyHeader, key)
	}

	resp, err := client.Do(req)
	if err != nil {
		col.record(method, time.Since(start), transportError, false)
		return 0, err
	}
	defer resp.Body.Close()

	if dst != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			col.record(method, time.Since(start), "decode_error", false)
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	col.record(method, time.Since(start), strconv.Itoa(resp.StatusCode), resp.StatusCode < http.StatusBadRequest)
	return resp.StatusCode, nil
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintf(w, "checkout load test: mode=%s run=%s duration=%.2fs rps=%.2f\n",
		cfg.mode, runTarget(cfg), result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "orders created=%d cancelled=%d stock_rejections=%d units_held=%d\n",
		result.OrdersCreated, result.OrdersCancelled, result.StockRejections, result.UnitsHeld)
	if cfg.stock >= 0 {
		_, _ = fmt.Fprintf(w, "stock=%d oversold=%t\n", cfg.stock, result.Oversold)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "OP\tCALLS\tOK\tFAILED\tERR%\tP50ms\tP95ms\tP99ms\tSTATUSES")
	writeRow := func(name string, r opReport) {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%s\n",
			name, r.Calls, r.Success, r.Failed, r.ErrorRate*100,
			r.LatencyMs.P50, r.LatencyMs.P95, r.LatencyMs.P99, formatStatuses(r.Statuses))
	}
	writeRow(scenarioOp, result.Scenario)

	names := make([]string, 0, len(result.Operations))
	for name := range result.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeRow(name, result.Operations[name])
	}
	_ = tw.Flush()
}

func formatStatuses(statuses map[string]int64) string {
	keys := make([]string, 0, len(statuses))
	for k := range statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, statuses[k]))
	}
	return strings.Join(parts, ",")
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile — nearest-rank по отсортированной выборке.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
