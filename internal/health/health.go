// Package health отдаёт liveness/readiness и подробный статус зависимостей.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check — результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response представляет ответ health check
type Response struct {
	Service       string           `json:"service"`
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// CheckFunc проверяет зависимость и возвращает ошибку, если она недоступна.
type CheckFunc func(ctx context.Context) error

type registration struct {
	critical bool
	fn       CheckFunc
}

// Handler выполняет зарегистрированные проверки параллельно с общим таймаутом.
// Упавшая критичная проверка делает сервис unhealthy, некритичная — degraded.
type Handler struct {
	mu        sync.RWMutex
	checks    map[string]registration
	service   string
	version   string
	timeout   time.Duration
	startTime time.Time
}

// NewHandler создаёт handler. timeout<=0 означает таймаут по умолчанию.
func NewHandler(service, version string, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Handler{
		checks:    make(map[string]registration),
		service:   service,
		version:   version,
		timeout:   timeout,
		startTime: time.Now(),
	}
}

// Register добавляет проверку. Повторная регистрация имени заменяет проверку.
func (h *Handler) Register(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registration{critical: critical, fn: fn}
}

// Run выполняет все проверки и сводит общий статус.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	regs := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		regs[name] = reg
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]Check, len(regs))
	)
	for name, reg := range regs {
		wg.Add(1)
		go func(name string, reg registration) {
			defer wg.Done()
			check := runCheck(ctx, name, reg)
			resMu.Lock()
			results[name] = check
			resMu.Unlock()
		}(name, reg)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, check := range results {
		switch {
		case check.Status == StatusUnhealthy && check.Critical:
			overall = StatusUnhealthy
		case check.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return Response{
		Service:       h.service,
		Status:        overall,
		Timestamp:     time.Now().UTC(),
		Checks:        results,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
}

func runCheck(ctx context.Context, name string, reg registration) (check Check) {
	start := time.Now()
	check = Check{Name: name, Critical: reg.critical, Status: StatusHealthy}
	defer func() {
		if r := recover(); r != nil {
			check.Status = StatusUnhealthy
			check.Message = "check panicked"
		}
		check.DurationMs = time.Since(start).Milliseconds()
	}()

	if err := reg.fn(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// ServeHTTP отдаёт подробный статус. 503 только при упавшей критичной проверке.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler простой liveness probe (всегда возвращает 200)
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, пока хотя бы одна критичная проверка падает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + failedNames(response)))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func failedNames(response Response) string {
	var names []string
	for name, check := range response.Checks {
		if check.Status == StatusUnhealthy && check.Critical {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
