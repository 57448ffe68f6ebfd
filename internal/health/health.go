// Package health сводит проверки зависимостей сервиса в probes /healthz, /readyz и /livez.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

// Status — состояние компонента или сервиса в целом.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат проверки одного компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	Critical   bool   `json:"critical"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело ответа /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Ready сообщает, можно ли направлять трафик: degraded допустим, unhealthy нет.
func (r Response) Ready() bool {
	return r.Status != StatusUnhealthy
}

// Checker проверяет один компонент: хранилище, брокер и т.п.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler хранит зарегистрированные проверки и отдаёт по ним probes.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	version  string
	started  time.Time
	timeout  time.Duration
}

// NewHandler создаёт Handler для указанной версии сборки.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
	}
}

// RegisterChecker добавляет или заменяет проверку с именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) snapshot() ([]string, []Checker) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checkers := make([]Checker, len(names))
	for i, name := range names {
		checkers[i] = h.checkers[name]
	}
	return names, checkers
}

// Evaluate запускает все проверки параллельно с общим таймаутом.
// Упавшая некритичная проверка даёт degraded, критичная unhealthy.
func (h *Handler) Evaluate(ctx context.Context) Response {
	names, checkers := h.snapshot()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checker.Check(ctx)
		}()
	}
	wg.Wait()

	response := Response{
		Status:        StatusHealthy,
		Timestamp:     time.Now(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for i, check := range results {
		response.Checks[names[i]] = check
		response.Status = worst(response.Status, check)
	}
	return response
}

func worst(current Status, check Check) Status {
	switch {
	case check.Status == StatusHealthy:
		return current
	case check.Critical && check.Status == StatusUnhealthy:
		return StatusUnhealthy
	case current == StatusHealthy:
		return StatusDegraded
	default:
		return current
	}
}

// ServeHTTP отдаёт подробный JSON по всем проверкам; 503 при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(probeStatus(response.Ready()))
	_ = json.NewEncoder(w).Encode(response)
}

// ReadinessHandler отвечает 503, пока недоступен хотя бы один критичный компонент.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.Evaluate(r.Context()).Ready()
	body := "ready"
	if !ready {
		body = "not ready"
	}
	writeProbe(w, probeStatus(ready), body)
}

// LivenessHandler всегда отвечает 200: процесс жив, пока обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, "ok")
}

func probeStatus(ready bool) int {
	if ready {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeProbe(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// FuncChecker превращает функцию проверки в Checker.
type FuncChecker struct {
	name     string
	critical bool
	fn       func(ctx context.Context) error
}

// NewCriticalChecker создаёт проверку, без которой сервис не готов (например, хранилище).
func NewCriticalChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, critical: true, fn: fn}
}

// NewOptionalChecker создаёт проверку, падение которой лишь понижает статус до degraded.
func NewOptionalChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Check(ctx context.Context) Check {
	started := time.Now()
	check := Check{Name: c.name, Status: StatusHealthy, Critical: c.critical}
	if err := c.fn(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	check.DurationMs = time.Since(started).Milliseconds()
	return check
}
