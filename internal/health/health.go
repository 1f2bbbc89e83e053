// Package health отдаёт /healthz, /readyz и /livez для проб оркестратора.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"
)

// Status: состояние одного компонента или сервиса в целом.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity упорядочивает статусы: общий статус равен худшему из компонентов.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// DefaultCheckTimeout ограничивает один прогон всех проверок.
const DefaultCheckTimeout = 2 * time.Second

// Check: результат проверки компонента.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler собирает проверки и отдаёт их по HTTP.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	version string
	started time.Time
	timeout time.Duration
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  DefaultCheckTimeout,
	}
}

// RegisterChecker добавляет проверку; повторная регистрация имени заменяет прежнюю.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	h.checkers[name] = checker
	h.mu.Unlock()
}

// Run запускает все проверки параллельно под общим таймаутом.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type named struct {
		name  string
		check Check
	}
	results := make(chan named, len(checkers))
	for name, checker := range checkers {
		go func() {
			results <- named{name: name, check: checker.Check(ctx)}
		}()
	}

	resp := Response{
		Status:        StatusHealthy,
		Checks:        make(map[string]Check, len(checkers)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for range checkers {
		r := <-results
		resp.Checks[r.name] = r.check
		if r.check.Status.severity() > resp.Status.severity() {
			resp.Status = r.check.Status
		}
	}
	resp.Timestamp = time.Now().UTC()
	return resp
}

// ServeHTTP отдаёт полный отчёт; 503 только если какой-то компонент unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(resp.Status))
	_ = json.NewEncoder(w).Encode(resp)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// ReadinessHandler отвечает 503, пока хотя бы один компонент unhealthy.
// Degraded (например, отставание outbox) готовности не снимает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if code := httpStatus(h.Run(r.Context()).Status); code != http.StatusOK {
		writeText(w, code, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ready")
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// SimpleChecker считает компонент unhealthy, если checkFn вернула ошибку.
type SimpleChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, checkFn: checkFn}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.checkFn(ctx)

	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// OutboxStatsFunc возвращает число pending-событий и время записи самого старого.
type OutboxStatsFunc func(ctx context.Context) (pending int, oldest time.Time, err error)

// BacklogChecker помечает outbox как degraded, если самое старое событие ждёт дольше maxAge.
type BacklogChecker struct {
	name   string
	stats  OutboxStatsFunc
	maxAge time.Duration
	now    func() time.Time
}

func NewBacklogChecker(name string, stats OutboxStatsFunc, maxAge time.Duration) *BacklogChecker {
	return &BacklogChecker{name: name, stats: stats, maxAge: maxAge, now: time.Now}
}

func (c *BacklogChecker) Check(ctx context.Context) Check {
	started := time.Now()
	pending, oldest, err := c.stats(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(started).Milliseconds()}

	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	if pending > 0 && !oldest.IsZero() && c.now().Sub(oldest) > c.maxAge {
		check.Status = StatusDegraded
		check.Message = "outbox backlog is growing"
	}
	return check
}
