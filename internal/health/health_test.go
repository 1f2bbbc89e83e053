package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func staleBacklog(context.Context) (int, time.Time, error) {
	return 5, time.Now().Add(-time.Hour), nil
}

func serveHealthz(t *testing.T, h *Handler) (int, Response) {
	t.Helper()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w.Code, resp
}

func TestHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name       string
		checkers   map[string]Checker
		wantCode   int
		wantStatus Status
	}{
		{
			name:       "all healthy",
			checkers:   map[string]Checker{"storage": NewSimpleChecker("storage", ok)},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "storage down",
			checkers: map[string]Checker{
				"storage": NewSimpleChecker("storage", failing("connection refused")),
				"outbox":  NewBacklogChecker("outbox", staleBacklog, time.Minute),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
		},
		{
			name: "outbox lagging",
			checkers: map[string]Checker{
				"storage": NewSimpleChecker("storage", ok),
				"outbox":  NewBacklogChecker("outbox", staleBacklog, time.Minute),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("v1.2.3")
			for name, checker := range tt.checkers {
				h.RegisterChecker(name, checker)
			}

			code, resp := serveHealthz(t, h)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "v1.2.3", resp.Version)
			assert.Len(t, resp.Checks, len(tt.checkers))
		})
	}
}

func TestHandler_ReportsCheckMessage(t *testing.T) {
	h := NewHandler("dev")
	h.RegisterChecker("storage", NewSimpleChecker("storage", failing("connection refused")))

	_, resp := serveHealthz(t, h)
	assert.Equal(t, "connection refused", resp.Checks["storage"].Message)
}

func TestHandler_RunRespectsTimeout(t *testing.T) {
	h := NewHandler("dev")
	h.timeout = 20 * time.Millisecond
	h.RegisterChecker("slow", NewSimpleChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	resp := h.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline")
}

func TestHandler_EmptyIsHealthy(t *testing.T) {
	assert.Equal(t, StatusHealthy, NewHandler("dev").Run(context.Background()).Status)
}

func TestLivenessHandler(t *testing.T) {
	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantBody string
	}{
		{name: "ready", checker: NewSimpleChecker("storage", ok), wantCode: http.StatusOK, wantBody: "ready"},
		{name: "not ready", checker: NewSimpleChecker("storage", failing("down")), wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{name: "degraded stays ready", checker: NewBacklogChecker("outbox", staleBacklog, time.Minute), wantCode: http.StatusOK, wantBody: "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("dev")
			h.RegisterChecker("component", tt.checker)

			w := httptest.NewRecorder()
			h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestSimpleChecker_MeasuresDuration(t *testing.T) {
	check := NewSimpleChecker("storage", func(context.Context) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}).Check(context.Background())

	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "storage", check.Name)
	assert.GreaterOrEqual(t, check.DurationMs, int64(10))
}

func TestBacklogChecker(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		pending int
		oldest  time.Time
		err     error
		want    Status
	}{
		{name: "empty", want: StatusHealthy},
		{name: "fresh", pending: 3, oldest: now.Add(-time.Second), want: StatusHealthy},
		{name: "stale", pending: 3, oldest: now.Add(-10 * time.Minute), want: StatusDegraded},
		{name: "stats error", err: errors.New("boom"), want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewBacklogChecker("outbox", func(context.Context) (int, time.Time, error) {
				return tt.pending, tt.oldest, tt.err
			}, 5*time.Minute)
			checker.now = func() time.Time { return now }

			assert.Equal(t, tt.want, checker.Check(context.Background()).Status)
		})
	}
}
