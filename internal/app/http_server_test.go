package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/grocery/internal/health"
	"github.com/vladislavdragonenkov/grocery/internal/metrics"
	"github.com/vladislavdragonenkov/grocery/internal/version"
)

func TestOpsMux_Endpoints(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "ops"))
	require.NoError(t, err)

	srv := httptest.NewServer(newOpsMux(newHealthHandler(DefaultConfig(), deps)))
	defer srv.Close()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/metrics", wantStatus: http.StatusOK, wantBody: "go_goroutines"},
		{path: "/healthz", wantStatus: http.StatusOK, wantBody: `"storage"`},
		{path: "/readyz", wantStatus: http.StatusOK},
		{path: "/livez", wantStatus: http.StatusOK, wantBody: "ok"},
		{path: "/version", wantStatus: http.StatusOK, wantBody: `"version"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			if tt.wantBody != "" {
				assert.Contains(t, string(body), tt.wantBody)
			}
		})
	}
}

func TestHealthHandler_OutboxBacklogDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboxBacklogMaxAge = time.Nanosecond

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "backlog"))
	require.NoError(t, err)

	handler := newAPIHandler(cfg, deps, metrics.NewGroceryMetricsWithRegisterer(prometheus.NewRegistry()), log.WithField("test", "backlog"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/grocery-items",
		strings.NewReader(`{"name":"apple","price":0.5,"inventory":3}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	time.Sleep(time.Millisecond)
	resp := newHealthHandler(cfg, deps).Run(context.Background())
	assert.Equal(t, healthcheck.StatusDegraded, resp.Checks["outbox"].Status)
	assert.Equal(t, healthcheck.StatusDegraded, resp.Status)
}

func TestNewAPIHandler_PlacesOrder(t *testing.T) {
	cfg := DefaultConfig()
	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "api"))
	require.NoError(t, err)

	handler := newAPIHandler(cfg, deps, metrics.NewGroceryMetricsWithRegisterer(prometheus.NewRegistry()), log.WithField("test", "api"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	require.Equal(t, http.StatusCreated, do(http.MethodPost, "/api/admin/grocery-items", `{"name":"milk","price":1.25,"inventory":2}`).Code)

	rec := do(http.MethodPost, "/api/orders", `{"items":[{"name":"milk","quantity":2}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var order struct {
		OrderID int64 `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Positive(t, order.OrderID)

	rec = do(http.MethodPost, "/api/orders", `{"items":[{"name":"milk","quantity":1}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartMetricsServer_StopsOnCancel(t *testing.T) {
	logger := log.WithField("test", "http")
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	srv := startMetricsServer(ctx, addr, logger, healthcheck.NewHandler(version.GetVersion()))
	require.NotNil(t, srv)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/livez")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool {
		_, err := http.Get("http://" + addr + "/livez")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownHTTP_Nil(t *testing.T) {
	assert.NotPanics(t, func() {
		shutdownHTTP(nil, log.WithField("test", "http"), time.Second)
	})
}

func findFreePort(t *testing.T) int {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	return lis.Addr().(*net.TCPAddr).Port
}
