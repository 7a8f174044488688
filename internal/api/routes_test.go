package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/session-tracker/internal/api"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/dispatch"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/geolocation"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/handler"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/logger"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/metrics"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/registry"
	"github.com/jonesrussell/north-cloud/session-tracker/internal/store"
)

type noIP struct{}

func (noIP) Resolve(context.Context) string { return "" }

func newServer(t *testing.T, checks map[string]api.HealthChecker) *gin.Engine {
	t.Helper()

	log := logger.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d := dispatch.New(1, 16, log)
	d.Start()
	pages := registry.New(time.Minute, log, m)
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		pages.Close()
		d.Stop()
	})

	h := handler.NewPageHandler(handler.PageConfig{
		Geo: geolocation.PositionOptions{Timeout: time.Second, MaximumAge: time.Minute},
	}, pages, store.NewMemory(), noIP{}, d, log, m)

	srv := api.NewServer(&api.ServerConfig{Port: 0, ServiceName: "session-tracker"}, log, func(r *gin.Engine) {
		api.SetupRoutes(r, h, api.RouteConfig{
			ServiceName:     "session-tracker",
			ServiceVersion:  "test",
			MaxRequests:     100,
			RateLimitWindow: time.Minute,
			HealthChecks:    checks,
			Gatherer:        reg,
			Done:            done,
		})
	})
	return srv.Router()
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	return w
}

func TestHealth(t *testing.T) {
	r := newServer(t, map[string]api.HealthChecker{
		"database": api.PingChecker("Database", func(context.Context) error { return nil }),
	})

	w := get(r, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.HealthStatusHealthy, resp.Status)
	assert.Equal(t, "session-tracker", resp.Service)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, api.HealthStatusHealthy, resp.Checks["database"].Status)
}

func TestHealth_UnhealthyDependency(t *testing.T) {
	r := newServer(t, map[string]api.HealthChecker{
		"redis": api.PingChecker("Redis", func(context.Context) error { return errors.New("connection refused") }),
	})

	w := get(r, "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, api.HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "Redis connection failed", resp.Checks["redis"].Message)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/pages", strings.NewReader(`{"url": "https://example.com/"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "session_tracker_active_pages 1")
}

func TestPageRoutesAreRegistered(t *testing.T) {
	r := newServer(t, nil)

	w := get(r, "/v1/pages/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
