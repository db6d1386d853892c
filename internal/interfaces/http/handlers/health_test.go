package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	"rae-backend/internal/config"
)

func TestHealthRoutes(t *testing.T) {
	alwaysUp := Dependency{Name: "database", Probe: func(context.Context) error { return nil }}

	t.Run("Should always report liveness", func(t *testing.T) {
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var res HealthResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, "alive", res.Status)
	})

	t.Run("Should not be ready before any probe", func(t *testing.T) {
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop(), alwaysUp)

		rec := httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var res HealthResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, "not_ready", res.Status)
		assert.Equal(t, "unhealthy", res.Checks["database"].Status)
	})

	t.Run("Should be ready after a successful probe", func(t *testing.T) {
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop(), alwaysUp)
		h.ProbeAll(context.Background())

		rec := httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var res HealthResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, "ready", res.Status)
		check := res.Checks["database"]
		assert.Equal(t, "healthy", check.Status)
		assert.NotNil(t, check.LastSuccess)
		assert.Empty(t, check.Error)
	})

	t.Run("Should surface the probe error of a failing dependency", func(t *testing.T) {
		down := Dependency{Name: "redis", Probe: func(context.Context) error {
			return errors.New("connection refused")
		}}
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop(), alwaysUp, down)
		h.ProbeAll(context.Background())

		rec := httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var res HealthResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, "not_ready", res.Status)
		assert.Equal(t, "healthy", res.Checks["database"].Status)
		assert.Equal(t, "unhealthy", res.Checks["redis"].Status)
		assert.Equal(t, "connection refused", res.Checks["redis"].Error)
	})

	t.Run("Should recover once the dependency comes back", func(t *testing.T) {
		var probeErr error = errors.New("still starting")
		flaky := Dependency{Name: "database", Probe: func(context.Context) error { return probeErr }}
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop(), flaky)

		h.ProbeAll(context.Background())
		rec := httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		probeErr = nil
		h.ProbeAll(context.Background())
		rec = httptest.NewRecorder()
		h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	})

	t.Run("Should report version and uptime on the detailed route", func(t *testing.T) {
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop(), alwaysUp)
		h.ProbeAll(context.Background())

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var res HealthResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, "healthy", res.Status)
		assert.Equal(t, "1.2.3", res.Version)
		assert.GreaterOrEqual(t, res.UptimeSec, int64(0))
	})

	t.Run("Should degrade the detailed route when a dependency is down", func(t *testing.T) {
		down := Dependency{Name: "database", Probe: func(context.Context) error {
			return errors.New("disk full")
		}}
		h := NewHealthHandler("1.2.3", config.Health{}, zap.NewNop(), down)
		h.ProbeAll(context.Background())

		rec := httptest.NewRecorder()
		h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var res HealthResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, "unhealthy", res.Status)
	})
}
