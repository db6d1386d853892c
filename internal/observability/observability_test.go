package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Run("Should keep registries isolated between collectors", func(t *testing.T) {
		a := NewCollector("rae")
		b := NewCollector("rae")

		a.MemoriesStored.Inc()

		assert.Equal(t, 1.0, testutil.ToFloat64(a.MemoriesStored))
		assert.Equal(t, 0.0, testutil.ToFloat64(b.MemoriesStored))
	})

	t.Run("Should serve the text exposition format", func(t *testing.T) {
		c := NewCollector("")
		c.MemoriesStored.Inc()
		c.Queries.WithLabelValues("hit").Inc()

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "rae_memories_stored_total 1")
		assert.Contains(t, string(body), `rae_queries_total{cache="hit"} 1`)
	})
}

func TestMetricsMiddleware(t *testing.T) {
	newRouter := func(c *Collector, status int) *chi.Mux {
		r := chi.NewRouter()
		r.Use(MetricsMiddleware(c))
		r.Get("/v1/memory/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})
		return r
	}

	t.Run("Should label requests with the chi route pattern", func(t *testing.T) {
		c := NewCollector("rae")
		rec := httptest.NewRecorder()
		newRouter(c, http.StatusOK).ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/v1/memory/abc", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		got := testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/v1/memory/{id}", "200"))
		assert.Equal(t, 1.0, got)
		assert.Equal(t, 1, testutil.CollectAndCount(c.HTTPDuration))
	})

	t.Run("Should record handler error statuses", func(t *testing.T) {
		c := NewCollector("rae")
		rec := httptest.NewRecorder()
		newRouter(c, http.StatusInternalServerError).ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/v1/memory/abc", nil))

		got := testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "/v1/memory/{id}", "500"))
		assert.Equal(t, 1.0, got)
	})
}

func TestTracingMiddleware(t *testing.T) {
	t.Run("Should pass requests through without a configured exporter", func(t *testing.T) {
		handler := TracingMiddleware("rae-test")(http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("ok"))
			}))

		r := chi.NewRouter()
		r.Get("/ping", handler.ServeHTTP)

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})
}
