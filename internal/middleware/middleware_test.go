package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/pkg/api"
	"rae-backend/pkg/auth"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var e api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func TestRequestID(t *testing.T) {
	t.Run("Should generate an ID when none is provided", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, GetRequestIDFromRequest(r))
			w.WriteHeader(http.StatusOK)
		}))

		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("Should echo a caller-provided ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()

		RequestID(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	})
}

func TestRecovery(t *testing.T) {
	t.Run("Should convert a panic into the error envelope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler := Recovery(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))

		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "INTERNAL_ERROR", e.ErrorCode)
		assert.NotEmpty(t, e.Timestamp)
	})

	t.Run("Should pass healthy requests through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Recovery(zap.NewNop())(okHandler()).ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTimeout(t *testing.T) {
	t.Run("Should let fast handlers finish", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Timeout(time.Second, zap.NewNop())(okHandler()).ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Should answer 408 when the deadline passes first", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		handler := Timeout(10*time.Millisecond, zap.NewNop())(http.HandlerFunc(
			func(http.ResponseWriter, *http.Request) {
				<-release
			}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		require.Equal(t, http.StatusRequestTimeout, rec.Code)
		assert.Equal(t, "TIMEOUT", decodeError(t, rec).ErrorCode)
	})
}

func TestCircuitBreaker(t *testing.T) {
	breakerConfig := config.CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     config.Duration(time.Minute),
		OpenDuration: config.Duration(time.Minute),
		FailureRatio: 0.5,
		MinRequests:  2,
	}

	t.Run("Should pass successes through untouched", func(t *testing.T) {
		rec := httptest.NewRecorder()
		CircuitBreaker("ok", breakerConfig, zap.NewNop())(okHandler()).ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Should open after repeated server errors and shed load", func(t *testing.T) {
		calls := 0
		failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		})
		handler := CircuitBreaker("failing", breakerConfig, zap.NewNop())(failing)

		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "CIRCUIT_OPEN", decodeError(t, rec).ErrorCode)
		assert.Equal(t, 2, calls)
	})
}

func TestAuth(t *testing.T) {
	const secret = "test-secret-test-secret-test-secret"

	validator, err := auth.NewJWTValidator(auth.JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     secret,
		Issuer:        "rae-backend",
	})
	require.NoError(t, err)

	newToken := func(t *testing.T, expiry time.Duration, projectID string, roles []string) string {
		t.Helper()
		gen, err := auth.NewJWTGenerator(auth.JWTGeneratorConfig{
			SigningMethod: "HS256",
			SecretKey:     secret,
			Issuer:        "rae-backend",
			ExpiryTime:    expiry,
		})
		require.NoError(t, err)
		token, err := gen.GenerateToken("t1", projectID, roles)
		require.NoError(t, err)
		return token
	}

	captured := func(target **auth.Principal) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := auth.PrincipalFromContext(r.Context())
			require.NoError(t, err)
			*target = p
			w.WriteHeader(http.StatusOK)
		})
	}

	t.Run("Should resolve the tenant from a valid bearer token", func(t *testing.T) {
		var principal *auth.Principal
		handler := Auth(validator, true, zap.NewNop())(captured(&principal))

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+newToken(t, time.Hour, "p1", []string{"admin"}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "t1", principal.TenantID)
		assert.Equal(t, "p1", principal.ProjectID)
		assert.True(t, principal.HasRole("admin"))
	})

	t.Run("Should reject an expired token with its own code", func(t *testing.T) {
		handler := Auth(validator, true, zap.NewNop())(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+newToken(t, -time.Hour, "", nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "TOKEN_EXPIRED", decodeError(t, rec).ErrorCode)
	})

	t.Run("Should reject a request presenting both identification paths", func(t *testing.T) {
		handler := Auth(validator, true, zap.NewNop())(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer "+newToken(t, time.Hour, "", nil))
		req.Header.Set("X-Tenant-Id", "t2")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "TENANT_MISMATCH", decodeError(t, rec).ErrorCode)
	})

	t.Run("Should reject a request with no identity at all", func(t *testing.T) {
		handler := Auth(validator, true, zap.NewNop())(okHandler())
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "TENANT_MISSING", decodeError(t, rec).ErrorCode)
	})

	t.Run("Should accept the tenant header and optional project header", func(t *testing.T) {
		var principal *auth.Principal
		handler := Auth(validator, true, zap.NewNop())(captured(&principal))

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Tenant-Id", "t9")
		req.Header.Set("X-Project-ID", "p9")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "t9", principal.TenantID)
		assert.Equal(t, "p9", principal.ProjectID)
	})

	t.Run("Should ignore bearer tokens when validation is disabled", func(t *testing.T) {
		var principal *auth.Principal
		handler := Auth(nil, false, zap.NewNop())(captured(&principal))

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Authorization", "Bearer not-even-a-token")
		req.Header.Set("X-Tenant-Id", "dev")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "dev", principal.TenantID)
	})
}

func TestRequireRole(t *testing.T) {
	t.Run("Should admit principals carrying the role", func(t *testing.T) {
		handler := RequireRole("admin")(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(),
			&auth.Principal{TenantID: "t1", Roles: []string{"admin"}}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("Should refuse principals without the role", func(t *testing.T) {
		handler := RequireRole("admin")(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(),
			&auth.Principal{TenantID: "t1"}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "INSUFFICIENT_ROLE", decodeError(t, rec).ErrorCode)
	})
}

func TestRateLimiter(t *testing.T) {
	newLimiter := func(perMinute, burst int) (*RateLimiter, *time.Time) {
		l := NewRateLimiter(config.RateLimit{
			Enabled:           true,
			RequestsPerMinute: perMinute,
			Burst:             burst,
			CleanupInterval:   config.Duration(time.Minute),
		}, zap.NewNop())
		clock := time.Now()
		l.now = func() time.Time { return clock }
		return l, &clock
	}

	t.Run("Should allow bursts and refill over time", func(t *testing.T) {
		l, clock := newLimiter(60, 2)

		ok, _ := l.Allow("t1")
		assert.True(t, ok)
		ok, _ = l.Allow("t1")
		assert.True(t, ok)

		ok, wait := l.Allow("t1")
		assert.False(t, ok)
		assert.Greater(t, wait, time.Duration(0))

		*clock = clock.Add(1100 * time.Millisecond)
		ok, _ = l.Allow("t1")
		assert.True(t, ok)
	})

	t.Run("Should isolate tenants from each other", func(t *testing.T) {
		l, _ := newLimiter(60, 1)

		ok, _ := l.Allow("t1")
		assert.True(t, ok)
		ok, _ = l.Allow("t1")
		assert.False(t, ok)

		ok, _ = l.Allow("t2")
		assert.True(t, ok)
	})

	t.Run("Should answer 429 with Retry-After through the middleware", func(t *testing.T) {
		l, _ := newLimiter(60, 1)
		handler := l.Middleware(okHandler())

		request := func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{TenantID: "t1"}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			return rec
		}

		assert.Equal(t, http.StatusOK, request().Code)

		rec := request()
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, rec).ErrorCode)
	})
}

func TestRequestLogger(t *testing.T) {
	t.Run("Should pass requests through while logging", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequestLogger(zap.NewNop())(okHandler()).ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
