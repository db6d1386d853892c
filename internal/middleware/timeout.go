package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
	"rae-backend/pkg/api"
)

// Timeout bounds each request with a deadline. When the deadline passes
// before the handler writes anything, the client receives a 408 envelope and
// later handler writes are discarded instead of racing the timeout response.
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			r = r.WithContext(ctx)
			done := make(chan struct{})

			go func() {
				defer func() {
					if rec := recover(); rec != nil {
						logger.Error("handler panicked past the deadline",
							zap.Any("panic", rec),
							zap.String("request_id", GetRequestIDFromRequest(r)))
						tw.writeError(http.StatusInternalServerError,
							apperrors.CodeInternalError.String(),
							"internal server error",
							GetRequestIDFromRequest(r))
					}
					close(done)
				}()
				next.ServeHTTP(tw, r)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("request deadline exceeded",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("timeout", timeout),
					zap.String("request_id", GetRequestIDFromRequest(r)))
				tw.writeError(http.StatusRequestTimeout,
					apperrors.CodeTimeout.String(),
					"request timed out",
					GetRequestIDFromRequest(r))
			}
		})
	}
}

// timeoutWriter serializes writes between the handler goroutine and the
// timeout branch. Whoever writes first wins; the loser's writes are dropped.
type timeoutWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	written  bool
	timedOut bool
}

func (w *timeoutWriter) WriteHeader(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return
	}
	w.written = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return len(b), nil
	}
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *timeoutWriter) writeError(status int, code, detail, requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written || w.timedOut {
		w.timedOut = true
		return
	}
	w.timedOut = true
	api.Error(w.ResponseWriter, status, code, detail, requestID)
}
