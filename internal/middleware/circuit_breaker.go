package middleware

import (
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"rae-backend/internal/config"
	apperrors "rae-backend/internal/errors"
	"rae-backend/pkg/api"
)

var errHandlerFailure = errors.New("handler returned a server error")

// CircuitBreaker sheds load once the handler chain keeps failing. A 5xx
// response counts as a failure; with the circuit open, requests are refused
// with 503 before reaching the handlers.
func CircuitBreaker(name string, cfg config.CircuitBreakerConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 5
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.8
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    cfg.Interval.Std(),
		Timeout:     cfg.OpenDuration.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, err := cb.Execute(func() (any, error) {
				ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(ww, r)
				if ww.status >= http.StatusInternalServerError {
					return nil, errHandlerFailure
				}
				return nil, nil
			})

			switch {
			case err == nil, errors.Is(err, errHandlerFailure):
				// The handler already answered; the breaker only counted it.
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				api.Error(w, http.StatusServiceUnavailable,
					apperrors.CodeCircuitOpen.String(),
					"service temporarily unavailable",
					GetRequestIDFromRequest(r))
			default:
				api.Error(w, http.StatusInternalServerError,
					apperrors.CodeInternalError.String(),
					"internal server error",
					GetRequestIDFromRequest(r))
			}
		})
	}
}

// statusWriter captures the response status for failure accounting.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
