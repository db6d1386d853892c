package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
)

// BreakerSettings tunes the circuit wrapped around a provider.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	OpenDuration time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerSettings trips at an 80% failure rate over at least five
// calls and probes again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		OpenDuration: 30 * time.Second,
		FailureRatio: 0.8,
		MinRequests:  5,
	}
}

// BreakerProvider wraps a Provider in a circuit breaker so a failing
// upstream sheds load fast instead of stacking timeouts.
type BreakerProvider struct {
	inner    Provider
	cb       *gobreaker.CircuitBreaker
	openWait time.Duration
}

// NewBreakerProvider wraps inner with the given settings.
func NewBreakerProvider(inner Provider, settings BreakerSettings, logger *zap.Logger) *BreakerProvider {
	if settings.OpenDuration <= 0 {
		settings = DefaultBreakerSettings()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &BreakerProvider{inner: inner, cb: cb, openWait: settings.OpenDuration}
}

var _ Provider = (*BreakerProvider)(nil)

func (b *BreakerProvider) Name() string { return b.inner.Name() }

func (b *BreakerProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.inner.Complete(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperrors.DependencyUnavailable(apperrors.CodeCircuitOpen, "completion provider circuit is open").
				WithOperation("llm.complete").
				WithRetryAfter(b.openWait).
				Build()
		}
		return nil, err
	}
	return result.(*Completion), nil
}

func (b *BreakerProvider) CompleteJSON(ctx context.Context, req Request, out any) (*Completion, error) {
	completion, err := b.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(completion.Text, out); err != nil {
		return completion, err
	}
	return completion, nil
}
