package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// IntervalRunner adapts a periodic function into a Component. A tick that
// arrives while the previous run is still active is skipped, so a slow sweep
// never stacks behind itself.
type IntervalRunner struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	wg     sync.WaitGroup
	active atomic.Bool
}

// NewIntervalRunner builds a runner that invokes fn every interval once
// started.
func NewIntervalRunner(name string, interval time.Duration, fn func(ctx context.Context), logger *zap.Logger) *IntervalRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntervalRunner{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

var _ Component = (*IntervalRunner)(nil)

func (r *IntervalRunner) Name() string { return r.name }

// Start launches the tick loop. The loop's context is owned by the runner,
// not the startup context, so it outlives startup and ends only on Stop.
func (r *IntervalRunner) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx)
	return nil
}

// Stop cancels the loop and waits for any in-flight run to finish, bounded
// by the context deadline.
func (r *IntervalRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *IntervalRunner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.active.CompareAndSwap(false, true) {
				r.logger.Debug("previous run still active, tick skipped",
					zap.String("component", r.name))
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer r.active.Store(false)
				r.fn(ctx)
			}()
		}
	}
}
