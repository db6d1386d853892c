package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

type fakeComponent struct {
	name      string
	rec       *recorder
	failStart bool
}

func (f *fakeComponent) Start(context.Context) error {
	if f.failStart {
		return fmt.Errorf("%s refused to start", f.name)
	}
	f.rec.add("start:" + f.name)
	return nil
}

func (f *fakeComponent) Stop(context.Context) error {
	f.rec.add("stop:" + f.name)
	return nil
}

func (f *fakeComponent) Name() string { return f.name }

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Should start in dependency order and stop in reverse", func(t *testing.T) {
		rec := &recorder{}
		store := &fakeComponent{name: "store", rec: rec}
		cache := &fakeComponent{name: "cache", rec: rec}
		server := &fakeComponent{name: "server", rec: rec}

		m := NewManager(zap.NewNop())
		require.NoError(t, m.Register(store))
		require.NoError(t, m.Register(cache, store))
		require.NoError(t, m.Register(server, store, cache))

		require.NoError(t, m.Start(ctx))
		require.NoError(t, m.Stop(ctx))

		assert.Equal(t, []string{
			"start:store", "start:cache", "start:server",
			"stop:server", "stop:cache", "stop:store",
		}, rec.snapshot())
	})

	t.Run("Should roll back started components when one fails", func(t *testing.T) {
		rec := &recorder{}
		store := &fakeComponent{name: "store", rec: rec}
		broken := &fakeComponent{name: "broken", rec: rec, failStart: true}

		m := NewManager(zap.NewNop())
		require.NoError(t, m.Register(store))
		require.NoError(t, m.Register(broken, store))

		err := m.Start(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
		assert.Equal(t, []string{"start:store", "stop:store"}, rec.snapshot())
	})

	t.Run("Should reject an unregistered dependency", func(t *testing.T) {
		rec := &recorder{}
		m := NewManager(zap.NewNop())

		err := m.Register(
			&fakeComponent{name: "late", rec: rec},
			&fakeComponent{name: "missing", rec: rec},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})

	t.Run("Should reject duplicate registration", func(t *testing.T) {
		rec := &recorder{}
		c := &fakeComponent{name: "once", rec: rec}
		m := NewManager(zap.NewNop())

		require.NoError(t, m.Register(c))
		assert.Error(t, m.Register(c))
	})

	t.Run("Should reject nil and unnamed components", func(t *testing.T) {
		rec := &recorder{}
		m := NewManager(zap.NewNop())

		assert.Error(t, m.Register(nil))
		assert.Error(t, m.Register(&fakeComponent{name: "", rec: rec}))
	})
}

func TestIntervalRunner(t *testing.T) {
	t.Run("Should invoke the function on every tick", func(t *testing.T) {
		var runs atomic.Int64
		r := NewIntervalRunner("counter", 5*time.Millisecond, func(context.Context) {
			runs.Add(1)
		}, zap.NewNop())

		require.NoError(t, r.Start(context.Background()))
		assert.Eventually(t, func() bool { return runs.Load() >= 2 },
			2*time.Second, time.Millisecond)

		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, r.Stop(stopCtx))
	})

	t.Run("Should skip ticks while a run is still active", func(t *testing.T) {
		release := make(chan struct{})
		var runs atomic.Int64
		r := NewIntervalRunner("slow", 5*time.Millisecond, func(context.Context) {
			runs.Add(1)
			<-release
		}, zap.NewNop())

		require.NoError(t, r.Start(context.Background()))
		assert.Eventually(t, func() bool { return runs.Load() == 1 },
			2*time.Second, time.Millisecond)

		// Many ticks elapse while the first run blocks; none may start.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int64(1), runs.Load())

		close(release)
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, r.Stop(stopCtx))
	})

	t.Run("Should report a deadline error when a run will not finish", func(t *testing.T) {
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		started := make(chan struct{})
		var once sync.Once
		r := NewIntervalRunner("stuck", time.Millisecond, func(context.Context) {
			once.Do(func() { close(started) })
			<-release
		}, zap.NewNop())

		require.NoError(t, r.Start(context.Background()))
		<-started

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.Stop(stopCtx), context.DeadlineExceeded)
	})

	t.Run("Should tolerate double start and double stop", func(t *testing.T) {
		r := NewIntervalRunner("idem", time.Hour, func(context.Context) {}, zap.NewNop())

		require.NoError(t, r.Start(context.Background()))
		require.NoError(t, r.Start(context.Background()))

		ctx := context.Background()
		require.NoError(t, r.Stop(ctx))
		require.NoError(t, r.Stop(ctx))
	})
}
