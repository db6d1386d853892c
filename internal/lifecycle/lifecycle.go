// Package lifecycle starts and stops long-lived components in dependency
// order. Components declare what they depend on at registration; the manager
// starts dependencies first and stops dependents first.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Component is one managed unit with explicit start and stop phases.
type Component interface {
	// Start brings the component up. Idempotent.
	Start(ctx context.Context) error

	// Stop shuts the component down, finishing in-flight work within the
	// context deadline.
	Stop(ctx context.Context) error

	// Name identifies the component in logs and errors.
	Name() string
}

const defaultShutdownTimeout = 30 * time.Second

// Manager orchestrates component startup and shutdown. A failed startup
// rolls back the components already started, in reverse order.
type Manager struct {
	mu              sync.Mutex
	components      []Component
	dependencies    map[Component][]Component
	started         []Component
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewManager builds an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dependencies:    make(map[Component][]Component),
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logger,
	}
}

// Register adds a component. Dependencies must already be registered; the
// component starts after them and stops before them.
func (m *Manager) Register(c Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c == nil {
		return fmt.Errorf("cannot register nil component")
	}
	if c.Name() == "" {
		return fmt.Errorf("component must have a non-empty name")
	}
	for _, existing := range m.components {
		if existing == c {
			return fmt.Errorf("component %s is already registered", c.Name())
		}
	}
	for _, dep := range dependsOn {
		if !m.isRegistered(dep) {
			return fmt.Errorf("dependency %s of %s is not registered", dep.Name(), c.Name())
		}
	}

	m.components = append(m.components, c)
	m.dependencies[c] = dependsOn
	return nil
}

func (m *Manager) isRegistered(c Component) bool {
	for _, existing := range m.components {
		if existing == c {
			return true
		}
	}
	return false
}

// Start brings every component up in dependency order. On failure the
// already-started components are stopped in reverse and the error returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = nil
	for _, c := range m.sorted() {
		began := time.Now()
		if err := c.Start(ctx); err != nil {
			m.logger.Error("component failed to start",
				zap.String("component", c.Name()),
				zap.Error(err))
			m.rollbackLocked()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		m.started = append(m.started, c)
		m.logger.Info("component started",
			zap.String("component", c.Name()),
			zap.Duration("took", time.Since(began)))
	}
	return nil
}

// Stop shuts every started component down in reverse start order. Each
// component gets its own grace period; errors are logged, never propagated,
// so one stuck component cannot block the rest of the shutdown.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		stopCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		if err := c.Stop(stopCtx); err != nil {
			m.logger.Warn("component stop failed",
				zap.String("component", c.Name()),
				zap.Error(err))
		} else {
			m.logger.Info("component stopped", zap.String("component", c.Name()))
		}
		cancel()
	}
	m.started = nil
	return nil
}

// SetShutdownTimeout overrides the per-component grace period.
func (m *Manager) SetShutdownTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.shutdownTimeout = d
	}
}

// sorted returns components in dependency order. Registration already
// guarantees dependencies precede their dependents, so cycles cannot form;
// the walk only flattens the order.
func (m *Manager) sorted() []Component {
	visited := make(map[Component]bool, len(m.components))
	order := make([]Component, 0, len(m.components))

	var visit func(c Component)
	visit = func(c Component) {
		if visited[c] {
			return
		}
		visited[c] = true
		for _, dep := range m.dependencies[c] {
			visit(dep)
		}
		order = append(order, c)
	}
	for _, c := range m.components {
		visit(c)
	}
	return order
}

func (m *Manager) rollbackLocked() {
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Stop(ctx); err != nil {
			m.logger.Warn("rollback stop failed",
				zap.String("component", c.Name()),
				zap.Error(err))
		}
		cancel()
	}
	m.started = nil
}
