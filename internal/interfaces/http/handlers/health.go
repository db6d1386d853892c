package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/pkg/api"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusAlive     = "alive"
	statusReady     = "ready"
	statusNotReady  = "not_ready"
)

// Dependency is one critical dependency watched by the readiness prober.
type Dependency struct {
	Name  string
	Probe func(ctx context.Context) error
}

// DependencyStatus is the reported state of one probed dependency.
type DependencyStatus struct {
	Status      string     `json:"status"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// HealthResponse is the body of /health and /health/ready.
type HealthResponse struct {
	Status    string                      `json:"status"`
	Timestamp time.Time                   `json:"timestamp"`
	Version   string                      `json:"version,omitempty"`
	UptimeSec int64                       `json:"uptime_seconds,omitempty"`
	Checks    map[string]DependencyStatus `json:"checks,omitempty"`
}

type depState struct {
	lastSuccess time.Time
	lastErr     string
}

// HealthHandler serves the liveness, readiness and general health routes.
// Dependencies are probed in the background by a lifecycle runner calling
// ProbeAll; readiness reads the recorded probe times instead of touching
// the dependencies on every request.
type HealthHandler struct {
	deps    []Dependency
	timeout time.Duration
	// window is how old the last successful probe may be before the
	// dependency counts as down: two probe periods, so a single slow
	// probe does not flap readiness.
	window  time.Duration
	version string
	started time.Time
	logger  *zap.Logger

	mu     sync.RWMutex
	states map[string]depState
}

// NewHealthHandler wires the health handler. Probe cadence comes from cfg;
// zero values fall back to the loader defaults.
func NewHealthHandler(version string, cfg config.Health, logger *zap.Logger, deps ...Dependency) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.ProbeInterval.Std()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.ProbeTimeout.Std()
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthHandler{
		deps:    deps,
		timeout: timeout,
		window:  2 * interval,
		version: version,
		started: time.Now(),
		logger:  logger,
		states:  make(map[string]depState, len(deps)),
	}
}

// ProbeAll checks every dependency once and records the outcome. The DI
// container runs it at boot and then on the prober's interval.
func (h *HealthHandler) ProbeAll(ctx context.Context) {
	for _, dep := range h.deps {
		probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
		err := dep.Probe(probeCtx)
		cancel()

		h.mu.Lock()
		state := h.states[dep.Name]
		if err != nil {
			state.lastErr = err.Error()
		} else {
			state.lastSuccess = time.Now()
			state.lastErr = ""
		}
		h.states[dep.Name] = state
		h.mu.Unlock()

		if err != nil {
			h.logger.Warn("dependency probe failed",
				zap.String("dependency", dep.Name),
				zap.Error(err))
		}
	}
}

// Live handles GET /health/live. It only proves the process can answer.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, HealthResponse{
		Status:    statusAlive,
		Timestamp: time.Now(),
	})
}

// Ready handles GET /health/ready. Ready means every dependency had a
// successful probe within the window.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks, allUp := h.snapshot()
	status := statusReady
	code := http.StatusOK
	if !allUp {
		status = statusNotReady
		code = http.StatusServiceUnavailable
	}
	api.Success(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}

// Health handles GET /health: the detailed report for dashboards.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks, allUp := h.snapshot()
	status := statusHealthy
	code := http.StatusOK
	if !allUp {
		status = statusUnhealthy
		code = http.StatusServiceUnavailable
	}
	api.Success(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Version:   h.version,
		UptimeSec: int64(time.Since(h.started).Seconds()),
		Checks:    checks,
	})
}

func (h *HealthHandler) snapshot() (map[string]DependencyStatus, bool) {
	now := time.Now()
	checks := make(map[string]DependencyStatus, len(h.deps))
	allUp := true

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, dep := range h.deps {
		state := h.states[dep.Name]
		up := !state.lastSuccess.IsZero() && now.Sub(state.lastSuccess) <= h.window

		status := DependencyStatus{Status: statusHealthy}
		if !up {
			allUp = false
			status.Status = statusUnhealthy
			status.Error = state.lastErr
		}
		if !state.lastSuccess.IsZero() {
			last := state.lastSuccess
			status.LastSuccess = &last
		}
		checks[dep.Name] = status
	}
	return checks, allUp
}
