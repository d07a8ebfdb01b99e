package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker is one dependency probed by the readiness endpoints.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// CheckResult is one checker's outcome.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of every health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type registeredChecker struct {
	checker  HealthChecker
	critical bool
}

// HealthManager runs registered checkers.
type HealthManager struct {
	version string
	started time.Time

	mu       sync.RWMutex
	checkers map[string]registeredChecker
}

var globalHealthManager *HealthManager

// InitHealthManager installs the manager the health routes use.
func InitHealthManager(version string) *HealthManager {
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the installed manager, creating one if needed.
func GetHealthManager() *HealthManager {
	if globalHealthManager == nil {
		globalHealthManager = NewHealthManager("dev")
	}
	return globalHealthManager
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		started:  time.Now(),
		checkers: make(map[string]registeredChecker),
	}
}

// RegisterChecker adds a checker. A failing critical checker makes the
// service unhealthy; any other failure degrades it.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = registeredChecker{checker: checker, critical: critical}
}

// Check runs every checker with a short deadline.
func (m *HealthManager) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]registeredChecker, len(m.checkers))
	for k, v := range m.checkers {
		checkers[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	critical := make(map[string]bool, len(names))
	for _, name := range names {
		rc := checkers[name]
		critical[name] = rc.critical
		if err := rc.checker.CheckHealth(ctx); err != nil {
			results[name] = CheckResult{Status: StatusUnhealthy, Message: err.Error()}
			continue
		}
		results[name] = CheckResult{Status: StatusHealthy}
	}

	return HealthResponse{
		Status:    determineOverallStatus(results, critical),
		Version:   m.version,
		Uptime:    time.Since(m.started).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    results,
	}
}

func determineOverallStatus(results map[string]CheckResult, critical map[string]bool) string {
	status := StatusHealthy
	for name, r := range results {
		if r.Status == StatusHealthy {
			continue
		}
		if critical[name] {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// HealthHandler reports every check. Unhealthy answers 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := m.Check(r.Context())
	status := http.StatusOK
	if resp.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// LivenessHandler answers while the process serves requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    StatusHealthy,
		Version:   m.version,
		Uptime:    time.Since(m.started).Truncate(time.Second).String(),
		Timestamp: time.Now().UTC(),
	})
}

// Health is the /health route handler.
func Health(w http.ResponseWriter, r *http.Request) {
	GetHealthManager().HealthHandler(w, r)
}

// Liveness is the /health/live route handler.
func Liveness(w http.ResponseWriter, r *http.Request) {
	GetHealthManager().LivenessHandler(w, r)
}

// Readiness is the /health/ready route handler.
func Readiness(w http.ResponseWriter, r *http.Request) {
	GetHealthManager().HealthHandler(w, r)
}
