// Package health provides liveness and readiness endpoints for the matchmaker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck reports the state of the request and queue stores
type HealthCheck struct {
	checks  map[string]Pinger
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	lastState map[string]string
}

// NewHealthCheck creates a health check over named dependencies
func NewHealthCheck(checks map[string]Pinger, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		checks:    checks,
		timeout:   5 * time.Second,
		logger:    logger,
		lastState: make(map[string]string),
	}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
}

// LivenessHandler handles GET /health
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready by pinging every dependency
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), hc.timeout)
	defer cancel()

	resp := hc.Check(ctx)
	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// Check pings every dependency concurrently
func (hc *HealthCheck) Check(ctx context.Context) ReadinessResponse {
	type result struct {
		name string
		err  error
	}

	results := make(chan result, len(hc.checks))
	for name, p := range hc.checks {
		go func(name string, p Pinger) {
			results <- result{name: name, err: p.Ping(ctx)}
		}(name, p)
	}

	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(hc.checks))}
	for range hc.checks {
		res := <-results
		if res.err != nil {
			resp.Status = "not_ready"
			resp.Checks[res.name] = "unhealthy"
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[res.name] = res.err.Error()
			hc.logger.Warn("Health check failed",
				zap.String("dependency", res.name),
				zap.Error(res.err))
			continue
		}
		resp.Checks[res.name] = "healthy"
	}

	hc.mu.Lock()
	hc.lastCheck = time.Now()
	hc.lastState = resp.Checks
	hc.mu.Unlock()

	return resp
}

// LastState returns the dependency states seen by the last check
func (hc *HealthCheck) LastState() (map[string]string, time.Time) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	state := make(map[string]string, len(hc.lastState))
	for k, v := range hc.lastState {
		state[k] = v
	}
	return state, hc.lastCheck
}

// RegisterRoutes registers /health and /ready on mux
func (hc *HealthCheck) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hc.LivenessHandler)
	mux.HandleFunc("/ready", hc.ReadinessHandler)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
