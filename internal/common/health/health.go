// Package health provides readiness and liveness checks plus runtime stats
// collection for the agent registry heartbeat.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"encoding/json"
)

// Status represents overall health state
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// CheckResult is the outcome of a single check
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the aggregate health response
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Checker runs registered checks and serves the /q/health endpoints.
type Checker struct {
	mu     sync.RWMutex
	checks []Check
}

// NewChecker creates a Checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a readiness check.
func (c *Checker) Register(name string, probe func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, Check{Name: name, Probe: probe})
}

// Run executes all checks with a per-check timeout and aggregates the result.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make([]Check, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	report := Report{Status: StatusUp}
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := check.Probe(checkCtx)
		cancel()

		result := CheckResult{Name: check.Name, Status: StatusUp}
		if err != nil {
			result.Status = StatusDown
			result.Error = err.Error()
			report.Status = StatusDown
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}

// Handler serves the aggregate health report (readiness + liveness combined).
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())

		code := http.StatusOK
		if report.Status == StatusDown {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(report)
	}
}

// LiveHandler always reports UP while the process is running.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Report{Status: StatusUp})
	}
}

// ReadyHandler is an alias for Handler; readiness runs the full check set.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.Handler()
}
