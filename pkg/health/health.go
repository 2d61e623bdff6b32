// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/cache"
	"github.com/benbjohnson/clock"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrNotReady is reported by ReadyCheck until its channel is closed.
var ErrNotReady = errors.New("not ready")

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Config holds checker configuration.
type Config struct {
	// CacheTTL is how long a check result is reused.
	CacheTTL time.Duration
	// Timeout bounds the checks run by the HTTP handlers.
	Timeout time.Duration
	Clock   clock.Clock
}

type resultKey = cache.TTLKey[string]

// Checker manages health checks.
type Checker struct {
	config  Config
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	results *cache.Cache[resultKey, Check]
}

// NewChecker creates a new health checker.
func NewChecker(config Config) *Checker {
	if config.CacheTTL == 0 {
		config.CacheTTL = 10 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Checker{
		config: config,
		checks: make(map[string]CheckFunc),
		results: cache.New[resultKey, Check](cache.Config{
			Name:  "health",
			Clock: config.Clock,
		}),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	c.results.Delete(c.key(name))
}

// Health returns the overall health status: healthy when every check
// passes, unhealthy when all fail, degraded otherwise.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	slices.Sort(names)

	checks := make([]Check, 0, len(names))
	failed := 0
	for _, name := range names {
		check := c.run(ctx, name)
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, check)
	}

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

func (c *Checker) run(ctx context.Context, name string) Check {
	key := c.key(name)
	if cached, ok := c.results.Get(key); ok {
		return cached
	}

	c.mu.RLock()
	checkFunc, ok := c.checks[name]
	c.mu.RUnlock()
	if !ok {
		return Check{Name: name, Status: StatusUnhealthy, Message: "check removed"}
	}

	start := c.config.Clock.Now()
	err := checkFunc(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: c.config.Clock.Now(),
		Duration:    c.config.Clock.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	c.results.Put(key, check)
	return check
}

func (c *Checker) key(name string) resultKey {
	return resultKey{ID: name, TTL: c.config.CacheTTL}
}

// HTTPHandler returns an HTTP handler for health checks. A degraded service
// still reports 200 so it keeps receiving traffic.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.health(r)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// ReadinessHandler returns a readiness probe handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, checks := c.health(r)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadyCheck passes once ready is closed, e.g. a transport's Ready channel.
func ReadyCheck(ready <-chan struct{}) CheckFunc {
	return func(context.Context) error {
		select {
		case <-ready:
			return nil
		default:
			return ErrNotReady
		}
	}
}

func (c *Checker) health(r *http.Request) (Status, []Check) {
	ctx, cancel := context.WithTimeout(r.Context(), c.config.Timeout)
	defer cancel()
	return c.Health(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
