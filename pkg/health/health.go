// Package health exposes liveness and readiness probes for a server
// process.
package health

import (
	"sync"
	"time"

	"github.com/motivemetrics/zerog/pkg/build"
)

// Status represents the health status
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Response represents a health check response
type Response struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	State     string    `json:"state,omitempty"`
}

// StateFunc reports the supervisor's current state string for inclusion in
// probe responses. May be nil.
type StateFunc func() string

// Checker provides health check functionality
type Checker struct {
	state StateFunc

	mu    sync.RWMutex
	ready bool
}

// NewChecker creates a new health checker. It reports not-ready until
// SetReady(true).
func NewChecker(state StateFunc) *Checker {
	return &Checker{state: state}
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessCheck performs a liveness check
func (c *Checker) LivenessCheck() Response {
	return c.respond(StatusOK)
}

// ReadinessCheck reports failed until the server has started.
func (c *Checker) ReadinessCheck() Response {
	status := StatusOK
	if !c.IsReady() {
		status = StatusFailed
	}
	return c.respond(status)
}

// HealthCheck performs a full health check
func (c *Checker) HealthCheck() Response {
	return c.ReadinessCheck()
}

func (c *Checker) respond(status Status) Response {
	resp := Response{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   build.Version,
	}
	if c.state != nil {
		resp.State = c.state()
	}
	return resp
}
