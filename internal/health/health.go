// Package health tracks the health of the sensor and detection components
package health

import (
	"sync"
	"time"
)

// Overall states reported by Status
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents overall system health
type Status struct {
	Status        string           `json:"status"` // ok, degraded, unhealthy
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Components    map[string]Check `json:"components"`
}

// Check represents a component health check
type Check struct {
	Healthy   bool      `json:"healthy"`
	Critical  bool      `json:"critical"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Probe reports the current health of a component
type Probe func() (healthy bool, message string)

type component struct {
	check Check
	probe Probe
}

// Checker tracks health of system components
type Checker struct {
	mu         sync.RWMutex
	version    string
	startTime  time.Time
	components map[string]component
}

// NewChecker creates a new health checker
func NewChecker(version string) *Checker {
	return &Checker{
		version:    version,
		startTime:  time.Now(),
		components: make(map[string]component),
	}
}

// Register adds a component whose state is read from probe on every
// Refresh. A failing critical component makes the whole system unhealthy,
// any other failure only degrades it.
func (c *Checker) Register(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components[name] = component{
		check: Check{Healthy: true, Critical: critical},
		probe: probe,
	}
}

// SetComponent updates a component's health status directly
func (c *Checker) SetComponent(name string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	comp := c.components[name]
	comp.check.Healthy = healthy
	comp.check.Message = message
	comp.check.LastCheck = time.Now()
	c.components[name] = comp
}

// Refresh runs every registered probe
func (c *Checker) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for name, comp := range c.components {
		if comp.probe == nil {
			continue
		}
		comp.check.Healthy, comp.check.Message = comp.probe()
		comp.check.LastCheck = now
		c.components[name] = comp
	}
}

// GetStatus refreshes the probes and returns the overall health status
func (c *Checker) GetStatus() Status {
	c.Refresh()

	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := make(map[string]Check, len(c.components))
	for name, comp := range c.components {
		checks[name] = comp.check
	}

	return Status{
		Status:        overall(checks),
		Version:       c.version,
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Components:    checks,
	}
}

func overall(checks map[string]Check) string {
	status := StatusOK
	for _, check := range checks {
		if check.Healthy {
			continue
		}
		if check.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// IsHealthy returns true if no critical component is failing
func (c *Checker) IsHealthy() bool {
	return c.GetStatus().Status != StatusUnhealthy
}
