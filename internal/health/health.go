// Package health provides a registry of named subsystem health checkers.
//
// A failing critical check makes the process unhealthy. A failing
// non-critical check only marks it degraded: a halted vault still serves
// withdrawals, so it must stay in rotation.
package health

import (
	"context"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Report is the aggregate of one CheckAll run.
type Report struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Checks   []Status `json:"checks"`
}

// State renders the report as healthy, degraded or unhealthy.
func (r Report) State() string {
	switch {
	case !r.Healthy:
		return "unhealthy"
	case r.Degraded:
		return "degraded"
	default:
		return "healthy"
	}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a non-critical checker.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, false, check)
}

// RegisterCritical adds a checker whose failure makes the process unhealthy.
func (r *Registry) RegisterCritical(name string, check Checker) {
	r.add(name, true, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker in registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	rep := Report{Healthy: true, Checks: make([]Status, len(checkers))}
	for i, nc := range checkers {
		st := nc.check(ctx)
		st.Name = nc.name
		st.Critical = nc.critical
		rep.Checks[i] = st
		if st.Healthy {
			continue
		}
		if nc.critical {
			rep.Healthy = false
		} else {
			rep.Degraded = true
		}
	}
	return rep
}
