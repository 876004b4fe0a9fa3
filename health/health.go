// Package health exposes liveness and readiness checks for the
// messaging layer, suitable for wiring into a service's health
// endpoint.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a single check.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult carries the outcome of one check run.
type CheckResult struct {
	Name      string
	Status    Status
	Message   string
	Error     string
	Duration  time.Duration
	Timestamp time.Time
	Details   map[string]interface{}
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a function-based checker.
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string { return c.name }

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

// Registry runs a set of checkers and aggregates their results.
type Registry struct {
	checkers []Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) *Registry {
	r.checkers = append(r.checkers, c)
	return r
}

// RunAll executes every registered checker and returns the individual
// results plus the worst status seen.
func (r *Registry) RunAll(ctx context.Context) ([]CheckResult, Status) {
	results := make([]CheckResult, 0, len(r.checkers))
	overall := StatusHealthy

	for _, c := range r.checkers {
		result := c.Check(ctx)
		if result.Status > overall {
			overall = result.Status
		}
		results = append(results, result)
	}

	return results, overall
}
