package reliability

import (
	"fmt"
	"math"
	"time"
)

// Policy describes the exponential backoff shared by connection retry
// and consumer redelivery decisions. It is immutable after creation.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// NewPolicy creates a backoff policy.
func NewPolicy(initial, max time.Duration, multiplier float64, maxAttempts int) Policy {
	return Policy{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
	}
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	if p.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be positive, got %v", p.InitialInterval)
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("max interval %v is below initial interval %v", p.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be at least 1.0, got %v", p.Multiplier)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Delay returns the wait before the given attempt, attempt >= 1.
// The result is min(initial * multiplier^(attempt-1), max); any
// overflow or non-finite intermediate value clamps to MaxInterval.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 || d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// Exhausted reports whether the given 1-based attempt count has
// reached the policy ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
