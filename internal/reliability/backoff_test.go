package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDelay(t *testing.T) {
	t.Run("computes exponential delays", func(t *testing.T) {
		p := NewPolicy(100*time.Millisecond, 10*time.Second, 2.0, 5)

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{1, 100 * time.Millisecond},
			{2, 200 * time.Millisecond},
			{3, 400 * time.Millisecond},
			{4, 800 * time.Millisecond},
			{5, 1600 * time.Millisecond},
			{10, 10 * time.Second}, // saturated
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, p.Delay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("never exceeds max and is non-decreasing", func(t *testing.T) {
		p := NewPolicy(50*time.Millisecond, 3*time.Second, 1.7, 10)

		prev := time.Duration(0)
		for attempt := 1; attempt <= 50; attempt++ {
			d := p.Delay(attempt)
			assert.LessOrEqual(t, d, p.MaxInterval)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
		assert.Equal(t, p.MaxInterval, prev)
	})

	t.Run("clamps overflow to max", func(t *testing.T) {
		p := NewPolicy(time.Second, time.Hour, 10.0, 1000)

		// 10^999 seconds overflows any float or duration math.
		assert.Equal(t, time.Hour, p.Delay(1000))
	})

	t.Run("treats attempts below one as the first", func(t *testing.T) {
		p := NewPolicy(time.Second, time.Minute, 2.0, 3)

		assert.Equal(t, time.Second, p.Delay(0))
		assert.Equal(t, time.Second, p.Delay(-5))
	})

	t.Run("multiplier of one keeps delay constant", func(t *testing.T) {
		p := NewPolicy(250*time.Millisecond, time.Minute, 1.0, 5)

		for attempt := 1; attempt <= 20; attempt++ {
			assert.Equal(t, 250*time.Millisecond, p.Delay(attempt))
		}
	})
}

func TestPolicyExhausted(t *testing.T) {
	p := NewPolicy(time.Millisecond, time.Second, 2.0, 3)

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestPolicyValidate(t *testing.T) {
	t.Run("accepts sane parameters", func(t *testing.T) {
		p := NewPolicy(time.Second, 10*time.Second, 2.0, 3)
		assert.NoError(t, p.Validate())
	})

	tests := []struct {
		name   string
		policy Policy
	}{
		{"zero initial interval", NewPolicy(0, time.Second, 2.0, 3)},
		{"max below initial", NewPolicy(time.Second, time.Millisecond, 2.0, 3)},
		{"multiplier below one", NewPolicy(time.Second, time.Minute, 0.5, 3)},
		{"zero attempts", NewPolicy(time.Second, time.Minute, 2.0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.policy.Validate())
		})
	}
}
