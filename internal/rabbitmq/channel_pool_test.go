package rabbitmq

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, maxSize int) *ChannelPool {
	t.Helper()
	cm := NewConnectionManager("amqp://localhost:5672/", testPolicy(1))
	cm.dial = func(url string) (*amqp.Connection, error) {
		return nil, assert.AnError
	}
	t.Cleanup(func() { cm.Close() })

	pool, err := NewChannelPool(cm, maxSize)
	require.NoError(t, err)
	return pool
}

func TestNewChannelPool(t *testing.T) {
	t.Run("requires a manager", func(t *testing.T) {
		_, err := NewChannelPool(nil, 5)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("requires a positive size", func(t *testing.T) {
		cm := NewConnectionManager("amqp://localhost:5672/", testPolicy(1))
		_, err := NewChannelPool(cm, 0)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestChannelPoolGet(t *testing.T) {
	t.Run("propagates connection failure", func(t *testing.T) {
		pool := newTestPool(t, 2)

		_, err := pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrMaxAttemptsReached)
		assert.Zero(t, pool.Size())
	})

	t.Run("fails after close", func(t *testing.T) {
		pool := newTestPool(t, 2)
		require.NoError(t, pool.Close())

		_, err := pool.Get(context.Background())
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
	})
}

func TestChannelPoolClose(t *testing.T) {
	pool := newTestPool(t, 2)

	assert.NoError(t, pool.Close())
	assert.NoError(t, pool.Close())
}

func TestChannelPoolPut(t *testing.T) {
	t.Run("nil return is ignored", func(t *testing.T) {
		pool := newTestPool(t, 2)

		pool.Put(nil)
		assert.Zero(t, pool.Size())
	})

	t.Run("return after close is dropped, not sent", func(t *testing.T) {
		pool := newTestPool(t, 2)
		require.NoError(t, pool.Close())

		// Must not panic on the pool's closed channel.
		pool.Put(&PooledChannel{})
		assert.Zero(t, pool.Size())
	})
}

func TestChannelPoolReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("failed create releases its slot", func(t *testing.T) {
		pool := newTestPool(t, 1)

		_, err := pool.Get(ctx)
		require.ErrorIs(t, err, ErrMaxAttemptsReached)
		assert.Zero(t, pool.Size())

		// A leaked slot would send this caller into the exhausted wait
		// instead of a fresh create attempt.
		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrMaxAttemptsReached)
	})

	t.Run("at capacity no new channel is opened", func(t *testing.T) {
		pool := newTestPool(t, 1)
		pool.mu.Lock()
		pool.activeCount = 1
		pool.mu.Unlock()

		_, err := pool.createReserved(ctx)
		assert.ErrorIs(t, err, ErrChannelPoolExhausted)
		assert.Equal(t, 1, pool.Size())
	})
}

func TestChannelPoolExecute(t *testing.T) {
	pool := newTestPool(t, 2)

	called := false
	err := pool.Execute(context.Background(), func(ch *amqp.Channel) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrMaxAttemptsReached)
	assert.False(t, called, "fn must not run without a channel")
}
