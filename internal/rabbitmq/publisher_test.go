package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksmelnyk/messaging/contracts"
)

func newTestPublisher(t *testing.T, options ...PublisherOption) *Publisher {
	t.Helper()
	cm := NewConnectionManager("amqp://localhost:5672/", testPolicy(1))
	cm.dial = func(url string) (*amqp.Connection, error) {
		return nil, assert.AnError
	}
	t.Cleanup(func() { cm.Close() })
	return NewPublisher(cm, "events", options...)
}

func TestPublisherPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects an invalid envelope before touching the broker", func(t *testing.T) {
		p := newTestPublisher(t)

		env := contracts.NewEnvelope("", []byte("x"))
		err := p.Publish(ctx, env)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "events", pubErr.Exchange)
		assert.Contains(t, pubErr.Error(), "invalid envelope")
	})

	t.Run("fails after close", func(t *testing.T) {
		p := newTestPublisher(t)
		require.NoError(t, p.Close())

		err := p.Publish(ctx, contracts.NewEnvelope("k", nil))
		assert.ErrorIs(t, err, ErrPublisherClosed)
	})

	t.Run("fails fast while the broker applies backpressure", func(t *testing.T) {
		p := newTestPublisher(t)
		p.manager.setState(Blocked)

		err := p.Publish(ctx, contracts.NewEnvelope("k", nil))
		assert.ErrorIs(t, err, ErrConnectionBlocked)
	})

	t.Run("propagates connection failures", func(t *testing.T) {
		p := newTestPublisher(t)

		env := contracts.NewEnvelope("booking.confirmed.v1", []byte("x"))
		err := p.Publish(ctx, env)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, env.ID, pubErr.MessageID)
		assert.ErrorIs(t, err, ErrMaxAttemptsReached)
	})
}

func TestPublisherClose(t *testing.T) {
	p := newTestPublisher(t)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestAwaitConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("broker ack", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation, 1)
		confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

		assert.NoError(t, awaitConfirm(ctx, confirms, time.Second))
	})

	t.Run("broker nack", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation, 1)
		confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}

		assert.ErrorIs(t, awaitConfirm(ctx, confirms, time.Second), ErrPublishNacked)
	})

	t.Run("confirm stream closed", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation)
		close(confirms)

		assert.ErrorIs(t, awaitConfirm(ctx, confirms, time.Second), ErrConnectionClosed)
	})

	t.Run("timeout", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation)

		start := time.Now()
		err := awaitConfirm(ctx, confirms, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrConfirmTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("context cancellation", func(t *testing.T) {
		confirms := make(chan amqp.Confirmation)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, awaitConfirm(cancelled, confirms, time.Second), context.Canceled)
	})
}

func TestBuildPublishing(t *testing.T) {
	t.Run("maps envelope fields", func(t *testing.T) {
		env := contracts.NewEnvelope("booking.confirmed.v1", []byte(`{"id":1}`),
			contracts.WithCorrelationID("corr-1"),
			contracts.WithHeader("x-tenant", "acme"),
		)

		pub := buildPublishing(env, "booking-service")

		assert.Equal(t, env.ID, pub.MessageId)
		assert.Equal(t, "application/json", pub.ContentType)
		assert.Equal(t, "corr-1", pub.CorrelationId)
		assert.Equal(t, []byte(`{"id":1}`), pub.Body)
		assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
		assert.Equal(t, "acme", pub.Headers["x-tenant"])
		assert.Equal(t, "booking-service", pub.Headers[contracts.HeaderSourceSvc])
		assert.NotContains(t, pub.Headers, contracts.HeaderAttemptCount)
	})

	t.Run("carries the attempt count of a redelivery", func(t *testing.T) {
		env := contracts.NewEnvelope("k", nil)
		env.AttemptCount = 2

		pub := buildPublishing(env, "")
		assert.Equal(t, "2", pub.Headers[contracts.HeaderAttemptCount])
	})

	t.Run("keeps a caller-set source header", func(t *testing.T) {
		env := contracts.NewEnvelope("k", nil,
			contracts.WithHeader(contracts.HeaderSourceSvc, "upstream"))

		pub := buildPublishing(env, "local")
		assert.Equal(t, "upstream", pub.Headers[contracts.HeaderSourceSvc])
	})

	t.Run("generates a message id when missing", func(t *testing.T) {
		env := &contracts.Envelope{RoutingKey: "k"}

		pub := buildPublishing(env, "")
		_, err := uuid.Parse(pub.MessageId)
		assert.NoError(t, err)
	})

	t.Run("stamps a timestamp when missing", func(t *testing.T) {
		env := &contracts.Envelope{ID: "msg-1", RoutingKey: "k"}

		pub := buildPublishing(env, "")
		assert.False(t, pub.Timestamp.IsZero())
	})
}
