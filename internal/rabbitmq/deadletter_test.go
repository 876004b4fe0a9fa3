package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksmelnyk/messaging/contracts"
	"github.com/maksmelnyk/messaging/internal/attempts"
)

// stubRepublisher records republished envelopes and optionally fails.
type stubRepublisher struct {
	mu        sync.Mutex
	published []*contracts.Envelope
	err       error
}

func (s *stubRepublisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.published = append(s.published, env)
	return nil
}

func (s *stubRepublisher) envelopes() []*contracts.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*contracts.Envelope(nil), s.published...)
}

func TestDeadLetterConsumerHandle(t *testing.T) {
	ctx := context.Background()
	topology := Topology{Queue: "booking-queue", DeadLetterQueue: "dlq-exchange-queue"}

	t.Run("default policy logs and acknowledges", func(t *testing.T) {
		c := NewDeadLetterConsumer(nil, topology)
		ack := &fakeAcknowledger{}

		c.handle(ctx, newDelivery(ack, "msg-1", nil))

		assert.Equal(t, 1, ack.ackCount())
		assert.Empty(t, ack.nackCalls())
	})

	t.Run("republishes below the ceiling with an incremented attempt", func(t *testing.T) {
		pub := &stubRepublisher{}
		c := NewDeadLetterConsumer(nil, topology, WithRepublish(pub, 0, 3))
		ack := &fakeAcknowledger{}

		headers := amqp.Table{contracts.HeaderAttemptCount: "1"}
		c.handle(ctx, newDelivery(ack, "msg-1", headers))

		envs := pub.envelopes()
		require.Len(t, envs, 1)
		assert.Equal(t, "msg-1", envs[0].ID)
		assert.Equal(t, 2, envs[0].AttemptCount)
		assert.Zero(t, envs[0].DeliveryTag)
		assert.False(t, envs[0].Redelivered)
		assert.Equal(t, 1, ack.ackCount())
	})

	t.Run("stays terminal at the republish ceiling", func(t *testing.T) {
		pub := &stubRepublisher{}
		c := NewDeadLetterConsumer(nil, topology, WithRepublish(pub, 0, 3))
		ack := &fakeAcknowledger{}

		headers := amqp.Table{contracts.HeaderAttemptCount: "3"}
		c.handle(ctx, newDelivery(ack, "msg-1", headers))

		assert.Empty(t, pub.envelopes())
		assert.Equal(t, 1, ack.ackCount())
	})

	t.Run("ceiling holds when the attempt header is stripped", func(t *testing.T) {
		tracker := attempts.NewMemoryTracker()
		pub := &stubRepublisher{}
		c := NewDeadLetterConsumer(nil, topology,
			WithAttemptTracker(tracker),
			WithRepublish(pub, 0, 3))
		ack := &fakeAcknowledger{}

		// Three recorded attempts; the header was lost in transit.
		for i := 0; i < 3; i++ {
			_, err := tracker.Increment(ctx, "msg-1")
			require.NoError(t, err)
		}

		c.handle(ctx, newDelivery(ack, "msg-1", nil))

		assert.Empty(t, pub.envelopes(), "a stripped header must not restart the cycle")
		assert.Equal(t, 1, ack.ackCount())
	})

	t.Run("terminal ack clears the attempt record", func(t *testing.T) {
		tracker := attempts.NewMemoryTracker()
		c := NewDeadLetterConsumer(nil, topology, WithAttemptTracker(tracker))
		ack := &fakeAcknowledger{}

		_, err := tracker.Increment(ctx, "msg-1")
		require.NoError(t, err)

		c.handle(ctx, newDelivery(ack, "msg-1", nil))

		n, err := tracker.Count(ctx, "msg-1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("requeues when republish fails", func(t *testing.T) {
		pub := &stubRepublisher{err: assert.AnError}
		c := NewDeadLetterConsumer(nil, topology, WithRepublish(pub, 0, 3))
		ack := &fakeAcknowledger{}

		c.handle(ctx, newDelivery(ack, "msg-1", nil))

		require.Len(t, ack.nackCalls(), 1)
		assert.True(t, ack.nackCalls()[0].requeue)
		assert.Zero(t, ack.ackCount())
	})

	t.Run("requeues when cancelled during the republish delay", func(t *testing.T) {
		pub := &stubRepublisher{}
		c := NewDeadLetterConsumer(nil, topology, WithRepublish(pub, time.Minute, 3))
		ack := &fakeAcknowledger{}

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		c.handle(cancelled, newDelivery(ack, "msg-1", nil))

		assert.Empty(t, pub.envelopes())
		require.Len(t, ack.nackCalls(), 1)
		assert.True(t, ack.nackCalls()[0].requeue)
	})
}

func TestDeathInfo(t *testing.T) {
	t.Run("parses the first death entry", func(t *testing.T) {
		headers := amqp.Table{
			"x-death": []interface{}{
				amqp.Table{
					"reason": "rejected",
					"queue":  "booking-queue",
					"count":  int64(1),
				},
			},
		}

		reason, queue := deathInfo(headers)
		assert.Equal(t, "rejected", reason)
		assert.Equal(t, "booking-queue", queue)
	})

	t.Run("tolerates absent or malformed headers", func(t *testing.T) {
		reason, queue := deathInfo(nil)
		assert.Empty(t, reason)
		assert.Empty(t, queue)

		reason, queue = deathInfo(amqp.Table{"x-death": "garbage"})
		assert.Empty(t, reason)
		assert.Empty(t, queue)

		reason, queue = deathInfo(amqp.Table{"x-death": []interface{}{}})
		assert.Empty(t, reason)
		assert.Empty(t, queue)

		reason, queue = deathInfo(amqp.Table{"x-death": []interface{}{"not-a-table"}})
		assert.Empty(t, reason)
		assert.Empty(t, queue)
	})
}
