package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/messaging/contracts"
	"github.com/maksmelnyk/messaging/internal/attempts"
)

// republisher re-injects a dead-lettered envelope into the primary
// exchange. Satisfied by *Publisher.
type republisher interface {
	Publish(ctx context.Context, env *contracts.Envelope) error
}

// DeadLetterConsumer drains the dead-letter queue on its own channel
// and subscription, so a stuck dead-letter pipeline never eats into
// the primary consumer's prefetch window. The default policy is to
// log and acknowledge: the queue is a terminal sink unless republish
// is configured.
type DeadLetterConsumer struct {
	pool             *ChannelPool
	topology         Topology
	logger           *slog.Logger
	tracker          attempts.Tracker
	republish        republisher
	republishDelay   time.Duration
	republishCeiling int

	mu      sync.Mutex
	started bool
}

// DeadLetterOption configures the dead-letter consumer.
type DeadLetterOption func(*DeadLetterConsumer)

// WithDeadLetterLogger sets the logger.
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(c *DeadLetterConsumer) {
		c.logger = logger
	}
}

// WithAttemptTracker consults the durable attempt record when judging
// the republish ceiling, so a stripped attempt header cannot restart
// the cycle.
func WithAttemptTracker(tracker attempts.Tracker) DeadLetterOption {
	return func(c *DeadLetterConsumer) {
		c.tracker = tracker
	}
}

// WithRepublish re-publishes dead-lettered messages to the primary
// exchange after the given delay, with an incremented attempt count.
// Messages at or past the ceiling stay terminal.
func WithRepublish(pub republisher, delay time.Duration, ceiling int) DeadLetterOption {
	return func(c *DeadLetterConsumer) {
		c.republish = pub
		c.republishDelay = delay
		c.republishCeiling = ceiling
	}
}

// NewDeadLetterConsumer creates a consumer for the topology's
// dead-letter queue.
func NewDeadLetterConsumer(pool *ChannelPool, topology Topology, options ...DeadLetterOption) *DeadLetterConsumer {
	c := &DeadLetterConsumer{
		pool:             pool,
		topology:         topology,
		logger:           slog.Default(),
		republishCeiling: 3,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Setup declares the topology this consumer depends on. Safe to call
// alongside the primary consumer's Setup; declarations are idempotent.
func (c *DeadLetterConsumer) Setup(ctx context.Context) error {
	if err := c.topology.DeclareWith(ctx, c.pool); err != nil {
		return &ConsumerError{Queue: c.topology.DeadLetterQueue, Op: "setup", Err: err}
	}
	return nil
}

// Start drains the dead-letter queue until ctx is cancelled.
func (c *DeadLetterConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrConsumerStarted
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.pool.Manager().GetConnection(ctx)
	if err != nil {
		return &ConsumerError{Queue: c.topology.DeadLetterQueue, Op: "start", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: c.topology.DeadLetterQueue, Op: "start", Err: err}
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return &ConsumerError{Queue: c.topology.DeadLetterQueue, Op: "start", Err: fmt.Errorf("failed to set QoS: %w", err)}
	}

	tag := "dlq-consumer-" + uuid.New().String()
	deliveries, err := ch.Consume(
		c.topology.DeadLetterQueue,
		tag,
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return &ConsumerError{Queue: c.topology.DeadLetterQueue, Op: "start", Err: fmt.Errorf("failed to start consuming: %w", err)}
	}

	c.logger.Info("dead-letter consumer started", "queue", c.topology.DeadLetterQueue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("dead-letter delivery stream closed", "queue", c.topology.DeadLetterQueue)
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *DeadLetterConsumer) handle(ctx context.Context, d amqp.Delivery) {
	env := envelopeFromDelivery(d)
	reason, originalQueue := deathInfo(d.Headers)

	// The durable record outranks the header: an intermediary that
	// strips the attempt header must not restart the republish cycle.
	attemptCount := env.AttemptCount
	if c.tracker != nil && env.ID != "" {
		if tracked, err := c.tracker.Count(ctx, env.ID); err == nil && tracked > attemptCount {
			attemptCount = tracked
		}
	}

	c.logger.Warn("message arrived in dead-letter queue",
		"messageId", env.ID,
		"routingKey", env.RoutingKey,
		"source", env.Header(contracts.HeaderSourceSvc),
		"attempts", attemptCount,
		"reason", reason,
		"originalQueue", originalQueue)

	if c.republish != nil && attemptCount < c.republishCeiling {
		env.AttemptCount = attemptCount
		c.delayedRepublish(ctx, d, env)
		return
	}

	// Terminal sink: the alert above is the record of this message.
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack dead-lettered message", "messageId", env.ID, "error", err)
		return
	}
	c.clearAttemptRecord(env.ID)
}

// clearAttemptRecord forgets a terminally sunk message so its id does
// not accumulate in the attempt store.
func (c *DeadLetterConsumer) clearAttemptRecord(messageID string) {
	if c.tracker == nil || messageID == "" {
		return
	}
	if err := c.tracker.Clear(context.Background(), messageID); err != nil {
		c.logger.Warn("failed to clear attempt record", "messageId", messageID, "error", err)
	}
}

func (c *DeadLetterConsumer) delayedRepublish(ctx context.Context, d amqp.Delivery, env *contracts.Envelope) {
	select {
	case <-time.After(c.republishDelay):
	case <-ctx.Done():
		// Shutting down before the delay elapsed: leave it queued.
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to requeue dead-lettered message", "messageId", env.ID, "error", err)
		}
		return
	}

	out := *env
	out.AttemptCount++
	out.DeliveryTag = 0
	out.Redelivered = false

	if err := c.republish.Publish(ctx, &out); err != nil {
		c.logger.Error("failed to republish dead-lettered message, leaving it queued",
			"messageId", env.ID,
			"error", err)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to requeue dead-lettered message", "messageId", env.ID, "error", err)
		}
		return
	}

	c.logger.Info("dead-lettered message republished",
		"messageId", env.ID,
		"routingKey", env.RoutingKey,
		"attempt", out.AttemptCount)

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack republished message", "messageId", env.ID, "error", err)
	}
}

// deathInfo pulls the rejection reason and originating queue from the
// broker-maintained x-death header.
func deathInfo(headers amqp.Table) (reason, queue string) {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return "", ""
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return "", ""
	}
	if r, ok := death["reason"].(string); ok {
		reason = r
	}
	if q, ok := death["queue"].(string); ok {
		queue = q
	}
	return reason, queue
}
