package rabbitmq

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/messaging/contracts"
	"github.com/maksmelnyk/messaging/internal/attempts"
)

// Consumer subscribes the service queue to its routing-key patterns
// and dispatches deliveries to a business handler through a bounded
// worker pool. Deliveries sharing a routing key land on the same
// worker, preserving per-key order; the prefetch limit caps how many
// deliveries are outstanding at once.
type Consumer struct {
	pool        *ChannelPool
	topology    Topology
	tracker     attempts.Tracker
	prefetch    int
	workers     int
	maxAttempts int
	gracePeriod time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	started bool
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetch caps unacknowledged deliveries outstanding to this
// consumer.
func WithPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithWorkers bounds handler dispatch concurrency.
func WithWorkers(count int) ConsumerOption {
	return func(c *Consumer) {
		c.workers = count
	}
}

// WithMaxDeliveryAttempts sets the redelivery ceiling after which a
// retried message is dead-lettered.
func WithMaxDeliveryAttempts(count int) ConsumerOption {
	return func(c *Consumer) {
		c.maxAttempts = count
	}
}

// WithShutdownGracePeriod bounds the wait for in-flight handlers on
// cancellation.
func WithShutdownGracePeriod(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.gracePeriod = d
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer for the given topology.
func NewConsumer(pool *ChannelPool, topology Topology, tracker attempts.Tracker, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:        pool,
		topology:    topology,
		tracker:     tracker,
		prefetch:    10,
		workers:     3,
		maxAttempts: 3,
		gracePeriod: 15 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Setup declares the consumer's topology. It must succeed before
// Start accepts the first delivery.
func (c *Consumer) Setup(ctx context.Context) error {
	if err := c.topology.DeclareWith(ctx, c.pool); err != nil {
		return &ConsumerError{Queue: c.topology.Queue, Op: "setup", Err: err}
	}
	return nil
}

// Start consumes until ctx is cancelled. In-flight handler
// invocations are allowed to reach a terminal ack/nack decision
// within the grace period before the channel is released.
func (c *Consumer) Start(ctx context.Context, handler contracts.Handler) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrConsumerStarted
	}
	c.started = true
	c.mu.Unlock()

	conn, err := c.pool.Manager().GetConnection(ctx)
	if err != nil {
		return &ConsumerError{Queue: c.topology.Queue, Op: "start", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{Queue: c.topology.Queue, Op: "start", Err: err}
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return &ConsumerError{Queue: c.topology.Queue, Op: "start", Err: fmt.Errorf("failed to set QoS: %w", err)}
	}

	tag := "consumer-" + uuid.New().String()
	deliveries, err := ch.Consume(
		c.topology.Queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return &ConsumerError{Queue: c.topology.Queue, Op: "start", Err: fmt.Errorf("failed to start consuming: %w", err)}
	}

	c.logger.Info("consuming started",
		"queue", c.topology.Queue,
		"routingKeys", c.topology.RoutingKeys,
		"prefetch", c.prefetch,
		"workers", c.workers)

	workerChs, wg := c.startWorkers(ctx, handler)

	c.dispatch(ctx, deliveries, workerChs)

	// Stop the broker feed, then let workers finish what they hold.
	if err := ch.Cancel(tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", "error", err)
	}
	c.drainWorkers(workerChs, wg)

	ch.Close()
	return ctx.Err()
}

// startWorkers launches the bounded worker pool. Each worker owns one
// buffered channel, so at most workers handler invocations run at any
// instant and deliveries for a routing key stay ordered.
func (c *Consumer) startWorkers(ctx context.Context, handler contracts.Handler) ([]chan amqp.Delivery, *sync.WaitGroup) {
	workerChs := make([]chan amqp.Delivery, c.workers)
	wg := &sync.WaitGroup{}
	for i := range workerChs {
		workerChs[i] = make(chan amqp.Delivery, 1)
		wg.Add(1)
		go func(in <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range in {
				c.process(ctx, d, handler)
			}
		}(workerChs[i])
	}
	return workerChs, wg
}

// drainWorkers closes the worker feeds and waits for every dispatched
// delivery, including ones sitting in worker buffers, to reach its
// terminal ack/nack, bounded by the grace period.
func (c *Consumer) drainWorkers(workerChs []chan amqp.Delivery, wg *sync.WaitGroup) {
	for _, wch := range workerChs {
		close(wch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("consumer drained", "queue", c.topology.Queue)
	case <-time.After(c.gracePeriod):
		c.logger.Warn("grace period exceeded waiting for in-flight deliveries",
			"queue", c.topology.Queue,
			"gracePeriod", c.gracePeriod)
	}
}

// dispatch routes deliveries to workers by routing-key hash until ctx
// is cancelled or the delivery stream closes.
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, workerChs []chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", c.topology.Queue)
				return
			}

			idx := workerIndex(d.RoutingKey, len(workerChs))
			select {
			case workerChs[idx] <- d:
			case <-ctx.Done():
				// Not dispatched: hand it straight back to the broker.
				if err := d.Nack(false, true); err != nil {
					c.logger.Warn("failed to requeue undispatched delivery", "error", err)
				}
				return
			}
		}
	}
}

// process runs the handler and turns its outcome into a terminal
// ack/nack decision. The delivery handle is used exactly once.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery, handler contracts.Handler) {
	env := envelopeFromDelivery(d)

	outcome := c.invoke(ctx, env, handler)

	switch outcome {
	case contracts.Ack:
		if err := d.Ack(false); err != nil {
			c.logger.Error("failed to ack delivery", "messageId", env.ID, "error", err)
			return
		}
		c.clearAttempts(env.ID)

	case contracts.DeadLetter:
		// The attempt record survives into the dead-letter queue so
		// the republish ceiling there stays enforceable.
		c.logger.Warn("dead-lettering message on handler request",
			"messageId", env.ID,
			"routingKey", env.RoutingKey)
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to reject delivery", "messageId", env.ID, "error", err)
		}

	case contracts.Retry:
		attempt := c.recordAttempt(ctx, env)
		if attempt >= c.maxAttempts {
			c.logger.Warn("attempt ceiling reached, dead-lettering",
				"messageId", env.ID,
				"routingKey", env.RoutingKey,
				"attempts", attempt)
			if err := d.Nack(false, false); err != nil {
				c.logger.Error("failed to reject delivery", "messageId", env.ID, "error", err)
			}
			return
		}

		c.logger.Info("requeueing message for retry",
			"messageId", env.ID,
			"routingKey", env.RoutingKey,
			"attempt", attempt)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to requeue delivery", "messageId", env.ID, "error", err)
		}
	}
}

// invoke shields the consumer from handler panics: a panicking
// handler counts as a Retry, never a lost delivery.
func (c *Consumer) invoke(ctx context.Context, env *contracts.Envelope, handler contracts.Handler) (outcome contracts.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"messageId", env.ID,
				"routingKey", env.RoutingKey,
				"panic", r)
			outcome = contracts.Retry
		}
	}()
	return handler(ctx, env)
}

// recordAttempt returns the completed attempt count for the message,
// taking the larger of the durable tracker and the round-tripped
// header. The tracker keeps the ceiling enforceable even when an
// intermediary strips the header.
func (c *Consumer) recordAttempt(ctx context.Context, env *contracts.Envelope) int {
	headerCount := env.AttemptCount + 1

	if env.ID == "" {
		return headerCount
	}

	tracked, err := c.tracker.Increment(ctx, env.ID)
	if err != nil {
		c.logger.Warn("attempt tracker unavailable, falling back to header count",
			"messageId", env.ID,
			"error", err)
		return headerCount
	}

	if headerCount > tracked {
		return headerCount
	}
	return tracked
}

func (c *Consumer) clearAttempts(messageID string) {
	if messageID == "" {
		return
	}
	if err := c.tracker.Clear(context.Background(), messageID); err != nil {
		c.logger.Warn("failed to clear attempt record", "messageId", messageID, "error", err)
	}
}

// workerIndex maps a routing key onto a worker so deliveries for the
// same key stay ordered.
func workerIndex(routingKey string, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(routingKey))
	return int(h.Sum32() % uint32(workers))
}

// envelopeFromDelivery maps a broker delivery onto the shared
// envelope.
func envelopeFromDelivery(d amqp.Delivery) *contracts.Envelope {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	attemptCount := 0
	if raw, ok := headers[contracts.HeaderAttemptCount]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			attemptCount = n
		}
	}

	return &contracts.Envelope{
		ID:            d.MessageId,
		RoutingKey:    d.RoutingKey,
		Payload:       d.Body,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		Headers:       headers,
		Timestamp:     d.Timestamp,
		AttemptCount:  attemptCount,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
	}
}
