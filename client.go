package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maksmelnyk/messaging/contracts"
	"github.com/maksmelnyk/messaging/health"
	"github.com/maksmelnyk/messaging/internal/attempts"
	"github.com/maksmelnyk/messaging/internal/rabbitmq"
)

// Publisher sends envelopes to the platform's event exchange. Publish
// blocks until the broker confirms the message or the configured
// confirm timeout elapses. Failures are returned to the caller and
// never retried by this layer.
type Publisher interface {
	Publish(ctx context.Context, env *contracts.Envelope) error
}

// Client is a service's entry point to the messaging layer. It owns
// the single broker connection and hands out publishers and consumer
// loops built on it.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	tracker   attempts.Tracker

	republishFromDLQ bool
	republishDelay   time.Duration
}

type clientConfig struct {
	logger           *slog.Logger
	republishFromDLQ bool
	republishDelay   time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDeadLetterRepublish makes the dead-letter consumer re-publish
// messages to the primary exchange after the given delay instead of
// terminally sinking them.
func WithDeadLetterRepublish(delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.republishFromDLQ = true
		c.republishDelay = delay
	}
}

// NewClient validates the configuration and wires the messaging
// components. No broker connection is made yet; the first publish or
// consume triggers it.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid messaging configuration: %w", err)
	}

	cc := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cc)
	}
	logger := cc.logger.With("component", "messaging")

	manager := rabbitmq.NewConnectionManager(
		cfg.URI(),
		cfg.retryPolicy(),
		rabbitmq.WithConnectionLogger(logger),
	)

	// A couple of spare channels beyond the consumer count covers
	// topology declarations and health probes.
	pool, err := rabbitmq.NewChannelPool(manager, cfg.ConcurrentConsumers+2)
	if err != nil {
		return nil, err
	}

	publisher := rabbitmq.NewPublisher(
		manager,
		cfg.Exchange,
		rabbitmq.WithConfirmTimeout(cfg.PublishConfirmTimeout),
		rabbitmq.WithPublisherSource(cfg.ServiceName),
		rabbitmq.WithPublisherLogger(logger),
	)

	var tracker attempts.Tracker
	if cfg.AttemptStorePath != "" {
		tracker, err = attempts.NewSQLiteTracker(cfg.AttemptStorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open attempt store: %w", err)
		}
	} else {
		tracker = attempts.NewMemoryTracker()
	}

	return &Client{
		cfg:              cfg,
		logger:           logger,
		manager:          manager,
		pool:             pool,
		publisher:        publisher,
		tracker:          tracker,
		republishFromDLQ: cc.republishFromDLQ,
		republishDelay:   cc.republishDelay,
	}, nil
}

// Publisher returns the shared confirmed publisher. Safe for
// concurrent callers.
func (c *Client) Publisher() Publisher {
	return c.publisher
}

// Connected reports whether the broker connection is currently up.
// Suitable for readiness checks.
func (c *Client) Connected() bool {
	state := c.manager.State()
	return state == rabbitmq.Connected || state == rabbitmq.Blocked
}

// OnConnectionStateChange registers a callback for connection state
// transitions, reported by name. The callback runs on its own
// goroutine.
func (c *Client) OnConnectionStateChange(fn func(from, to string)) {
	c.manager.AddStateListener(stateListenerFunc(fn))
}

// HealthCheckers returns checks for the broker connection and the
// service queue, ready to register on a health endpoint. Running the
// broker check dials the connection if it is not up yet.
func (c *Client) HealthCheckers() []health.Checker {
	return []health.Checker{
		health.NewBrokerChecker(c.manager),
		health.NewQueueChecker(c.cfg.QueueName(), c.pool),
	}
}

// StartConsuming binds the service queue to the given routing-key
// patterns and dispatches deliveries to handler until ctx is
// cancelled. It blocks; run it on its own goroutine. Returns a setup
// error if topology declaration or subscription fails.
func (c *Client) StartConsuming(ctx context.Context, routingKeys []string, handler contracts.Handler) error {
	consumer := rabbitmq.NewConsumer(
		c.pool,
		c.cfg.topology(routingKeys),
		c.tracker,
		rabbitmq.WithPrefetch(c.cfg.PrefetchCount),
		rabbitmq.WithWorkers(c.cfg.ConcurrentConsumers),
		rabbitmq.WithMaxDeliveryAttempts(c.cfg.RetryCount),
		rabbitmq.WithShutdownGracePeriod(c.cfg.ShutdownGracePeriod),
		rabbitmq.WithConsumerLogger(c.logger),
	)

	if err := consumer.Setup(ctx); err != nil {
		return err
	}
	return consumer.Start(ctx, handler)
}

// StartDeadLetterConsumer drains the dead-letter queue until ctx is
// cancelled. It blocks; run it on its own goroutine, independent of
// the primary consumer.
func (c *Client) StartDeadLetterConsumer(ctx context.Context) error {
	opts := []rabbitmq.DeadLetterOption{
		rabbitmq.WithDeadLetterLogger(c.logger),
		rabbitmq.WithAttemptTracker(c.tracker),
	}
	if c.republishFromDLQ {
		opts = append(opts, rabbitmq.WithRepublish(c.publisher, c.republishDelay, c.cfg.RetryCount))
	}

	dlq := rabbitmq.NewDeadLetterConsumer(c.pool, c.cfg.topology(nil), opts...)

	if err := dlq.Setup(ctx); err != nil {
		return err
	}
	return dlq.Start(ctx)
}

// Close releases everything the client owns: publisher channel,
// pooled channels, the broker connection, and the attempt store.
// Consumers stop via their contexts before Close is called.
func (c *Client) Close() error {
	var errs []error

	if err := c.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}
	if err := c.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("channel pool close: %w", err))
	}
	if err := c.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("connection close: %w", err))
	}
	if err := c.tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("attempt store close: %w", err))
	}

	return errors.Join(errs...)
}

// stateListenerFunc adapts a plain function to the internal state
// listener interface.
type stateListenerFunc func(from, to string)

func (f stateListenerFunc) OnStateChange(from, to rabbitmq.State) {
	f(from.String(), to.String())
}
