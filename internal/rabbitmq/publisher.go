package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/messaging/contracts"
)

// Publisher sends envelopes to the primary exchange with publisher
// confirms. It owns one dedicated channel in confirm mode and
// serializes publishes on it, so overlapping callers never interleave
// frames. Failed publishes are returned to the caller, never retried
// here: re-attempting a side-effecting event is a business decision.
type Publisher struct {
	manager        *ConnectionManager
	exchange       string
	source         string
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   bool
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherSource stamps outbound messages with the originating
// service name.
func WithPublisherSource(source string) PublisherOption {
	return func(p *Publisher) {
		p.source = source
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher bound to the given exchange.
func NewPublisher(manager *ConnectionManager, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		exchange:       exchange,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends one envelope and blocks until the broker confirms it,
// the confirm timeout elapses, or the context is cancelled.
func (p *Publisher) Publish(ctx context.Context, env *contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: env.RoutingKey,
			MessageID:  env.ID,
			Err:        fmt.Errorf("invalid envelope: %w", err),
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.manager.State() == Blocked {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: env.RoutingKey,
			MessageID:  env.ID,
			Err:        ErrConnectionBlocked,
		}
	}

	if err := p.ensureChannel(ctx); err != nil {
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: env.RoutingKey,
			MessageID:  env.ID,
			Err:        err,
		}
	}

	if err := p.ch.PublishWithContext(
		ctx,
		p.exchange,
		env.RoutingKey,
		false, // mandatory
		false, // immediate
		buildPublishing(env, p.source),
	); err != nil {
		// The channel is suspect after a failed publish; rebuild it
		// on the next call.
		p.dropChannel()
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: env.RoutingKey,
			MessageID:  env.ID,
			Err:        err,
		}
	}

	if err := awaitConfirm(ctx, p.confirms, p.confirmTimeout); err != nil {
		if err != ErrPublishNacked {
			// The confirmation may still arrive later; the channel's
			// confirm stream would then be out of step with
			// publishes, so rebuild it.
			p.dropChannel()
		}
		if err == ctx.Err() {
			return err
		}
		return &PublishError{
			Exchange:   p.exchange,
			RoutingKey: env.RoutingKey,
			MessageID:  env.ID,
			Err:        err,
		}
	}

	p.logger.Debug("publish confirmed",
		"messageId", env.ID,
		"routingKey", env.RoutingKey)
	return nil
}

// awaitConfirm blocks until the broker confirms the last publish, the
// timeout elapses, or the context is cancelled.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, timeout time.Duration) error {
	select {
	case confirm, ok := <-confirms:
		if !ok {
			return ErrConnectionClosed
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}
		return nil

	case <-time.After(timeout):
		return ErrConfirmTimeout

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the publisher's channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.ch != nil && !p.ch.IsClosed() {
		err := p.ch.Close()
		p.ch = nil
		return err
	}
	p.ch = nil
	return nil
}

// ensureChannel opens the confirm-mode channel if it is missing or
// was closed underneath us. Caller holds p.mu.
func (p *Publisher) ensureChannel(ctx context.Context) error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}

	conn, err := p.manager.GetConnection(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publisher channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return nil
}

// dropChannel discards the current channel. Caller holds p.mu.
func (p *Publisher) dropChannel() {
	if p.ch != nil && !p.ch.IsClosed() {
		p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
}

// buildPublishing maps an envelope onto the wire representation.
func buildPublishing(env *contracts.Envelope, source string) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range env.Headers {
		headers[k] = v
	}
	if env.AttemptCount > 0 {
		headers[contracts.HeaderAttemptCount] = strconv.Itoa(env.AttemptCount)
	}
	if source != "" {
		if _, ok := headers[contracts.HeaderSourceSvc]; !ok {
			headers[contracts.HeaderSourceSvc] = source
		}
	}

	messageID := env.ID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	timestamp := env.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	return amqp.Publishing{
		MessageId:     messageID,
		ContentType:   env.ContentType,
		CorrelationId: env.CorrelationID,
		Headers:       headers,
		Timestamp:     timestamp,
		DeliveryMode:  amqp.Persistent,
		Body:          env.Payload,
	}
}
