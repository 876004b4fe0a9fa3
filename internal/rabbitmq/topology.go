package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology describes the exchanges, queues, and bindings a service
// needs for its own traffic. Topology is configuration: it is
// declared up front, never discovered at runtime.
type Topology struct {
	// Exchange is the primary topic exchange for service events.
	Exchange string

	// DeadLetterExchange receives rejected and expired messages.
	DeadLetterExchange string

	// Queue is the service's consume queue, bound to Exchange.
	Queue string

	// DeadLetterQueue collects everything routed through the
	// dead-letter exchange.
	DeadLetterQueue string

	// RoutingKeys are the patterns Queue is bound with.
	RoutingKeys []string

	// MessageTTLMillis expires unconsumed messages into the
	// dead-letter exchange.
	MessageTTLMillis int64
}

// Declare sets up the full topology on the given channel: both
// exchanges, the primary queue with dead-letter routing and TTL, the
// dead-letter queue, and all bindings.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		t.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.Exchange, err)
	}

	if err := ch.ExchangeDeclare(
		t.DeadLetterExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange %s: %w", t.DeadLetterExchange, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange": t.DeadLetterExchange,
	}
	if t.MessageTTLMillis > 0 {
		args["x-message-ttl"] = t.MessageTTLMillis
	}

	if _, err := ch.QueueDeclare(
		t.Queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.Queue, err)
	}

	for _, key := range t.RoutingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s with key %s: %w",
				t.Queue, t.Exchange, key, err)
		}
	}

	if _, err := ch.QueueDeclare(
		t.DeadLetterQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	// Rejected messages keep their original routing key, so the DLQ
	// binds with a catch-all pattern.
	if err := ch.QueueBind(t.DeadLetterQueue, "#", t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	return nil
}

// DeclareWith declares the topology using a pooled channel.
func (t Topology) DeclareWith(ctx context.Context, pool *ChannelPool) error {
	return pool.Execute(ctx, t.Declare)
}
