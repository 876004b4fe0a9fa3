package health

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/messaging/internal/rabbitmq"
)

// queueDepthWarning marks a queue as degraded once this many messages
// sit unconsumed.
const queueDepthWarning = 10000

// connectionSource is the slice of the connection manager the broker
// checker needs. Satisfied by *rabbitmq.ConnectionManager.
type connectionSource interface {
	GetConnection(ctx context.Context) (*amqp.Connection, error)
	State() rabbitmq.State
}

// BrokerChecker reports whether the broker connection is usable.
// Backpressure from the broker degrades the result instead of failing
// it: consuming still works while publishes are held.
type BrokerChecker struct {
	source connectionSource
}

// NewBrokerChecker creates a checker over the given connection manager.
func NewBrokerChecker(source connectionSource) *BrokerChecker {
	return &BrokerChecker{source: source}
}

func (c *BrokerChecker) Name() string { return "rabbitmq" }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.source.GetConnection(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get broker connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "broker connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	state := c.source.State()
	if state == rabbitmq.Blocked {
		result.Status = StatusDegraded
		result.Message = "broker is applying backpressure, publishes are held"
	} else {
		result.Status = StatusHealthy
		result.Message = "broker connection is up"
	}

	result.Duration = time.Since(start)
	result.Details["state"] = state.String()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// channelExecutor is the slice of the channel pool the queue checker
// needs. Satisfied by *rabbitmq.ChannelPool.
type channelExecutor interface {
	Execute(ctx context.Context, fn func(*amqp.Channel) error) error
}

// QueueChecker verifies a queue exists and reports its depth. A deep
// queue degrades the result; consumers may be down or too slow.
type QueueChecker struct {
	queue string
	pool  channelExecutor
}

// NewQueueChecker creates a checker for the named queue.
func NewQueueChecker(queue string, pool channelExecutor) *QueueChecker {
	return &QueueChecker{queue: queue, pool: pool}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	err := c.pool.Execute(ctx, func(ch *amqp.Channel) error {
		queue, err := ch.QueueInspect(c.queue)
		if err != nil {
			return err
		}

		result.Details["message_count"] = queue.Messages
		result.Details["consumer_count"] = queue.Consumers

		if queue.Messages > queueDepthWarning {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("queue %s is backing up", c.queue)
		} else {
			result.Status = StatusHealthy
			result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
		}
		return nil
	})
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s is not accessible", c.queue)
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}
