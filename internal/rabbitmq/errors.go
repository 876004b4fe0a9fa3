package rabbitmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected       = errors.New("rabbitmq: not connected")
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionBlocked  = errors.New("rabbitmq: connection blocked by broker")
	ErrShuttingDown       = errors.New("rabbitmq: shutting down")
	ErrMaxAttemptsReached = errors.New("rabbitmq: maximum connection attempts reached")
	ErrAuthentication     = errors.New("rabbitmq: authentication failed")

	// Channel errors
	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	// Publisher errors
	ErrPublisherClosed = errors.New("rabbitmq: publisher is closed")
	ErrConfirmTimeout  = errors.New("rabbitmq: timed out waiting for publish confirmation")
	ErrPublishNacked   = errors.New("rabbitmq: publish rejected by broker")

	// Consumer errors
	ErrConsumerStarted = errors.New("rabbitmq: consumer already started")
	ErrConsumerClosed  = errors.New("rabbitmq: consumer is closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError wraps a failure to establish or keep a connection.
type ConnectionError struct {
	Op       string // operation that failed
	URL      string // sanitized connection URL
	Attempts int    // dial attempts made
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError wraps a failed publish. The messaging layer does not
// retry these; the caller decides whether re-attempting is safe.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to %s/%s: %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError wraps a consumer setup or teardown failure.
type ConsumerError struct {
	Queue string
	Op    string
	Err   error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// isAuthError reports whether the dial failure is an authentication
// rejection. These are operator configuration errors and are never
// retried.
func isAuthError(err error) bool {
	if errors.Is(err, amqp.ErrCredentials) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused
	}
	return false
}

// sanitizeURL strips credentials from a connection URL before it
// reaches a log line or error message.
func sanitizeURL(raw string) string {
	uri, err := amqp.ParseURI(raw)
	if err != nil {
		return "***"
	}
	uri.Password = "xxxxx"
	return uri.String()
}
