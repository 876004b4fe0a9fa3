package contracts

import "context"

// Outcome is a handler's verdict on a delivery. It maps one-to-one
// onto the broker acknowledgement the consumer performs.
type Outcome int

const (
	// Ack marks the message as successfully processed.
	Ack Outcome = iota

	// Retry requeues the message for another attempt, subject to the
	// consumer's attempt ceiling.
	Retry

	// DeadLetter routes the message to the dead-letter exchange
	// immediately, without consuming a retry attempt.
	DeadLetter
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. Handlers must be idempotent: with
// at-least-once delivery the same message can arrive more than once.
// A panic inside a handler is treated as Retry by the consumer.
type Handler func(ctx context.Context, env *Envelope) Outcome
