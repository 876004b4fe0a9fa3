package contracts

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// Well-known header names carried on every message.
const (
	HeaderAttemptCount = "x-attempt-count"
	HeaderSourceSvc    = "x-source-service"
	HeaderCorrelation  = "x-correlation-id"
)

// DefaultContentType is applied when an envelope does not set one.
const DefaultContentType = "application/json"

// Envelope is the unit of transport between services. The payload is
// opaque to the messaging layer; business code de/serializes it.
type Envelope struct {
	// ID identifies the message across publish, redelivery, and
	// dead-lettering. Assigned at creation, stable for the message's
	// whole lifetime.
	ID string

	// RoutingKey selects the broker-level destination. Required.
	RoutingKey string

	// Payload is the opaque message body.
	Payload []byte

	// ContentType describes the payload encoding.
	ContentType string

	// CorrelationID links the message to the request or event that
	// caused it.
	CorrelationID string

	// Source names the publishing service.
	Source string

	// Headers carries free-form metadata round-tripped through the
	// broker.
	Headers map[string]string

	// Timestamp records when the envelope was created.
	Timestamp time.Time

	// AttemptCount is the number of completed delivery attempts.
	// Populated on inbound envelopes; zero on first delivery.
	AttemptCount int

	// DeliveryTag is the broker delivery handle. Present only on
	// inbound envelopes and consumed exactly once by the ack/nack
	// decision.
	DeliveryTag uint64

	// Redelivered reports whether the broker flagged this delivery as
	// a redelivery.
	Redelivered bool
}

// EnvelopeOption configures a new envelope.
type EnvelopeOption func(*Envelope)

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithContentType overrides the default content type.
func WithContentType(ct string) EnvelopeOption {
	return func(e *Envelope) {
		e.ContentType = ct
	}
}

// WithHeader adds a single metadata header.
func WithHeader(key, value string) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		e.Headers[key] = value
	}
}

// NewEnvelope creates an outbound envelope with a fresh message id.
func NewEnvelope(routingKey string, payload []byte, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		ID:          uuid.New().String(),
		RoutingKey:  routingKey,
		Payload:     payload,
		ContentType: DefaultContentType,
		Timestamp:   time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Validate checks the envelope is publishable.
func (e *Envelope) Validate() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ID, validation.Required),
		validation.Field(&e.RoutingKey, validation.Required),
		validation.Field(&e.ContentType, validation.Required),
	)
}

// Header returns the named metadata header, or "" when absent.
func (e *Envelope) Header(key string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}
