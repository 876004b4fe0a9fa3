package contracts

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps a Handler with cross-cutting behavior. Middleware
// composes around the handler's outcome, never around the broker
// acknowledgement itself.
type Middleware func(Handler) Handler

// Chain applies middleware around handler. The first middleware is
// outermost: Chain(h, a, b) runs a, then b, then h.
func Chain(handler Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// WithLogging logs every handled message with its outcome and
// duration.
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) Outcome {
			start := time.Now()
			outcome := next(ctx, env)

			logger.Info("message handled",
				"messageId", env.ID,
				"routingKey", env.RoutingKey,
				"outcome", outcome.String(),
				"attempt", env.AttemptCount,
				"duration", time.Since(start))
			return outcome
		}
	}
}

// WithTimeout bounds handler execution. A handler that overruns the
// deadline counts as a Retry; the delivery stays unresolved in the
// broker's eyes until the retry ceiling applies.
func WithTimeout(timeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) Outcome {
			timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan Outcome, 1)
			go func() {
				done <- next(timeoutCtx, env)
			}()

			select {
			case outcome := <-done:
				return outcome
			case <-timeoutCtx.Done():
				return Retry
			}
		}
	}
}
