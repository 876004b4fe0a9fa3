package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/maksmelnyk/messaging/internal/reliability"
)

// State describes the connection lifecycle. One instance exists per
// process; everything else borrows channels from it.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Blocked
	ShuttingDown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Blocked:
		return "blocked"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// StateListener receives connection state transitions. Callbacks run
// on their own goroutine and must not block on the manager.
type StateListener interface {
	OnStateChange(from, to State)
}

// dialFunc abstracts amqp.Dial so connection behavior is testable
// without a broker.
type dialFunc func(url string) (*amqp.Connection, error)

// ConnectionManager owns the single broker connection for the
// process. It establishes the connection lazily, retries transient
// failures with exponential backoff, treats authentication rejections
// as fatal, and tracks broker blocked/unblocked/close signals as
// explicit state transitions.
type ConnectionManager struct {
	url    string
	policy reliability.Policy
	logger *slog.Logger
	dial   dialFunc

	mu    sync.Mutex
	conn  *amqp.Connection
	state State

	// connectMu serializes establishment so concurrent GetConnection
	// callers share one dial loop instead of racing the broker.
	connectMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []StateListener

	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionOption configures the ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// NewConnectionManager creates a manager for the given broker URL.
// No connection is made until the first GetConnection call.
func NewConnectionManager(url string, policy reliability.Policy, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:    url,
		policy: policy,
		logger: slog.Default(),
		dial:   amqp.Dial,
		state:  Disconnected,
		done:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// GetConnection returns the live connection, establishing it first if
// needed. Establishment dials up to the policy's MaxAttempts with
// backoff in between; an authentication rejection fails immediately.
func (cm *ConnectionManager) GetConnection(ctx context.Context) (*amqp.Connection, error) {
	if conn, ok := cm.current(); ok {
		return conn, nil
	}

	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	// Another caller may have connected while we waited.
	if conn, ok := cm.current(); ok {
		return conn, nil
	}
	if cm.State() == ShuttingDown {
		return nil, ErrShuttingDown
	}

	return cm.connect(ctx)
}

// State returns the current connection state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Close shuts the connection down. It is safe to call when the
// connection was never established, and safe to call more than once.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == ShuttingDown {
		cm.mu.Unlock()
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	cm.mu.Unlock()

	cm.setState(ShuttingDown)
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// AddStateListener registers a listener for state transitions.
func (cm *ConnectionManager) AddStateListener(l StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

// current returns the connection if it is usable right now. A blocked
// connection is still usable for consuming and acking; publishers
// check State separately.
func (cm *ConnectionManager) current() (*amqp.Connection, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state != Connected && cm.state != Blocked {
		return nil, false
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		cm.conn = nil
		return nil, false
	}
	return cm.conn, true
}

// connect runs the dial loop. Caller holds connectMu.
func (cm *ConnectionManager) connect(ctx context.Context) (*amqp.Connection, error) {
	cm.setState(Connecting)

	var lastErr error
	for attempt := 1; attempt <= cm.policy.MaxAttempts; attempt++ {
		conn, err := cm.dial(cm.url)
		if err == nil {
			closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
			blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

			cm.mu.Lock()
			if cm.state == ShuttingDown {
				cm.mu.Unlock()
				conn.Close()
				return nil, ErrShuttingDown
			}
			cm.conn = conn
			cm.mu.Unlock()

			cm.setState(Connected)
			go cm.monitor(conn, closeCh, blockedCh)

			cm.logger.Info("connected to broker",
				"url", sanitizeURL(cm.url),
				"attempt", attempt)
			return conn, nil
		}

		if isAuthError(err) {
			cm.setState(Disconnected)
			cm.logger.Error("broker rejected credentials, not retrying",
				"url", sanitizeURL(cm.url))
			return nil, &ConnectionError{
				Op:       "connect",
				URL:      sanitizeURL(cm.url),
				Attempts: attempt,
				Err:      fmt.Errorf("%w: %v", ErrAuthentication, err),
			}
		}

		lastErr = err
		if attempt == cm.policy.MaxAttempts {
			break
		}

		delay := cm.policy.Delay(attempt)
		cm.logger.Warn("broker connection failed, retrying",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			cm.setState(Disconnected)
			return nil, ctx.Err()
		case <-cm.done:
			return nil, ErrShuttingDown
		}
	}

	cm.setState(Disconnected)
	return nil, &ConnectionError{
		Op:       "connect",
		URL:      sanitizeURL(cm.url),
		Attempts: cm.policy.MaxAttempts,
		Err:      fmt.Errorf("%w: %v", ErrMaxAttemptsReached, lastErr),
	}
}

// monitor watches broker-initiated signals for one connection. On
// close the state drops to Disconnected and the next GetConnection
// call re-dials; blocked/unblocked toggles backpressure state.
func (cm *ConnectionManager) monitor(conn *amqp.Connection, closeCh chan *amqp.Error, blockedCh chan amqp.Blocking) {
	for {
		select {
		case err := <-closeCh:
			cm.mu.Lock()
			if cm.conn == conn {
				cm.conn = nil
			}
			shuttingDown := cm.state == ShuttingDown
			cm.mu.Unlock()

			if !shuttingDown {
				if err != nil {
					cm.logger.Error("broker connection lost", "error", err)
				}
				cm.setState(Disconnected)
			}
			return

		case b := <-blockedCh:
			if b.Active {
				cm.logger.Warn("broker blocked connection", "reason", b.Reason)
				cm.setState(Blocked)
			} else {
				cm.logger.Info("broker unblocked connection")
				cm.setState(Connected)
			}

		case <-cm.done:
			return
		}
	}
}

// setState performs a guarded transition and notifies listeners.
// ShuttingDown is terminal; Blocked can only be left for Connected.
func (cm *ConnectionManager) setState(to State) {
	cm.mu.Lock()
	from := cm.state
	if from == to || (from == ShuttingDown && to != ShuttingDown) {
		cm.mu.Unlock()
		return
	}
	cm.state = to
	cm.mu.Unlock()

	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	for _, l := range cm.listeners {
		go l.OnStateChange(from, to)
	}
}
