package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels multiplexed over the single
// process connection. Channels are created lazily, validated on
// checkout, and replaced when the broker closed them.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *PooledChannel
	maxSize  int

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// NewChannelPool creates a pool over the given connection manager.
func NewChannelPool(manager *ConnectionManager, maxSize int) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}
	if maxSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1", ErrInvalidConfiguration)
	}

	return &ChannelPool{
		manager:  manager,
		channels: make(chan *PooledChannel, maxSize),
		maxSize:  maxSize,
	}, nil
}

// Manager exposes the underlying connection manager for state checks.
func (cp *ChannelPool) Manager() *ConnectionManager {
	return cp.manager
}

// Get retrieves a channel, creating one when none are idle and the
// pool is under its size limit.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		if ch.IsClosed() {
			cp.discard()
			return cp.createReserved(ctx)
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	ch, err := cp.createReserved(ctx)
	if err == nil || !errors.Is(err, ErrChannelPoolExhausted) {
		return ch, err
	}

	// At the limit: wait for a channel to come back.
	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		if ch.IsClosed() {
			cp.discard()
			return cp.createReserved(ctx)
		}
		ch.lastUsed = time.Now()
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, ErrChannelPoolExhausted
	}
}

// Put returns a channel to the pool. Closed channels are dropped so a
// later Get replaces them.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	// The send happens under the same lock Close uses before closing
	// the channel, so Put can never send on a closed channel.
	cp.mu.Lock()
	if cp.closed || channelUnusable(ch) {
		cp.mu.Unlock()
		cp.discard()
		if !channelUnusable(ch) {
			ch.Channel.Close()
		}
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
		cp.mu.Unlock()
	default:
		cp.mu.Unlock()
		ch.Channel.Close()
		cp.discard()
	}
}

// Execute runs fn with a pooled channel, returning it afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch.Channel)
}

// Close drains and closes all pooled channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if ch != nil && !channelUnusable(ch) {
			ch.Channel.Close()
		}
	}
	return nil
}

// Size returns the number of channels the pool currently owns.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// createReserved claims a pool slot before opening the channel, so
// racing callers can never push the pool past its size limit. A failed
// open releases the slot.
func (cp *ChannelPool) createReserved(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.activeCount >= cp.maxSize {
		cp.mu.Unlock()
		return nil, ErrChannelPoolExhausted
	}
	cp.activeCount++
	cp.mu.Unlock()

	conn, err := cp.manager.GetConnection(ctx)
	if err != nil {
		cp.discard()
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		cp.discard()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String(),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
	cp.mu.Unlock()
}

// channelUnusable reports whether the wrapped channel is missing or
// already closed.
func channelUnusable(ch *PooledChannel) bool {
	return ch.Channel == nil || ch.Channel.IsClosed()
}
