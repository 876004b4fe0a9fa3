package attempts

import (
	"context"
	"sync"
)

// Tracker records completed delivery attempts per message id. Keeping
// the count outside the broker protects the redelivery ceiling from
// intermediaries that strip unknown headers: even if the attempt
// header is lost in transit, the local count keeps growing and the
// message still dead-letters at the ceiling.
type Tracker interface {
	// Increment records one more completed attempt and returns the
	// new total for the message.
	Increment(ctx context.Context, messageID string) (int, error)

	// Count returns the recorded attempts without changing them. Zero
	// for unknown messages.
	Count(ctx context.Context, messageID string) (int, error)

	// Clear forgets the message once it reached a terminal state.
	Clear(ctx context.Context, messageID string) error

	// Close releases any underlying resources.
	Close() error
}

// MemoryTracker keeps attempt counts in process memory. Counts do not
// survive a restart; services that need durability use SQLiteTracker.
type MemoryTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		counts: make(map[string]int),
	}
}

// Increment implements Tracker.
func (t *MemoryTracker) Increment(ctx context.Context, messageID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[messageID]++
	return t.counts[messageID], nil
}

// Count implements Tracker.
func (t *MemoryTracker) Count(ctx context.Context, messageID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.counts[messageID], nil
}

// Clear implements Tracker.
func (t *MemoryTracker) Clear(ctx context.Context, messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.counts, messageID)
	return nil
}

// Close implements Tracker.
func (t *MemoryTracker) Close() error {
	return nil
}
