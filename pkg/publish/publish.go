// Package publish holds plumbing shared by the outbound protocol clients:
// connection state, the bounded disconnect queue, and message counters.
package publish

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the shared state shape for both publishers.
// Transitions are linear except that Failed and Disconnected both permit
// re-entry into Connecting.
type ConnectionState int

const (
	// StateDisconnected means no connection and no reconnect loop running
	StateDisconnected ConnectionState = iota

	// StateConnecting means the reconnect loop is attempting a transport
	StateConnecting

	// StateConnected means the transport is established
	StateConnected

	// StateFailed means the last attempt failed; the loop retries with
	// backoff unless it was cancelled
	StateFailed
)

// String returns the wire/display name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the state plus the failure reason for display.
type Status struct {
	State  ConnectionState `json:"-"`
	Reason string          `json:"reason,omitempty"`
}

// StateName is the JSON-friendly state string.
func (s Status) StateName() string { return s.State.String() }

// Entry is one outbound message held while a publisher is disconnected.
type Entry struct {
	// Destination is the topic or endpoint label for the payload
	Destination string

	// Payload is the serialized message
	Payload []byte

	// QoS and Retain carry broker flags for sinks that use them
	QoS    byte
	Retain bool

	// Enqueued is when the entry was queued
	Enqueued time.Time
}

// DefaultQueueCapacity bounds the disconnect queue when no capacity is
// configured.
const DefaultQueueCapacity = 250

// Queue is a bounded FIFO of pending messages. When full, the oldest entry
// is dropped to make room for the newest. Push reports the drop so the
// caller can log and count it.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	drops    uint64
}

// NewQueue creates a queue. Capacity below 1 uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends an entry, evicting the oldest entry first when full.
// Returns the evicted entry and true when an eviction happened.
func (q *Queue) Push(e Entry) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped Entry
	var didDrop bool
	if len(q.entries) >= q.capacity {
		dropped = q.entries[0]
		q.entries = q.entries[1:]
		q.drops++
		didDrop = true
	}
	q.entries = append(q.entries, e)
	return dropped, didDrop
}

// Drain removes and returns all entries, oldest first.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = nil
	return out
}

// Restore puts unsent entries back at the head of the queue, preserving
// their original order. Used when a flush fails partway. If restoring
// overflows capacity, the oldest entries are dropped and counted.
func (q *Queue) Restore(entries []Entry) {
	if len(entries) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(append([]Entry{}, entries...), q.entries...)
	if over := len(q.entries) - q.capacity; over > 0 {
		q.entries = q.entries[over:]
		q.drops += uint64(over)
	}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drops returns the total number of entries evicted by overflow.
func (q *Queue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// Counters tracks per-sink message accounting. Rate-limited drops are
// distinct from queue-overflow drops so telemetry can tell them apart.
type Counters struct {
	sent      atomic.Uint64
	queued    atomic.Uint64
	rateDrops atomic.Uint64
}

// Sent counts a successfully written message.
func (c *Counters) Sent() { c.sent.Add(1) }

// Queued counts a message parked in the disconnect queue.
func (c *Counters) Queued() { c.queued.Add(1) }

// RateDrop counts a message rejected by the rate limiter.
func (c *Counters) RateDrop() { c.rateDrops.Add(1) }

// CounterSnapshot is a point-in-time view for status display.
type CounterSnapshot struct {
	Sent      uint64 `json:"sent"`
	Queued    uint64 `json:"queued"`
	RateDrops uint64 `json:"rate_drops"`
}

// Snapshot returns current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Sent:      c.sent.Load(),
		Queued:    c.queued.Load(),
		RateDrops: c.rateDrops.Load(),
	}
}

// Backoff computes the reconnect delay for the given attempt number:
// min(base * 2^attempts, max). Attempt 0 returns base.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
