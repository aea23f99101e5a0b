// Package pending buffers client envelopes accepted before the upstream leg of
// a relay session is ready. A queue is drained exactly once and is then retired.
package pending

import (
	"errors"

	"github.com/router-for-me/RealtimeRelay/internal/envelope"
)

var (
	// ErrQueueFull is returned by Append once the queue reaches its limit.
	ErrQueueFull = errors.New("pending: queue is full")
	// ErrQueueRetired is returned by Append after the queue has been drained.
	ErrQueueRetired = errors.New("pending: queue already drained")
)

// Queue is an ordered, optionally bounded buffer. It is not safe for concurrent
// use; the owning relay session serializes access under its forward lock.
type Queue struct {
	items   []envelope.Envelope
	limit   int
	retired bool
}

// New returns an empty queue. limit <= 0 means unbounded.
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// Append adds env at the tail.
func (q *Queue) Append(env envelope.Envelope) error {
	if q.retired {
		return ErrQueueRetired
	}
	if q.limit > 0 && len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, env)
	return nil
}

// Drain returns the buffered envelopes in insertion order and retires the
// queue. Every later call returns nil.
func (q *Queue) Drain() []envelope.Envelope {
	if q.retired {
		return nil
	}
	q.retired = true
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int { return len(q.items) }

// Retired reports whether Drain has been called.
func (q *Queue) Retired() bool { return q.retired }

// Limit returns the configured bound, 0 when unbounded.
func (q *Queue) Limit() int {
	if q.limit < 0 {
		return 0
	}
	return q.limit
}
