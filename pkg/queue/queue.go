// Package queue implements the bounded FIFOs that decouple the link workers.
package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Policy selects which item is lost when a full queue receives another.
type Policy int

const (
	// DropNewest rejects the incoming item.
	DropNewest Policy = iota
	// DropOldest evicts the head to make room for the incoming item.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// Queue is a bounded FIFO with a blocking, time-limited Take.
type Queue[T any] struct {
	ring     mpmc.RingBuffer[T]
	capacity int64
	policy   Policy
	count    atomic.Int64
	dropped  atomic.Uint64
	ready    chan struct{}
}

// New returns a queue holding at most capacity items.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		// The ring is sized above capacity; the count enforces the bound.
		ring:     ringbuf.New[T](uint32(2 * capacity)),
		capacity: int64(capacity),
		policy:   policy,
		ready:    make(chan struct{}, 1),
	}
}

// Put appends item, applying the drop policy if the queue is full. It
// reports whether an item (incoming or evicted) was dropped.
func (q *Queue[T]) Put(item T) (dropped bool) {
	if q.count.Load() >= q.capacity {
		if q.policy == DropNewest {
			q.dropped.Add(1)
			return true
		}
		if _, err := q.ring.Dequeue(); err == nil {
			q.count.Add(-1)
		}
		q.dropped.Add(1)
		dropped = true
	}

	if err := q.ring.Enqueue(item); err != nil {
		q.dropped.Add(1)
		return true
	}
	q.count.Add(1)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Take removes the head, waiting up to timeout for one to arrive. It returns
// false if the wait timed out or ctx was cancelled.
func (q *Queue[T]) Take(ctx context.Context, timeout time.Duration) (T, bool) {
	var timer *time.Timer
	for {
		item, err := q.ring.Dequeue()
		if err == nil {
			q.count.Add(-1)
			if timer != nil {
				timer.Stop()
			}
			return item, true
		}
		if !errors.Is(err, mpmc.ErrQueueEmpty) {
			var zero T
			return zero, false
		}

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-q.ready:
		case <-timer.C:
			var zero T
			return zero, false
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return int(q.count.Load())
}

// Cap returns the queue bound.
func (q *Queue[T]) Cap() int {
	return int(q.capacity)
}

// Dropped returns how many items the drop policy has discarded.
func (q *Queue[T]) Dropped() uint64 {
	return q.dropped.Load()
}
