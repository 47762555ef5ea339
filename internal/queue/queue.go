// Package queue is the bounded conduit of job ids between submission and the
// worker loop.
//
// The discipline is drop-oldest: Enqueue never blocks, and when the queue is
// full the oldest unconsumed id is discarded to make room. Producers are
// serialized by a mutex; the single consumer reads the channel directly.
package queue

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 256

var (
	// ErrSaturated is returned by Enqueue when an older id was dropped to
	// make room. The new id was still enqueued.
	ErrSaturated = errors.New("queue saturated: oldest entry dropped")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
)

type Queue struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan string, capacity)}
}

// Enqueue adds id to the tail. If the queue is full it drops the oldest id,
// returns it, and reports ErrSaturated.
func (q *Queue) Enqueue(id string) (dropped string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	for {
		select {
		case q.ch <- id:
			return dropped, err
		default:
		}
		// Full: evict the head. The consumer may have emptied a slot in the
		// meantime, in which case nothing is dropped and the send retries.
		select {
		case old := <-q.ch:
			dropped, err = old, ErrSaturated
		default:
		}
	}
}

// Dequeue blocks until an id is available, ctx is done, or the queue is closed
// and drained. ok is false in the latter two cases.
func (q *Queue) Dequeue(ctx context.Context) (id string, ok bool) {
	select {
	case id, ok = <-q.ch:
		return id, ok
	case <-ctx.Done():
		return "", false
	}
}

// TryDequeue returns the head without blocking.
func (q *Queue) TryDequeue() (id string, ok bool) {
	select {
	case id, ok = <-q.ch:
		return id, ok
	default:
		return "", false
	}
}

// Drain removes and returns every id still queued.
func (q *Queue) Drain() []string {
	var ids []string
	for {
		id, ok := q.TryDequeue()
		if !ok {
			return ids
		}
		ids = append(ids, id)
	}
}

// Close stops accepting ids. Queued ids remain dequeueable. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }
