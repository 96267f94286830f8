package call

import "sync"

// fifo is an unbounded queue drained by a single consumer. Producers never
// block; the consumer blocks in Pop until an item arrives or the queue is
// closed. Both the command dispatcher and the message router are built on
// it: the serialization they provide comes from having exactly one
// consumer, not from locking in the handlers.
type fifo[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

func newFIFO[T any]() *fifo[T] {
	q := &fifo[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It reports false if the queue is closed.
func (q *fifo[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Pop removes and returns the oldest item, blocking until one is available.
// It returns false once the queue is closed and drained.
func (q *fifo[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close stops the queue. Remaining items are still delivered to Pop.
func (q *fifo[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *fifo[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
