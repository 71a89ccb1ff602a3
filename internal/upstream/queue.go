package upstream

import (
	"sync"
)

// queue is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full, up to max items. Pushes beyond max are rejected so a stalled
// consumer cannot grow it without bound.
type queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	max      int
	closed   bool

	pushed  int64
	dropped int64
}

// newQueue creates a queue with the given initial capacity and bound.
func newQueue[T any](initialCapacity, max int) *queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if max < initialCapacity {
		max = initialCapacity
	}
	q := &queue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		max:      max,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. Returns false if the queue is closed or full.
func (q *queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count >= q.max {
		q.dropped++
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && q.capacity < q.max {
		q.grow()
	}
	if q.count == q.capacity {
		q.dropped++
		return false
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.pushed++

	q.cond.Signal()
	return true
}

// Pop removes and returns the oldest item, blocking until one is
// available. Returns false once the queue is closed and empty.
func (q *queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.count == 0 {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.count--

	return item, true
}

// Close wakes blocked consumers. Remaining items are still delivered.
func (q *queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current number of items.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the number of rejected pushes.
func (q *queue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// grow doubles capacity, capped at max. Must be called with lock held.
func (q *queue[T]) grow() {
	newCapacity := q.capacity * 2
	if newCapacity > q.max {
		newCapacity = q.max
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
}
