// Package asyncq provides an unbounded FIFO queue exposed as a pull
// channel. Producers never block and never drop while the queue is open;
// consumers read a single-subscriber channel that closes on Close.
package asyncq

import "sync"

// Queue is an unbounded single-consumer FIFO.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	out      chan T
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an open queue and starts its delivery pump.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		out:  make(chan T),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push appends v. Returns false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Out returns the delivery channel. It yields items in push order and is
// closed after Close. Only one goroutine may receive from it.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len reports the number of items not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close terminates the stream immediately. Idempotent. Items not yet
// taken by the consumer are discarded so Close never blocks on a gone
// reader.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.doneOnce.Do(func() { close(q.done) })
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// CloseAndDrain stops intake and closes the stream once every queued item
// has been handed to the consumer. The consumer must keep receiving until
// Out closes, otherwise the pump parks; a later Close aborts a parked
// drain.
func (q *Queue[T]) CloseAndDrain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			if q.closed {
				q.mu.Unlock()
				close(q.out)
				return
			}
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.done:
			}
			q.mu.Lock()
		}
		v := q.items[0]
		q.items = q.items[1:]
		if len(q.items) == 0 {
			q.items = nil
		}
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			close(q.out)
			return
		}
	}
}
