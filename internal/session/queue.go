package session

import (
	"sync"
)

// messageQueue is a thread-safe FIFO of stream messages.
//
// The queue is unbounded so a fast-expanding task graph never blocks the
// scheduler loop on a slow consumer. Delivery is at-most-once: a message
// dequeued for a consumer that then disconnects is not replayed to the
// next consumer.
//
// The signal channel enables context-aware waiting in the streamer
// (buffered size 1; multiple enqueues coalesce into one wakeup).
type messageQueue struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
	signal chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		msgs:   make([]Message, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the queue. Safe from any
// goroutine. Returns false if the queue is closed; the message is dropped.
func (q *messageQueue) Enqueue(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.msgs = append(q.msgs, m)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue attempts to dequeue without blocking. The second return is
// false when the queue is currently empty.
func (q *messageQueue) TryDequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return Message{}, false
	}
	m := q.msgs[0]

	// Nil out the slot so the backing array does not retain payload
	// pointers until reallocation.
	q.msgs[0] = Message{}
	if len(q.msgs) == 1 {
		q.msgs = q.msgs[:0]
	} else {
		q.msgs = q.msgs[1:]
	}
	return m, true
}

// Wait returns a channel that signals when messages may be available.
// Use with select alongside ctx.Done; after a wakeup, drain via TryDequeue.
func (q *messageQueue) Wait() <-chan struct{} {
	return q.signal
}

// Drained reports whether the queue is closed with nothing left to read.
func (q *messageQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.msgs) == 0
}

// Len returns the current queue length.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close marks the queue complete and wakes all waiters. Idempotent.
func (q *messageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
