package queue

import (
	"context"
	"sync"
)

// DeadLetter is a message diverted out of the normal processing path.
type DeadLetter struct {
	Body     []byte
	Attempts int
	Reason   string
}

// MemoryQueue is an in-process Queue with at-least-once semantics:
// unacknowledged or nacked messages are redelivered, dead-lettered
// messages land in an inspectable side list.
type MemoryQueue struct {
	maxBatch int

	mu      sync.Mutex
	pending []*memoryMessage
	dead    []DeadLetter

	// notify wakes a blocked Receive when messages become available
	notify chan struct{}
}

// NewMemoryQueue creates a queue delivering at most maxBatch messages per
// Receive call.
func NewMemoryQueue(maxBatch int) *MemoryQueue {
	if maxBatch < 1 {
		maxBatch = 16
	}
	return &MemoryQueue{
		maxBatch: maxBatch,
		notify:   make(chan struct{}, 1),
	}
}

// Publish enqueues one raw payload for delivery.
func (q *MemoryQueue) Publish(body []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, &memoryMessage{queue: q, body: body})
	q.mu.Unlock()

	q.wake()
}

// Receive implements Queue. It blocks until at least one message is
// available or the context is done.
func (q *MemoryQueue) Receive(ctx context.Context) ([]Message, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			n := len(q.pending)
			if n > q.maxBatch {
				n = q.maxBatch
			}
			batch := q.pending[:n]
			q.pending = q.pending[n:]

			msgs := make([]Message, 0, n)
			for _, m := range batch {
				m.attempts++
				msgs = append(msgs, m)
			}
			q.mu.Unlock()
			return msgs, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Depth returns the number of messages awaiting delivery.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DeadLetters returns a copy of the dead-letter list.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memoryMessage struct {
	queue    *MemoryQueue
	body     []byte
	attempts int
}

func (m *memoryMessage) Body() []byte {
	return m.body
}

func (m *memoryMessage) Attempts() int {
	return m.attempts
}

func (m *memoryMessage) Ack() error {
	return nil
}

func (m *memoryMessage) Nack() error {
	m.queue.mu.Lock()
	m.queue.pending = append(m.queue.pending, m)
	m.queue.mu.Unlock()

	m.queue.wake()
	return nil
}

func (m *memoryMessage) DeadLetter(reason string) error {
	m.queue.mu.Lock()
	m.queue.dead = append(m.queue.dead, DeadLetter{
		Body:     m.body,
		Attempts: m.attempts,
		Reason:   reason,
	})
	m.queue.mu.Unlock()
	return nil
}
