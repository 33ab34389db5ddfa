// Package queue bridges an at-least-once message queue into the pipeline
// processor for low-latency, single-item synchronization that bypasses the
// full workflow orchestrator.
//
// The queue contract is abstract: any broker that can deliver message
// batches, redeliver on negative acknowledgement and divert exhausted
// messages to a dead-letter destination can satisfy it. An in-memory
// implementation is provided for tests and single-process deployments.
package queue

import "context"

// Message is one delivered queue message.
//
// Exactly one of Ack, Nack or DeadLetter is called per delivery. Nothing is
// acknowledged until processing succeeds, so a crash mid-processing simply
// results in redelivery.
type Message interface {
	// Body returns the raw payload (one RawTodo as JSON).
	Body() []byte

	// Attempts returns how many times this message has been delivered,
	// including the current delivery.
	Attempts() int

	// Ack marks the message consumed.
	Ack() error

	// Nack requests redelivery.
	Nack() error

	// DeadLetter diverts the message to the dead-letter destination.
	DeadLetter(reason string) error
}

// Queue delivers message batches. Receive blocks until at least one message
// is available or the context is done.
type Queue interface {
	Receive(ctx context.Context) ([]Message, error)
}
