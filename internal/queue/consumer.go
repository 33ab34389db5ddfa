package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/todo"
)

// Config holds consumer configuration.
type Config struct {
	// BatchTimeout bounds one Process call; exceeding it is a retryable
	// failure (messages are nacked, not acknowledged)
	BatchTimeout time.Duration

	// MaxAttempts is the delivery budget per message; a message delivered
	// this many times without success is dead-lettered instead of retried
	MaxAttempts int

	// Logger for consumer activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchTimeout: 30 * time.Second,
		MaxAttempts:  5,
		Logger:       log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Consumer pulls message batches and drives them through the pipeline.
//
// Outcome mapping:
//   - malformed payload (bad JSON, schema violation): dead-lettered
//     immediately, validation failures are never retryable
//   - Process error (primary commit failure, batch timeout): nacked for
//     redelivery, or dead-lettered once the attempt budget is exhausted
//   - Process success: all consumed messages acknowledged, including those
//     whose items were dropped by stage-1 validation (drops are counted in
//     stats, not retried)
type Consumer struct {
	queue     Queue
	processor *pipeline.Processor
	config    *Config
}

// New creates a Consumer. If config is nil, defaults are used.
func New(q Queue, processor *pipeline.Processor, config *Config) (*Consumer, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	return &Consumer{
		queue:     q,
		processor: processor,
		config:    config,
	}, nil
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.config.Logger.Println("Consumer started")

	for {
		msgs, err := c.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.config.Logger.Println("Consumer stopped")
				return nil
			}
			c.config.Logger.Printf("Receive error: %v", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		c.HandleBatch(ctx, msgs)
	}
}

// HandleBatch processes one delivered batch and settles every message.
func (c *Consumer) HandleBatch(ctx context.Context, msgs []Message) {
	raws := make([]todo.RawTodo, 0, len(msgs))
	live := make([]Message, 0, len(msgs))

	for _, msg := range msgs {
		if err := todo.ValidateRawPayload(msg.Body()); err != nil {
			c.deadLetter(msg, fmt.Sprintf("malformed payload: %v", err))
			continue
		}

		var raw todo.RawTodo
		if err := json.Unmarshal(msg.Body(), &raw); err != nil {
			c.deadLetter(msg, fmt.Sprintf("undecodable payload: %v", err))
			continue
		}

		raws = append(raws, raw)
		live = append(live, msg)
	}

	if len(live) == 0 {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.config.BatchTimeout)
	defer cancel()

	_, stats, err := c.processor.Process(pctx, raws)
	if err != nil {
		c.config.Logger.Printf("Batch of %d failed (attempting redelivery): %v", len(live), err)
		for _, msg := range live {
			if msg.Attempts() >= c.config.MaxAttempts {
				c.deadLetter(msg, fmt.Sprintf("retry budget exhausted after %d attempts: %v",
					msg.Attempts(), err))
				continue
			}
			if nackErr := msg.Nack(); nackErr != nil {
				c.config.Logger.Printf("Nack failed: %v", nackErr)
			}
		}
		return
	}

	for _, msg := range live {
		if ackErr := msg.Ack(); ackErr != nil {
			c.config.Logger.Printf("Ack failed: %v", ackErr)
		}
	}

	c.config.Logger.Printf("Batch done: %d in, %d processed, %d dropped, %d conflicts",
		stats.Input, stats.Processed, stats.ValidationDropped, stats.Conflicts)
}

func (c *Consumer) deadLetter(msg Message, reason string) {
	c.config.Logger.Printf("Dead-lettering message: %s", reason)
	if err := msg.DeadLetter(reason); err != nil {
		c.config.Logger.Printf("Dead-letter failed: %v", err)
	}
}
