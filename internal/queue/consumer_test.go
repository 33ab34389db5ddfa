package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/state"
	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/todo"
)

// brokenStore fails every persist, making all Process calls fail.
type brokenStore struct{}

func (brokenStore) Name() string                                     { return "broken" }
func (brokenStore) Persist(ctx context.Context, _ []todo.Todo) error { return fmt.Errorf("db down") }

func newTestConsumer(t *testing.T, primary store.Store, q *MemoryQueue, maxAttempts int) *Consumer {
	t.Helper()
	registry := state.NewRegistry(primary, nil)
	processor, err := pipeline.New(pipeline.Deps{Sessions: registry}, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	consumer, err := New(q, processor, &Config{
		BatchTimeout: 5 * time.Second,
		MaxAttempts:  maxAttempts,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return consumer
}

func publishRaw(t *testing.T, q *MemoryQueue, raw todo.RawTodo) {
	t.Helper()
	body, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	q.Publish(body)
}

func TestHandleBatchAcksOnSuccess(t *testing.T) {
	q := NewMemoryQueue(16)
	consumer := newTestConsumer(t, nil, q, 3)

	publishRaw(t, q, todo.RawTodo{ID: "A", SessionID: "sess-1", Content: "hello", Version: 1})
	publishRaw(t, q, todo.RawTodo{ID: "B", SessionID: "sess-1", Content: "world", Version: 1})

	ctx := context.Background()
	msgs, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	consumer.HandleBatch(ctx, msgs)

	if depth := q.Depth(); depth != 0 {
		t.Errorf("expected empty queue after ack, depth=%d", depth)
	}
	if dead := q.DeadLetters(); len(dead) != 0 {
		t.Errorf("expected no dead letters, got %d", len(dead))
	}
}

func TestHandleBatchDeadLettersMalformed(t *testing.T) {
	q := NewMemoryQueue(16)
	consumer := newTestConsumer(t, nil, q, 3)

	q.Publish([]byte(`{broken json`))
	q.Publish([]byte(`{"content": "missing session"}`))
	publishRaw(t, q, todo.RawTodo{ID: "A", SessionID: "sess-1", Content: "fine", Version: 1})

	ctx := context.Background()
	msgs, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	consumer.HandleBatch(ctx, msgs)

	dead := q.DeadLetters()
	if len(dead) != 2 {
		t.Fatalf("expected 2 dead letters, got %d", len(dead))
	}
	for _, dl := range dead {
		if dl.Attempts != 1 {
			t.Errorf("malformed payloads must be dead-lettered on first delivery, attempts=%d", dl.Attempts)
		}
	}
	if depth := q.Depth(); depth != 0 {
		t.Errorf("valid message should be acked, depth=%d", depth)
	}
}

func TestHandleBatchNacksOnProcessFailure(t *testing.T) {
	q := NewMemoryQueue(16)
	consumer := newTestConsumer(t, brokenStore{}, q, 3)

	publishRaw(t, q, todo.RawTodo{ID: "A", SessionID: "sess-1", Content: "hello", Version: 1})

	ctx := context.Background()
	msgs, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	consumer.HandleBatch(ctx, msgs)

	// Nacked back onto the queue for redelivery, not dead-lettered.
	if depth := q.Depth(); depth != 1 {
		t.Errorf("expected message requeued, depth=%d", depth)
	}
	if dead := q.DeadLetters(); len(dead) != 0 {
		t.Errorf("expected no dead letters yet, got %d", len(dead))
	}
}

func TestRetryBudgetExhaustionDeadLetters(t *testing.T) {
	q := NewMemoryQueue(16)
	consumer := newTestConsumer(t, brokenStore{}, q, 3)

	publishRaw(t, q, todo.RawTodo{ID: "A", SessionID: "sess-1", Content: "hello", Version: 1})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msgs, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		consumer.HandleBatch(ctx, msgs)
	}

	dead := q.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter after budget exhaustion, got %d", len(dead))
	}
	if dead[0].Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", dead[0].Attempts)
	}
	if depth := q.Depth(); depth != 0 {
		t.Errorf("expected queue drained, depth=%d", depth)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q := NewMemoryQueue(16)
	consumer := newTestConsumer(t, nil, q, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx)
	}()

	publishRaw(t, q, todo.RawTodo{ID: "A", SessionID: "sess-1", Content: "hello", Version: 1})
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}

func TestMemoryQueueBatchLimit(t *testing.T) {
	q := NewMemoryQueue(2)
	for i := 0; i < 5; i++ {
		q.Publish([]byte(fmt.Sprintf(`{"n": %d}`, i)))
	}

	msgs, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected batch of 2, got %d", len(msgs))
	}
	if depth := q.Depth(); depth != 3 {
		t.Errorf("expected 3 remaining, got %d", depth)
	}
}

func TestMemoryQueueReceiveBlocksUntilPublish(t *testing.T) {
	q := NewMemoryQueue(16)

	got := make(chan int, 1)
	go func() {
		msgs, err := q.Receive(context.Background())
		if err != nil {
			got <- -1
			return
		}
		got <- len(msgs)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Publish([]byte(`{}`))

	select {
	case n := <-got:
		if n != 1 {
			t.Errorf("expected 1 message, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not wake on publish")
	}
}
