// Package store provides persistence backends for processed todo batches.
//
// The primary backend (SQLite, embedded via ncruces/go-sqlite3) holds one
// durable record per (session_id, todo id), a conflict log, and per-run
// workflow checkpoints. Secondary backends (Postgres mirror) receive
// best-effort fan-out from the pipeline's store stage; their failures are
// logged, never propagated.
package store

import (
	"context"

	"github.com/chittyos/todosync/internal/todo"
)

// Store is a persistence target for a batch of processed todos.
//
// Persist must apply the whole batch atomically: either every record in the
// batch is durable afterwards or none is. The consistency domain relies on
// this for batch atomicity of Apply.
type Store interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// Persist writes the batch. Implementations upsert by (session_id, id).
	Persist(ctx context.Context, batch []todo.Todo) error
}

// SessionLoader is implemented by durable stores that can rehydrate a
// session's full todo set, used by the state registry on first access.
type SessionLoader interface {
	LoadSession(ctx context.Context, sessionID string) ([]todo.Todo, error)
}

// ConflictRecorder is implemented by stores that keep a durable conflict
// log. Recording is best-effort from the caller's point of view.
type ConflictRecorder interface {
	RecordConflicts(ctx context.Context, conflicts []todo.ConflictRecord) error
}
