package workflow

import (
	"context"
	"time"

	"github.com/chittyos/todosync/internal/todo"
)

// Adapter is one ingestion source (repo working copy, chat assistant,
// relational export). The orchestrator only consumes normalized records;
// adapter-specific protocols stay outside the engine.
type Adapter interface {
	// Name identifies the adapter in logs and branch failures.
	Name() string

	// Priority breaks dedupe ties: when the same ID arrives from two
	// adapters with equal versions, the lower priority value wins.
	Priority() int

	// Fetch returns all mutation candidates changed since the given time.
	Fetch(ctx context.Context, since time.Time) ([]todo.RawTodo, error)
}

// dedupe collapses the combined adapter output by ID: the higher version
// wins, ties broken by adapter priority. Records without an ID cannot
// collide and pass through untouched (they get minted IDs in the pipeline).
func dedupe(fetched []fetchedTodo) ([]todo.RawTodo, int) {
	type winner struct {
		raw      todo.RawTodo
		priority int
	}

	byID := make(map[string]winner)
	var anonymous []todo.RawTodo
	order := []string{}
	dropped := 0

	for _, f := range fetched {
		if f.raw.ID == "" {
			anonymous = append(anonymous, f.raw)
			continue
		}

		cur, seen := byID[f.raw.ID]
		if !seen {
			byID[f.raw.ID] = winner{raw: f.raw, priority: f.priority}
			order = append(order, f.raw.ID)
			continue
		}

		dropped++
		if f.raw.Version > cur.raw.Version ||
			(f.raw.Version == cur.raw.Version && f.priority < cur.priority) {
			byID[f.raw.ID] = winner{raw: f.raw, priority: f.priority}
		}
	}

	out := make([]todo.RawTodo, 0, len(order)+len(anonymous))
	for _, id := range order {
		out = append(out, byID[id].raw)
	}
	out = append(out, anonymous...)
	return out, dropped
}

// fetchedTodo pairs a raw record with its source adapter's priority.
type fetchedTodo struct {
	raw      todo.RawTodo
	priority int
}
