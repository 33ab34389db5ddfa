package pipeline

import (
	"context"

	"github.com/chittyos/todosync/internal/todo"
)

// IDMinter mints globally unique identifiers.
//
// The engine never generates identifiers itself: when minting fails, the
// item fails (dropped and counted), it is never given a locally synthesized
// ID.
type IDMinter interface {
	Mint(ctx context.Context, kind string) (string, error)
}

// Enricher is the external enrichment provider called once per item during
// the enrich stage. Calls are timeout-bounded; a failure on one item never
// affects the others.
type Enricher interface {
	Enrich(ctx context.Context, t todo.Todo) (todo.Insights, error)
}

// Notifier delivers fire-and-forget notifications. Errors are logged and
// counted, never retried and never propagated.
type Notifier interface {
	Notify(ctx context.Context, t todo.Todo, channel string) error
}
