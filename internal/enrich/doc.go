// Package enrich produces AI-derived insights for todos.
//
// The Claude enricher asks the model for a short summary, related todo IDs
// and context notes per item. Enrichment is strictly advisory: callers
// treat a failed or slow enrichment as a degraded item, never as a failed
// mutation.
package enrich
