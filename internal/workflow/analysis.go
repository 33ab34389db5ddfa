package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/todo"
)

// vectorDims is the dimensionality of the hashed bag-of-words embedding.
const vectorDims = 32

// AnalysisReport aggregates the output of the analyze fan-out.
type AnalysisReport struct {
	// Patterns maps recurring content tokens to their occurrence count
	// across the working set (tokens seen at least twice)
	Patterns map[string]int `json:"patterns,omitempty"`

	// Vectors holds a normalized hashed bag-of-words embedding per todo ID
	Vectors map[string][]float32 `json:"vectors,omitempty"`

	// ContextNotes carries per-ID context gathered during analysis
	ContextNotes map[string]string `json:"context_notes,omitempty"`
}

// patternAnalysis counts recurring tokens across the working set.
func patternAnalysis(items []todo.RawTodo) (map[string]int, error) {
	counts := make(map[string]int)
	for _, item := range items {
		seen := make(map[string]bool)
		for _, field := range strings.Fields(strings.ToLower(item.Content)) {
			token := strings.Trim(field, ".,;:!?\"'()")
			if len(token) < 4 || seen[token] {
				continue
			}
			seen[token] = true
			counts[token]++
		}
	}

	patterns := make(map[string]int)
	for token, n := range counts {
		if n >= 2 {
			patterns[token] = n
		}
	}
	return patterns, nil
}

// semanticVectorization computes a cheap, deterministic embedding per item:
// tokens are hashed into a fixed number of buckets and the resulting vector
// is L2-normalized. Items without an ID are skipped (they get one later in
// the pipeline and are vectorized on the next run).
func semanticVectorization(items []todo.RawTodo) (map[string][]float32, error) {
	vectors := make(map[string][]float32, len(items))

	for _, item := range items {
		if item.ID == "" {
			continue
		}

		vec := make([]float32, vectorDims)
		for _, field := range strings.Fields(strings.ToLower(item.Content)) {
			vec[tokenBucket(field)]++
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for i := range vec {
				vec[i] *= scale
			}
		}

		vectors[item.ID] = vec
	}

	return vectors, nil
}

// tokenBucket hashes a token into a vector bucket (FNV-1a).
func tokenBucket(token string) int {
	var h uint32 = 2166136261
	for i := 0; i < len(token); i++ {
		h ^= uint32(token[i])
		h *= 16777619
	}
	return int(h % vectorDims)
}

// contextEnrichment gathers external context per item. With an enricher
// configured it asks the provider for a summary per identified item;
// failures are per-item and leave that item without a note. Without one it
// falls back to provenance-derived notes.
func contextEnrichment(ctx context.Context, items []todo.RawTodo, enricher pipeline.Enricher, timeout time.Duration) (map[string]string, error) {
	notes := make(map[string]string)

	for _, item := range items {
		if item.ID == "" {
			continue
		}

		if enricher == nil {
			if item.OriginBranch != "" {
				notes[item.ID] = fmt.Sprintf("origin: %s@%s", item.OriginBranch, item.OriginCommit)
			}
			continue
		}

		ectx, cancel := context.WithTimeout(ctx, timeout)
		insights, err := enricher.Enrich(ectx, todo.Todo{
			ID:        item.ID,
			SessionID: item.SessionID,
			Content:   item.Content,
		})
		cancel()
		if err != nil {
			continue
		}
		if insights.Summary != "" {
			notes[item.ID] = insights.Summary
		}
	}

	return notes, nil
}
