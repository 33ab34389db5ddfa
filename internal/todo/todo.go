// Package todo provides the data model for the synchronization engine.
//
// A Todo is the unit of work flowing through the system. Todos are grouped
// into sessions; each session's set is owned by a single consistency domain
// (see internal/state). Writes carry a monotonically increasing version used
// for optimistic concurrency: a write whose version is not strictly greater
// than the stored version is a conflict, never an update.
package todo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is the lifecycle state of a Todo.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// validTransitions encodes the status DAG:
// pending -> in_progress -> {completed, blocked}, blocked -> in_progress.
// Nothing transitions out of completed.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusBlocked},
	StatusBlocked:    {StatusInProgress},
	StatusCompleted:  {},
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition reports whether a status change from -> to is allowed.
// A no-op transition (from == to) is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Insights is the output of the enrichment provider for a single Todo.
type Insights struct {
	// Summary is a short AI-generated description of the work item
	Summary string `json:"summary,omitempty"`

	// RelatedIDs lists identifiers of related items found during lookup
	RelatedIDs []string `json:"related_ids,omitempty"`

	// ContextNotes carries free-form external context attached by the provider
	ContextNotes []string `json:"context_notes,omitempty"`
}

// Todo represents a work item tracked by the sync engine.
//
// The structure is flat and last-write-wins friendly: each accepted write
// replaces the whole record, and Version decides which of two concurrent
// writes is the winner.
type Todo struct {
	// ID is the externally minted unique identifier. Immutable once assigned.
	ID string `json:"id"`

	// SessionID groups todos into one consistency domain partition
	SessionID string `json:"session_id"`

	// Content is the free-text body of the item
	Content string `json:"content"`

	// Status: pending, in_progress, completed, blocked
	Status Status `json:"status"`

	// Version increases on every accepted write; used for conflict detection
	Version int64 `json:"version"`

	// OriginBranch / OriginCommit are optional provenance from a repo adapter
	OriginBranch string `json:"origin_branch,omitempty"`
	OriginCommit string `json:"origin_commit,omitempty"`

	// ExternalRef is an optional cross-reference minted by another subsystem
	ExternalRef string `json:"external_ref,omitempty"`

	// Tags are derived labels, populated by the transform stage
	Tags []string `json:"tags,omitempty"`

	// Priority: 0=critical .. 4=backlog, computed by the transform stage
	Priority int `json:"priority"`

	// EstimatedEffort is a rough effort estimate in minutes (0 = unknown)
	EstimatedEffort int `json:"estimated_effort,omitempty"`

	// Enrichment holds provider output; nil until the enrich stage ran
	Enrichment *Insights `json:"enrichment,omitempty"`

	// EnrichmentError notes a non-fatal per-item enrichment failure
	EnrichmentError string `json:"enrichment_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RawTodo is a mutation candidate before it has been through the pipeline.
//
// Raw records may be missing an ID (minted during validation) and carry
// unnormalized content. Adapters and the message queue produce RawTodos;
// the pipeline turns them into storage-ready Todos.
type RawTodo struct {
	ID           string `json:"id,omitempty"`
	SessionID    string `json:"session_id"`
	Content      string `json:"content"`
	Status       Status `json:"status,omitempty"`
	Version      int64  `json:"version,omitempty"`
	OriginBranch string `json:"origin_branch,omitempty"`
	OriginCommit string `json:"origin_commit,omitempty"`
	ExternalRef  string `json:"external_ref,omitempty"`
}

// Validate checks if the Todo has valid field values.
func (t *Todo) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if t.Content == "" {
		return fmt.Errorf("content is required")
	}
	if !ValidStatus(t.Status) {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", t.Version)
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Todo) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
}

// Clone returns a deep copy of the Todo.
// Snapshot reads from the consistency domain hand out clones so callers
// can never mutate committed state.
func (t *Todo) Clone() Todo {
	out := *t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.Enrichment != nil {
		ins := *t.Enrichment
		ins.RelatedIDs = append([]string(nil), t.Enrichment.RelatedIDs...)
		ins.ContextNotes = append([]string(nil), t.Enrichment.ContextNotes...)
		out.Enrichment = &ins
	}
	return out
}

// Filename returns the canonical filename for this todo: {id}.json
func (t *Todo) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// ReadTodoFile reads and parses a todo JSON file from the given path.
func ReadTodoFile(path string) (*Todo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read todo file %s: %w", path, err)
	}

	var t Todo
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse todo file %s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid todo file %s: %w", path, err)
	}

	return &t, nil
}

// WriteTodoFile writes a Todo to disk as pretty-printed JSON at dir/{id}.json.
func WriteTodoFile(dir string, t *Todo) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid todo: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create todos directory: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal todo %s: %w", t.ID, err)
	}

	path := filepath.Join(dir, t.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write todo file %s: %w", path, err)
	}

	return nil
}

// ReadAllTodoFiles reads all todo files from the given directory.
// Invalid files are skipped with a warning to stderr; a missing directory
// is treated as empty.
func ReadAllTodoFiles(dir string) ([]*Todo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Todo{}, nil
		}
		return nil, fmt.Errorf("failed to read todos directory: %w", err)
	}

	var todos []*Todo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		t, err := ReadTodoFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid todo file %s: %v\n", entry.Name(), err)
			continue
		}

		todos = append(todos, t)
	}

	return todos, nil
}
