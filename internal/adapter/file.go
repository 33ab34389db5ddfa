package adapter

import (
	"context"
	"time"

	"github.com/chittyos/todosync/internal/todo"
)

// FileAdapter serves todos from a directory of {id}.json files, one file
// per todo. It is the source of record for repo-working-copy sessions.
type FileAdapter struct {
	name     string
	dir      string
	priority int
}

// NewFileAdapter creates an adapter reading from dir. Lower priority
// values win dedupe ties against other adapters.
func NewFileAdapter(name, dir string, priority int) *FileAdapter {
	if name == "" {
		name = "file"
	}
	return &FileAdapter{name: name, dir: dir, priority: priority}
}

// Name implements workflow.Adapter.
func (a *FileAdapter) Name() string {
	return a.name
}

// Priority implements workflow.Adapter.
func (a *FileAdapter) Priority() int {
	return a.priority
}

// Fetch implements workflow.Adapter. It returns every todo whose file
// changed after since (zero since means everything). Invalid files are
// skipped by the reader, never fatal.
func (a *FileAdapter) Fetch(ctx context.Context, since time.Time) ([]todo.RawTodo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	todos, err := todo.ReadAllTodoFiles(a.dir)
	if err != nil {
		return nil, err
	}

	raws := make([]todo.RawTodo, 0, len(todos))
	for _, t := range todos {
		if !since.IsZero() && !t.UpdatedAt.After(since) {
			continue
		}
		raws = append(raws, todo.RawTodo{
			ID:           t.ID,
			SessionID:    t.SessionID,
			Content:      t.Content,
			Status:       t.Status,
			Version:      t.Version,
			OriginBranch: t.OriginBranch,
			OriginCommit: t.OriginCommit,
			ExternalRef:  t.ExternalRef,
		})
	}
	return raws, nil
}
