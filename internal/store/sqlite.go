package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chittyos/todosync/internal/todo"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is the embedded primary store.
//
// The database runs in embedded mode with WAL enabled so subscribers and
// diagnostic queries can read concurrently with commits.
type SQLite struct {
	conn *sql.DB
	path string
}

// OpenSQLite creates a database connection at the specified path.
//
// If the database doesn't exist, it is created along with the schema.
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.OpenSQLite(".todosync/todosync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &SQLite{
		conn: conn,
		path: path,
	}

	// WAL mode for concurrent reads during commits
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *SQLite) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
func (db *SQLite) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// initSchema creates the schema if it doesn't exist. Idempotent.
func (db *SQLite) initSchema() error {
	schema := `
	-- One durable record per (session_id, id), full todo including version
	CREATE TABLE IF NOT EXISTS todos (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		version INTEGER NOT NULL,
		origin_branch TEXT,
		origin_commit TEXT,
		external_ref TEXT,
		tags TEXT,  -- JSON array
		priority INTEGER NOT NULL DEFAULT 2,
		estimated_effort INTEGER NOT NULL DEFAULT 0,
		enrichment TEXT,  -- JSON object, NULL until enriched
		enrichment_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (session_id, id)
	);

	-- Append-only log of detected write conflicts
	CREATE TABLE IF NOT EXISTS conflicts (
		session_id TEXT NOT NULL,
		todo_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		current_version INTEGER NOT NULL,
		incoming_version INTEGER NOT NULL,
		incoming TEXT NOT NULL,  -- JSON snapshot of the losing write
		resolution TEXT,
		detected_at TEXT NOT NULL
	);

	-- Workflow run checkpoints, one header per run plus one row per step
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE TABLE IF NOT EXISTS run_steps (
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		PRIMARY KEY (run_id, step),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_todos_session ON todos(session_id);
	CREATE INDEX IF NOT EXISTS idx_todos_status ON todos(session_id, status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflicts(session_id, todo_id);
	CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id);
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Name implements Store.
func (db *SQLite) Name() string {
	return "sqlite"
}

// Persist implements Store. The whole batch is written in one transaction:
// partial application within a batch is never observably persisted.
func (db *SQLite) Persist(ctx context.Context, batch []todo.Todo) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO todos (
		session_id, id, content, status, version,
		origin_branch, origin_commit, external_ref,
		tags, priority, estimated_effort,
		enrichment, enrichment_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, id) DO UPDATE SET
		content = excluded.content,
		status = excluded.status,
		version = excluded.version,
		origin_branch = excluded.origin_branch,
		origin_commit = excluded.origin_commit,
		external_ref = excluded.external_ref,
		tags = excluded.tags,
		priority = excluded.priority,
		estimated_effort = excluded.estimated_effort,
		enrichment = excluded.enrichment,
		enrichment_error = excluded.enrichment_error,
		updated_at = excluded.updated_at
	`

	for i := range batch {
		t := &batch[i]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid todo %q: %w", t.ID, err)
		}

		tagsJSON, err := json.Marshal(t.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags for %s: %w", t.ID, err)
		}

		var enrichmentJSON sql.NullString
		if t.Enrichment != nil {
			data, err := json.Marshal(t.Enrichment)
			if err != nil {
				return fmt.Errorf("failed to marshal enrichment for %s: %w", t.ID, err)
			}
			enrichmentJSON = sql.NullString{String: string(data), Valid: true}
		}

		_, err = tx.ExecContext(ctx, query,
			t.SessionID,
			t.ID,
			t.Content,
			string(t.Status),
			t.Version,
			t.OriginBranch,
			t.OriginCommit,
			t.ExternalRef,
			string(tagsJSON),
			t.Priority,
			t.EstimatedEffort,
			enrichmentJSON,
			t.EnrichmentError,
			t.CreatedAt.Format(time.RFC3339),
			t.UpdatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert todo %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// LoadSession implements SessionLoader.
func (db *SQLite) LoadSession(ctx context.Context, sessionID string) ([]todo.Todo, error) {
	query := `
	SELECT session_id, id, content, status, version,
	       origin_branch, origin_commit, external_ref,
	       tags, priority, estimated_effort,
	       enrichment, enrichment_error, created_at, updated_at
	FROM todos
	WHERE session_id = ?
	ORDER BY id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", sessionID, err)
	}
	defer rows.Close()

	return scanTodos(rows)
}

// RecordConflicts implements ConflictRecorder.
func (db *SQLite) RecordConflicts(ctx context.Context, conflicts []todo.ConflictRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO conflicts (
		session_id, todo_id, kind, current_version, incoming_version,
		incoming, resolution, detected_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, c := range conflicts {
		incomingJSON, err := json.Marshal(c.Incoming)
		if err != nil {
			return fmt.Errorf("failed to marshal incoming todo %s: %w", c.ID, err)
		}

		_, err = tx.ExecContext(ctx, query,
			c.Current.SessionID,
			c.ID,
			string(c.Kind),
			c.Current.Version,
			c.Incoming.Version,
			string(incomingJSON),
			c.Resolution,
			c.DetectedAt.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert conflict for %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflicts: %w", err)
	}

	return nil
}

// ConflictCount returns the number of logged conflicts for a session.
func (db *SQLite) ConflictCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conflicts WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

// TodoCount returns the total number of stored todos.
func (db *SQLite) TodoCount(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM todos").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count todos: %w", err)
	}
	return count, nil
}

// BeginRun implements CheckpointStore.
func (db *SQLite) BeginRun(ctx context.Context, run RunRecord) error {
	query := `
	INSERT INTO runs (run_id, trigger_source, status, started_at)
	VALUES (?, ?, 'running', ?)
	ON CONFLICT(run_id) DO UPDATE SET
		status = 'running',
		started_at = excluded.started_at,
		finished_at = NULL
	`
	_, err := db.conn.ExecContext(ctx, query,
		run.RunID, run.Trigger, run.StartedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to begin run %s: %w", run.RunID, err)
	}
	return nil
}

// SaveStep implements CheckpointStore.
func (db *SQLite) SaveStep(ctx context.Context, step StepRecord) error {
	query := `
	INSERT INTO run_steps (run_id, step, status, detail, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, step) DO UPDATE SET
		status = excluded.status,
		detail = excluded.detail,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		step.RunID, step.Step, step.Status, step.Detail,
		step.StartedAt.Format(time.RFC3339),
		step.CompletedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save step %s/%s: %w", step.RunID, step.Step, err)
	}
	return nil
}

// FinishRun implements CheckpointStore.
func (db *SQLite) FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) error {
	query := `UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`
	_, err := db.conn.ExecContext(ctx, query,
		string(status), finishedAt.Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// ListSteps implements CheckpointStore. Steps are returned in completion order.
func (db *SQLite) ListSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	query := `
	SELECT run_id, step, status, detail, started_at, completed_at
	FROM run_steps
	WHERE run_id = ?
	ORDER BY completed_at ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var s StepRecord
		var detail sql.NullString
		var startedAt, completedAt string

		if err := rows.Scan(&s.RunID, &s.Step, &s.Status, &detail, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		s.Detail = detail.String
		if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
			s.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, completedAt); err == nil {
			s.CompletedAt = t
		}

		steps = append(steps, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// scanTodos is a helper to scan multiple todos from query results.
func scanTodos(rows *sql.Rows) ([]todo.Todo, error) {
	var todos []todo.Todo

	for rows.Next() {
		var t todo.Todo
		var status, tagsJSON string
		var originBranch, originCommit, externalRef sql.NullString
		var enrichmentJSON, enrichmentError sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(
			&t.SessionID,
			&t.ID,
			&t.Content,
			&status,
			&t.Version,
			&originBranch,
			&originCommit,
			&externalRef,
			&tagsJSON,
			&t.Priority,
			&t.EstimatedEffort,
			&enrichmentJSON,
			&enrichmentError,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}

		t.Status = todo.Status(status)
		t.OriginBranch = originBranch.String
		t.OriginCommit = originCommit.String
		t.ExternalRef = externalRef.String
		t.EnrichmentError = enrichmentError.String

		if tagsJSON != "" && tagsJSON != "null" {
			if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		} else {
			t.Tags = []string{}
		}

		if enrichmentJSON.Valid {
			var ins todo.Insights
			if err := json.Unmarshal([]byte(enrichmentJSON.String), &ins); err != nil {
				return nil, fmt.Errorf("failed to unmarshal enrichment: %w", err)
			}
			t.Enrichment = &ins
		}

		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			t.CreatedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			t.UpdatedAt = ts
		}

		todos = append(todos, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating todos: %w", err)
	}

	return todos, nil
}
