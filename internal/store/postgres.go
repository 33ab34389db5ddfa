package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chittyos/todosync/internal/todo"
	_ "github.com/lib/pq"
)

const (
	postgresTodosTable       = "todosync_todos"
	postgresOperationTimeout = 5 * time.Second
)

// Postgres is a secondary mirror backend.
//
// It receives best-effort fan-out from the pipeline's store stage; the
// consistency domain never depends on it. Rows carry the full todo snapshot
// and the upsert only moves forward in version, so a redelivered or
// out-of-order mirror write can never roll the mirror back.
type Postgres struct {
	dsn       string
	tableName string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres creates a Postgres mirror backend for the given DSN.
// The connection is opened lazily on first Persist.
func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTodosTable,
	}, nil
}

// Name implements Store.
func (p *Postgres) Name() string {
	return "postgres"
}

// Persist implements Store.
func (p *Postgres) Persist(ctx context.Context, batch []todo.Todo) error {
	if err := p.ensureReady(); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(opCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, todo_id, version, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (session_id, todo_id)
		DO UPDATE SET
			version = EXCLUDED.version,
			snapshot = EXCLUDED.snapshot,
			updated_at = NOW()
		WHERE %s.version < EXCLUDED.version`,
		p.tableName, p.tableName)

	for i := range batch {
		t := &batch[i]
		snapshot, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal todo %s: %w", t.ID, err)
		}

		if _, err := tx.ExecContext(opCtx, query, t.SessionID, t.ID, t.Version, string(snapshot)); err != nil {
			return fmt.Errorf("failed to upsert todo %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// Close closes the underlying connection if it was opened.
func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := sql.Open("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("failed to open postgres: %w", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				session_id TEXT NOT NULL,
				todo_id TEXT NOT NULL,
				version BIGINT NOT NULL,
				snapshot JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (session_id, todo_id)
			)`, p.tableName)

		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			p.initErr = fmt.Errorf("failed to create mirror table: %w", err)
			return
		}

		p.db = db
	})
	return p.initErr
}
