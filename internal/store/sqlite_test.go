package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chittyos/todosync/internal/todo"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "todosync.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleTodo(id, sessionID string, version int64) todo.Todo {
	td := todo.Todo{
		ID:        id,
		SessionID: sessionID,
		Content:   "content of " + id,
		Version:   version,
		Tags:      []string{"tag1"},
		Priority:  2,
	}
	td.SetDefaults()
	return td
}

func TestPersistAndLoadSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	batch := []todo.Todo{
		sampleTodo("A", "sess-1", 1),
		sampleTodo("B", "sess-1", 2),
		sampleTodo("C", "sess-2", 1),
	}
	if err := db.Persist(ctx, batch); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := db.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 todos for sess-1, got %d", len(got))
	}
	byID := make(map[string]todo.Todo)
	for _, td := range got {
		byID[td.ID] = td
	}
	if byID["B"].Version != 2 {
		t.Errorf("expected B at v2, got %d", byID["B"].Version)
	}
	if len(byID["A"].Tags) != 1 || byID["A"].Tags[0] != "tag1" {
		t.Errorf("tags did not round-trip: %v", byID["A"].Tags)
	}

	count, err := db.TodoCount(ctx)
	if err != nil {
		t.Fatalf("TodoCount: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 todos total, got %d", count)
	}
}

func TestPersistUpserts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Persist(ctx, []todo.Todo{sampleTodo("A", "sess-1", 1)}); err != nil {
		t.Fatalf("Persist v1: %v", err)
	}

	updated := sampleTodo("A", "sess-1", 2)
	updated.Content = "updated content"
	if err := db.Persist(ctx, []todo.Todo{updated}); err != nil {
		t.Fatalf("Persist v2: %v", err)
	}

	got, err := db.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", len(got))
	}
	if got[0].Version != 2 || got[0].Content != "updated content" {
		t.Errorf("upsert did not replace: %+v", got[0])
	}
}

func TestPersistEnrichmentRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	td := sampleTodo("A", "sess-1", 1)
	td.Enrichment = &todo.Insights{
		Summary:    "short summary",
		RelatedIDs: []string{"B", "C"},
	}
	if err := db.Persist(ctx, []todo.Todo{td}); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := db.LoadSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got[0].Enrichment == nil {
		t.Fatal("enrichment lost in round trip")
	}
	if got[0].Enrichment.Summary != "short summary" || len(got[0].Enrichment.RelatedIDs) != 2 {
		t.Errorf("enrichment mismatch: %+v", got[0].Enrichment)
	}
}

func TestLoadSessionEmpty(t *testing.T) {
	db := openTestDB(t)

	got, err := db.LoadSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty session, got %d", len(got))
	}
}

func TestRecordConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	conflicts := []todo.ConflictRecord{
		{
			ID:         "A",
			Current:    sampleTodo("A", "sess-1", 2),
			Incoming:   sampleTodo("A", "sess-1", 1),
			Kind:       todo.KindVersionMismatch,
			DetectedAt: time.Now(),
		},
	}
	if err := db.RecordConflicts(ctx, conflicts); err != nil {
		t.Fatalf("RecordConflicts: %v", err)
	}

	count, err := db.ConflictCount(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ConflictCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 conflict, got %d", count)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	run := RunRecord{RunID: "run-1", Trigger: "test", StartedAt: time.Now()}
	if err := db.BeginRun(ctx, run); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	// Distinct completion times so the returned order is deterministic.
	base := time.Now().Truncate(time.Second)
	steps := []string{"ingest", "analyze", "sync-destinations"}
	for i, step := range steps {
		err := db.SaveStep(ctx, StepRecord{
			RunID:       "run-1",
			Step:        step,
			Status:      "completed",
			Detail:      "ok",
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			CompletedAt: base.Add(time.Duration(i+1) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveStep %s: %v", step, err)
		}
	}

	if err := db.FinishRun(ctx, "run-1", RunCompleted, time.Now()); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := db.ListSteps(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(got))
	}
	for i, step := range steps {
		if got[i].Step != step {
			t.Errorf("step %d: expected %s, got %s", i, step, got[i].Step)
		}
	}
}

func TestSaveStepUpsertsOnRetry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.BeginRun(ctx, RunRecord{RunID: "run-1", Trigger: "test", StartedAt: time.Now()}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	first := StepRecord{RunID: "run-1", Step: "ingest", Status: "failed", Detail: "boom",
		StartedAt: time.Now(), CompletedAt: time.Now()}
	if err := db.SaveStep(ctx, first); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	retry := first
	retry.Status = "completed"
	retry.Detail = "ok on retry"
	if err := db.SaveStep(ctx, retry); err != nil {
		t.Fatalf("SaveStep retry: %v", err)
	}

	got, err := db.ListSteps(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected a single row per (run, step), got %d", len(got))
	}
	if got[0].Status != "completed" {
		t.Errorf("expected retried status, got %s", got[0].Status)
	}
}

func TestPersistEmptyBatch(t *testing.T) {
	db := openTestDB(t)
	if err := db.Persist(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}
