package workflow

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/state"
	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/todo"
)

// staticAdapter serves a fixed record set, or a fixed error.
type staticAdapter struct {
	name     string
	priority int
	raws     []todo.RawTodo
	err      error
}

func (a *staticAdapter) Name() string  { return a.name }
func (a *staticAdapter) Priority() int { return a.priority }

func (a *staticAdapter) Fetch(ctx context.Context, since time.Time) ([]todo.RawTodo, error) {
	return a.raws, a.err
}

// memCheckpoints records checkpoint calls in memory.
type memCheckpoints struct {
	mu        sync.Mutex
	runs      []store.RunRecord
	steps     []store.StepRecord
	finishes  map[string]store.RunStatus
	beginErr  error
	stepErr   error
	finishErr error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{finishes: make(map[string]store.RunStatus)}
}

func (c *memCheckpoints) BeginRun(ctx context.Context, run store.RunRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beginErr != nil {
		return c.beginErr
	}
	c.runs = append(c.runs, run)
	return nil
}

func (c *memCheckpoints) SaveStep(ctx context.Context, step store.StepRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stepErr != nil {
		return c.stepErr
	}
	c.steps = append(c.steps, step)
	return nil
}

func (c *memCheckpoints) FinishRun(ctx context.Context, runID string, status store.RunStatus, finishedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishErr != nil {
		return c.finishErr
	}
	c.finishes[runID] = status
	return nil
}

func (c *memCheckpoints) ListSteps(ctx context.Context, runID string) ([]store.StepRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.StepRecord
	for _, s := range c.steps {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *memCheckpoints) stepNames(runID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, s := range c.steps {
		if s.RunID == runID {
			names = append(names, s.Step)
		}
	}
	return names
}

// memDestination is a destination store capturing persisted batches.
type memDestination struct {
	name string
	mu   sync.Mutex
	got  [][]todo.Todo
	err  error
}

func (d *memDestination) Name() string { return d.name }

func (d *memDestination) Persist(ctx context.Context, batch []todo.Todo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	cp := make([]todo.Todo, len(batch))
	copy(cp, batch)
	d.got = append(d.got, cp)
	return nil
}

type runRecorder struct {
	mu      sync.Mutex
	results []*RunResult
	err     error
}

func (r *runRecorder) NotifyRun(ctx context.Context, result *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return r.err
}

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func newTestOrchestrator(t *testing.T, deps Deps, cfg *Config) *Orchestrator {
	t.Helper()
	if deps.Processor == nil {
		processor, err := pipeline.New(pipeline.Deps{Sessions: state.NewRegistry(nil, nil)}, nil)
		if err != nil {
			t.Fatalf("pipeline.New: %v", err)
		}
		deps.Processor = processor
	}
	if cfg == nil {
		cfg = quietConfig()
	}
	o, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func sourceRaws(prefix string, n int) []todo.RawTodo {
	raws := make([]todo.RawTodo, 0, n)
	for i := 1; i <= n; i++ {
		raws = append(raws, todo.RawTodo{
			ID:        fmt.Sprintf("%s-%d", prefix, i),
			SessionID: "sess-1",
			Content:   fmt.Sprintf("work item %s number %d", prefix, i),
			Version:   1,
		})
	}
	return raws
}

func TestRunHappyPath(t *testing.T) {
	checkpoints := newMemCheckpoints()
	notifier := &runRecorder{}
	dest := &memDestination{name: "mirror"}

	o := newTestOrchestrator(t, Deps{
		Adapters: []Adapter{
			&staticAdapter{name: "file", priority: 1, raws: sourceRaws("file", 3)},
			&staticAdapter{name: "export", priority: 2, raws: sourceRaws("export", 2)},
		},
		Destinations: []store.Store{dest},
		Checkpoints:  checkpoints,
		RunNotifier:  notifier,
	}, nil)

	result, err := o.Run(context.Background(), Trigger{RunID: "run-1", Source: "test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Errorf("expected completed run, got %s", result.Status)
	}
	if result.Ingested != 5 {
		t.Errorf("expected 5 ingested, got %d", result.Ingested)
	}
	if result.Stats.Processed != 5 {
		t.Errorf("expected 5 processed, got %d", result.Stats.Processed)
	}
	if result.Analysis == nil || len(result.Analysis.Vectors) != 5 {
		t.Errorf("expected analysis vectors for all 5 items, got %+v", result.Analysis)
	}

	want := []string{StepIngest, StepAnalyze, StepSyncDestinations, StepUpdateState, StepNotifyDownstream}
	got := checkpoints.stepNames("run-1")
	if len(got) != len(want) {
		t.Fatalf("expected %d checkpointed steps, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if checkpoints.finishes["run-1"] != store.RunCompleted {
		t.Errorf("expected finish status completed, got %s", checkpoints.finishes["run-1"])
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.results) != 1 || notifier.results[0].RunID != "run-1" {
		t.Errorf("expected one downstream notification for run-1, got %d", len(notifier.results))
	}

	dest.mu.Lock()
	defer dest.mu.Unlock()
	if len(dest.got) != 1 || len(dest.got[0]) != 5 {
		t.Errorf("expected destination snapshot of 5 items, got %+v batches", len(dest.got))
	}
}

func TestRunDedupesAcrossAdapters(t *testing.T) {
	// Both adapters report the same ID; the higher version must survive.
	lowPrio := &staticAdapter{name: "export", priority: 2, raws: []todo.RawTodo{
		{ID: "A", SessionID: "sess-1", Content: "newer copy", Version: 3},
	}}
	highPrio := &staticAdapter{name: "file", priority: 1, raws: []todo.RawTodo{
		{ID: "A", SessionID: "sess-1", Content: "older copy", Version: 1},
	}}

	o := newTestOrchestrator(t, Deps{Adapters: []Adapter{highPrio, lowPrio}}, nil)

	result, err := o.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Ingested != 1 || result.DuplicatesDropped != 1 {
		t.Errorf("expected 1 ingested / 1 dropped, got %d / %d",
			result.Ingested, result.DuplicatesDropped)
	}
	if len(result.Processed) != 1 || result.Processed[0].Content != "newer copy" {
		t.Errorf("expected v3 content to win, got %+v", result.Processed)
	}
}

func TestRunPartialAdapterFailureContinues(t *testing.T) {
	o := newTestOrchestrator(t, Deps{
		Adapters: []Adapter{
			&staticAdapter{name: "file", priority: 1, raws: sourceRaws("file", 2)},
			&staticAdapter{name: "export", priority: 2, err: fmt.Errorf("connection refused")},
		},
	}, nil)

	result, err := o.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("one healthy adapter must carry the run: %v", err)
	}
	if result.Ingested != 2 {
		t.Errorf("expected 2 ingested, got %d", result.Ingested)
	}

	var ingest *StepResult
	for i := range result.Steps {
		if result.Steps[i].Step == StepIngest {
			ingest = &result.Steps[i]
		}
	}
	if ingest == nil || len(ingest.Failures) != 1 || ingest.Failures[0].Branch != "export" {
		t.Errorf("expected ingest step to record the export failure, got %+v", ingest)
	}
}

func TestRunAllAdaptersFailIsFatal(t *testing.T) {
	checkpoints := newMemCheckpoints()
	o := newTestOrchestrator(t, Deps{
		Adapters: []Adapter{
			&staticAdapter{name: "a", priority: 1, err: fmt.Errorf("down")},
			&staticAdapter{name: "b", priority: 2, err: fmt.Errorf("also down")},
		},
		Checkpoints: checkpoints,
	}, nil)

	result, err := o.Run(context.Background(), Trigger{RunID: "run-1"})
	if err == nil {
		t.Fatal("expected run failure when every adapter fails")
	}
	if result.Status != store.RunFailed {
		t.Errorf("expected failed status, got %s", result.Status)
	}
	if checkpoints.finishes["run-1"] != store.RunFailed {
		t.Errorf("expected failed finish recorded, got %s", checkpoints.finishes["run-1"])
	}
}

func TestRunQuorumGateBlocksUpdateState(t *testing.T) {
	registry := state.NewRegistry(nil, nil)
	processor, err := pipeline.New(pipeline.Deps{Sessions: registry}, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	o := newTestOrchestrator(t, Deps{
		Adapters:  []Adapter{&staticAdapter{name: "file", priority: 1, raws: sourceRaws("file", 2)}},
		Processor: processor,
		Destinations: []store.Store{
			&memDestination{name: "m1", err: fmt.Errorf("unreachable")},
			&memDestination{name: "m2", err: fmt.Errorf("unreachable")},
		},
	}, nil)

	result, err := o.Run(context.Background(), Trigger{})
	if err == nil {
		t.Fatal("expected run failure when no destination branch succeeds")
	}
	if result.Status != store.RunFailed {
		t.Errorf("expected failed status, got %s", result.Status)
	}
	if len(result.Processed) != 0 {
		t.Error("update-state must not run when the quorum gate fails")
	}

	// The consistency domain must be untouched.
	sess, err := registry.Session(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got := len(sess.Get()); got != 0 {
		t.Errorf("expected no committed state, got %d todos", got)
	}
}

func TestRunPartialDestinationSuccessProceeds(t *testing.T) {
	healthy := &memDestination{name: "m1"}
	o := newTestOrchestrator(t, Deps{
		Adapters: []Adapter{&staticAdapter{name: "file", priority: 1, raws: sourceRaws("file", 2)}},
		Destinations: []store.Store{
			healthy,
			&memDestination{name: "m2", err: fmt.Errorf("unreachable")},
		},
	}, nil)

	result, err := o.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("one healthy destination meets the default quorum: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Errorf("expected completed run, got %s", result.Status)
	}
	if result.Stats.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", result.Stats.Processed)
	}
}

func TestRunBeginCheckpointFailureIsFatal(t *testing.T) {
	checkpoints := newMemCheckpoints()
	checkpoints.beginErr = fmt.Errorf("checkpoint db down")

	o := newTestOrchestrator(t, Deps{
		Adapters:    []Adapter{&staticAdapter{name: "file", priority: 1, raws: sourceRaws("file", 1)}},
		Checkpoints: checkpoints,
	}, nil)

	result, err := o.Run(context.Background(), Trigger{RunID: "run-1"})
	if err == nil {
		t.Fatal("expected failure when the run cannot be recorded")
	}
	if result.Status != store.RunFailed {
		t.Errorf("expected failed status, got %s", result.Status)
	}
	if len(checkpoints.stepNames("run-1")) != 0 {
		t.Error("no steps may execute when the run header cannot be written")
	}
}

func TestRunNotifierFailureDoesNotFailRun(t *testing.T) {
	notifier := &runRecorder{err: fmt.Errorf("webhook 500")}
	o := newTestOrchestrator(t, Deps{
		Adapters:    []Adapter{&staticAdapter{name: "file", priority: 1, raws: sourceRaws("file", 1)}},
		RunNotifier: notifier,
	}, nil)

	result, err := o.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("downstream notification is best-effort: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Errorf("expected completed run, got %s", result.Status)
	}
}

func TestRunGeneratesRunID(t *testing.T) {
	o := newTestOrchestrator(t, Deps{}, nil)

	result, err := o.Run(context.Background(), Trigger{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RunID == "" {
		t.Error("expected a generated run ID")
	}
}
