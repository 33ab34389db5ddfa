package workflow

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chittyos/todosync/internal/pipeline"
	"github.com/chittyos/todosync/internal/store"
	"github.com/chittyos/todosync/internal/todo"
)

// Step names, in execution order.
const (
	StepIngest           = "ingest"
	StepAnalyze          = "analyze"
	StepSyncDestinations = "sync-destinations"
	StepUpdateState      = "update-state"
	StepNotifyDownstream = "notify-downstream"
)

// Trigger describes what started a run.
type Trigger struct {
	// RunID keys the run's checkpoints; generated from the start time
	// when empty
	RunID string

	// Source names the trigger origin (cron, manual, api)
	Source string

	// Since bounds adapter fetches to changes after this time
	Since time.Time
}

// BranchFailure records one failed branch of a fan-out step.
type BranchFailure struct {
	Branch string `json:"branch"`
	Reason string `json:"reason"`
}

// StepResult is the in-memory mirror of one step's checkpoint.
type StepResult struct {
	Step        string          `json:"step"`
	Status      string          `json:"status"` // completed | failed
	Detail      string          `json:"detail,omitempty"`
	Failures    []BranchFailure `json:"failures,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// RunResult is the outcome of one full synchronization run.
type RunResult struct {
	RunID  string          `json:"run_id"`
	Status store.RunStatus `json:"status"`
	Steps  []StepResult    `json:"steps"`

	// Ingested is the working set size after dedupe
	Ingested int `json:"ingested"`

	// DuplicatesDropped counts records collapsed during dedupe
	DuplicatesDropped int `json:"duplicates_dropped"`

	Analysis  *AnalysisReport `json:"analysis,omitempty"`
	Processed []todo.Todo     `json:"processed,omitempty"`
	Stats     pipeline.Stats  `json:"stats"`
}

// RunNotifier receives the outcome of a completed run, fire-and-forget.
type RunNotifier interface {
	NotifyRun(ctx context.Context, result *RunResult) error
}

// Config holds orchestrator configuration.
type Config struct {
	// MinSyncSuccess is how many destination branches must succeed for
	// the run to proceed to update-state (ignored when no destinations
	// are configured)
	MinSyncSuccess int

	// EnrichTimeout bounds each per-item call in the context-enrichment
	// analysis branch
	EnrichTimeout time.Duration

	// Logger for orchestrator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinSyncSuccess: 1,
		EnrichTimeout:  10 * time.Second,
		Logger:         log.New(os.Stderr, "[workflow] ", log.LstdFlags),
	}
}

// Deps are the orchestrator's collaborators. Processor is required; the
// rest degrade gracefully when nil (no checkpoints, no destinations, no
// analysis enrichment, no downstream notification).
type Deps struct {
	Adapters     []Adapter
	Processor    *pipeline.Processor
	Destinations []store.Store
	Checkpoints  store.CheckpointStore
	Enricher     pipeline.Enricher
	RunNotifier  RunNotifier
}

// Orchestrator runs full, checkpointed synchronization passes.
type Orchestrator struct {
	deps   Deps
	config *Config
}

// New creates an Orchestrator. If config is nil, defaults are used.
func New(deps Deps, config *Config) (*Orchestrator, error) {
	if deps.Processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[workflow] ", log.LstdFlags)
	}

	return &Orchestrator{deps: deps, config: config}, nil
}

// Run executes one full synchronization pass.
//
// The returned RunResult is never nil; on failure its Status is RunFailed
// and the error names the step that stopped the run. Checkpoint store
// failures are fatal: a run whose progress cannot be recorded cannot be
// diagnosed or safely retried.
func (o *Orchestrator) Run(ctx context.Context, trigger Trigger) (*RunResult, error) {
	if trigger.RunID == "" {
		trigger.RunID = "run-" + time.Now().UTC().Format("20060102T150405.000")
	}
	if trigger.Source == "" {
		trigger.Source = "manual"
	}

	result := &RunResult{
		RunID:  trigger.RunID,
		Status: store.RunRunning,
	}

	o.config.Logger.Printf("Run %s started (source=%s)", trigger.RunID, trigger.Source)

	if o.deps.Checkpoints != nil {
		err := o.deps.Checkpoints.BeginRun(ctx, store.RunRecord{
			RunID:     trigger.RunID,
			Trigger:   trigger.Source,
			StartedAt: time.Now(),
		})
		if err != nil {
			result.Status = store.RunFailed
			return result, fmt.Errorf("failed to record run start: %w", err)
		}
	}

	// Step 1: ingest
	working, err := o.stepIngest(ctx, trigger, result)
	if err != nil {
		return o.fail(ctx, result, StepIngest, err)
	}

	// Step 2: analyze (parallel branches, partial-failure semantics)
	if err := o.stepAnalyze(ctx, working, result); err != nil {
		return o.fail(ctx, result, StepAnalyze, err)
	}

	// Step 3: sync-destinations (parallel branches, quorum decision below)
	syncOK, err := o.stepSyncDestinations(ctx, working, result)
	if err != nil {
		return o.fail(ctx, result, StepSyncDestinations, err)
	}

	// Step 4: update-state - only if enough of the destination fan-out
	// succeeded; otherwise the run fails without touching the domain.
	if !syncOK {
		return o.fail(ctx, result, StepUpdateState,
			fmt.Errorf("only %d destination branches succeeded (minimum %d), refusing to update state",
				o.syncSuccesses(result), o.config.MinSyncSuccess))
	}
	if err := o.stepUpdateState(ctx, working, result); err != nil {
		return o.fail(ctx, result, StepUpdateState, err)
	}

	// Step 5: notify-downstream (best-effort, never fails the run)
	o.stepNotifyDownstream(ctx, result)

	result.Status = store.RunCompleted
	if o.deps.Checkpoints != nil {
		if err := o.deps.Checkpoints.FinishRun(ctx, result.RunID, store.RunCompleted, time.Now()); err != nil {
			return result, fmt.Errorf("failed to record run completion: %w", err)
		}
	}

	o.config.Logger.Printf("Run %s completed: %d ingested, %d processed, %d conflicts",
		result.RunID, result.Ingested, result.Stats.Processed, result.Stats.Conflicts)
	return result, nil
}

// stepIngest fetches from every adapter and dedupes by ID. Individual
// adapter failures are recorded and skipped; the step fails only when all
// adapters fail.
func (o *Orchestrator) stepIngest(ctx context.Context, trigger Trigger, result *RunResult) ([]todo.RawTodo, error) {
	started := time.Now()
	var fetched []fetchedTodo
	var failures []BranchFailure

	for _, adapter := range o.deps.Adapters {
		raws, err := adapter.Fetch(ctx, trigger.Since)
		if err != nil {
			failures = append(failures, BranchFailure{
				Branch: adapter.Name(),
				Reason: err.Error(),
			})
			o.config.Logger.Printf("Adapter %s failed: %v", adapter.Name(), err)
			continue
		}
		for _, raw := range raws {
			fetched = append(fetched, fetchedTodo{raw: raw, priority: adapter.Priority()})
		}
	}

	if len(o.deps.Adapters) > 0 && len(failures) == len(o.deps.Adapters) {
		return nil, fmt.Errorf("all %d adapters failed", len(o.deps.Adapters))
	}

	working, dropped := dedupe(fetched)
	result.Ingested = len(working)
	result.DuplicatesDropped = dropped

	return working, o.completeStep(ctx, result, StepResult{
		Step:        StepIngest,
		Status:      "completed",
		Detail:      fmt.Sprintf("%d fetched, %d after dedupe", len(fetched), len(working)),
		Failures:    failures,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
}

// stepAnalyze runs the three analysis branches concurrently. A branch
// failure is recorded against that branch only; siblings always run to
// completion and the report is assembled from whatever succeeded.
func (o *Orchestrator) stepAnalyze(ctx context.Context, working []todo.RawTodo, result *RunResult) error {
	started := time.Now()
	report := &AnalysisReport{}

	var mu sync.Mutex
	var failures []BranchFailure
	var wg sync.WaitGroup

	branch := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				failures = append(failures, BranchFailure{Branch: name, Reason: err.Error()})
				mu.Unlock()
				o.config.Logger.Printf("Analysis branch %s failed: %v", name, err)
			}
		}()
	}

	branch("pattern-analysis", func() error {
		patterns, err := patternAnalysis(working)
		if err != nil {
			return err
		}
		mu.Lock()
		report.Patterns = patterns
		mu.Unlock()
		return nil
	})

	branch("semantic-vectorization", func() error {
		vectors, err := semanticVectorization(working)
		if err != nil {
			return err
		}
		mu.Lock()
		report.Vectors = vectors
		mu.Unlock()
		return nil
	})

	branch("context-enrichment", func() error {
		notes, err := contextEnrichment(ctx, working, o.deps.Enricher, o.config.EnrichTimeout)
		if err != nil {
			return err
		}
		mu.Lock()
		report.ContextNotes = notes
		mu.Unlock()
		return nil
	})

	wg.Wait()
	result.Analysis = report

	return o.completeStep(ctx, result, StepResult{
		Step:        StepAnalyze,
		Status:      "completed",
		Detail:      fmt.Sprintf("%d branches, %d failed", 3, len(failures)),
		Failures:    failures,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
}

// stepSyncDestinations fans the working set out to every destination
// store concurrently. Returns whether enough branches succeeded for the
// run to proceed.
func (o *Orchestrator) stepSyncDestinations(ctx context.Context, working []todo.RawTodo, result *RunResult) (bool, error) {
	started := time.Now()

	if len(o.deps.Destinations) == 0 {
		return true, o.completeStep(ctx, result, StepResult{
			Step:        StepSyncDestinations,
			Status:      "completed",
			Detail:      "no destinations configured",
			StartedAt:   started,
			CompletedAt: time.Now(),
		})
	}

	// Destinations receive the pre-pipeline working set as a snapshot;
	// the authoritative processed state follows in update-state.
	snapshot := make([]todo.Todo, 0, len(working))
	for _, raw := range working {
		if raw.ID == "" {
			continue
		}
		t := todo.Todo{
			ID:           raw.ID,
			SessionID:    raw.SessionID,
			Content:      raw.Content,
			Status:       raw.Status,
			Version:      raw.Version,
			OriginBranch: raw.OriginBranch,
			OriginCommit: raw.OriginCommit,
			ExternalRef:  raw.ExternalRef,
		}
		t.SetDefaults()
		snapshot = append(snapshot, t)
	}

	var mu sync.Mutex
	var failures []BranchFailure
	var wg sync.WaitGroup

	for _, dest := range o.deps.Destinations {
		dest := dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dest.Persist(ctx, snapshot); err != nil {
				mu.Lock()
				failures = append(failures, BranchFailure{Branch: dest.Name(), Reason: err.Error()})
				mu.Unlock()
				o.config.Logger.Printf("Destination %s failed: %v", dest.Name(), err)
			}
		}()
	}
	wg.Wait()

	successes := len(o.deps.Destinations) - len(failures)
	status := "completed"
	if successes < o.config.MinSyncSuccess {
		status = "failed"
	}

	err := o.completeStep(ctx, result, StepResult{
		Step:        StepSyncDestinations,
		Status:      status,
		Detail:      fmt.Sprintf("%d/%d destinations succeeded", successes, len(o.deps.Destinations)),
		Failures:    failures,
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
	return successes >= o.config.MinSyncSuccess, err
}

// stepUpdateState pushes the working set through the pipeline, which
// commits to the consistency domain and fans out to secondary stores.
func (o *Orchestrator) stepUpdateState(ctx context.Context, working []todo.RawTodo, result *RunResult) error {
	started := time.Now()

	processed, stats, err := o.deps.Processor.Process(ctx, working)
	if err != nil {
		return err
	}
	result.Processed = processed
	result.Stats = stats

	return o.completeStep(ctx, result, StepResult{
		Step:   StepUpdateState,
		Status: "completed",
		Detail: fmt.Sprintf("%d processed, %d dropped, %d conflicts",
			stats.Processed, stats.ValidationDropped, stats.Conflicts),
		StartedAt:   started,
		CompletedAt: time.Now(),
	})
}

// stepNotifyDownstream announces the run outcome, best-effort.
func (o *Orchestrator) stepNotifyDownstream(ctx context.Context, result *RunResult) {
	started := time.Now()
	detail := "no downstream notifier configured"

	if o.deps.RunNotifier != nil {
		if err := o.deps.RunNotifier.NotifyRun(ctx, result); err != nil {
			detail = fmt.Sprintf("notification failed: %v", err)
			o.config.Logger.Printf("Downstream notification failed for run %s: %v", result.RunID, err)
		} else {
			detail = "notified"
		}
	}

	// Best-effort step: a checkpoint failure here is logged, not fatal,
	// because the run's state change is already committed.
	if err := o.completeStep(ctx, result, StepResult{
		Step:        StepNotifyDownstream,
		Status:      "completed",
		Detail:      detail,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}); err != nil {
		o.config.Logger.Printf("Failed to checkpoint %s: %v", StepNotifyDownstream, err)
	}
}

// completeStep appends the step result and checkpoints it before the next
// step may begin.
func (o *Orchestrator) completeStep(ctx context.Context, result *RunResult, sr StepResult) error {
	result.Steps = append(result.Steps, sr)

	if o.deps.Checkpoints == nil {
		return nil
	}

	detail := sr.Detail
	for _, f := range sr.Failures {
		detail += fmt.Sprintf("; branch %s failed: %s", f.Branch, f.Reason)
	}

	err := o.deps.Checkpoints.SaveStep(ctx, store.StepRecord{
		RunID:       result.RunID,
		Step:        sr.Step,
		Status:      sr.Status,
		Detail:      detail,
		StartedAt:   sr.StartedAt,
		CompletedAt: sr.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to checkpoint step %s: %w", sr.Step, err)
	}
	return nil
}

// fail records a failed step, finishes the run as failed and returns the
// failed result.
func (o *Orchestrator) fail(ctx context.Context, result *RunResult, step string, cause error) (*RunResult, error) {
	result.Status = store.RunFailed

	// The failed step may already carry its own (failed) checkpoint from
	// completeStep; only add one if it is missing.
	recorded := false
	for _, sr := range result.Steps {
		if sr.Step == step {
			recorded = true
			break
		}
	}
	if !recorded {
		now := time.Now()
		if err := o.completeStep(ctx, result, StepResult{
			Step:        step,
			Status:      "failed",
			Detail:      cause.Error(),
			StartedAt:   now,
			CompletedAt: now,
		}); err != nil {
			o.config.Logger.Printf("Failed to checkpoint failed step %s: %v", step, err)
		}
	}

	if o.deps.Checkpoints != nil {
		if err := o.deps.Checkpoints.FinishRun(ctx, result.RunID, store.RunFailed, time.Now()); err != nil {
			o.config.Logger.Printf("Failed to record run failure: %v", err)
		}
	}

	o.config.Logger.Printf("Run %s failed at %s: %v", result.RunID, step, cause)
	return result, fmt.Errorf("run %s failed at step %s: %w", result.RunID, step, cause)
}

// syncSuccesses counts successful destination branches recorded for the
// sync-destinations step.
func (o *Orchestrator) syncSuccesses(result *RunResult) int {
	for _, sr := range result.Steps {
		if sr.Step == StepSyncDestinations {
			return len(o.deps.Destinations) - len(sr.Failures)
		}
	}
	return 0
}
