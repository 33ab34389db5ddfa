package store

import (
	"context"
	"time"
)

// RunStatus is the overall state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunRecord is the durable header for one workflow run.
type RunRecord struct {
	RunID     string
	Trigger   string
	StartedAt time.Time
}

// StepRecord is the durable checkpoint for one named workflow step.
//
// A step's record is written before the next step begins, so a diagnostic
// tool can always see which step last completed for a given run and a retry
// can be scoped to the failed step and its successors.
type StepRecord struct {
	RunID       string
	Step        string
	Status      string
	Detail      string
	StartedAt   time.Time
	CompletedAt time.Time
}

// CheckpointStore persists workflow run checkpoints, one record per run
// plus one record per completed step, keyed by run ID.
type CheckpointStore interface {
	BeginRun(ctx context.Context, run RunRecord) error
	SaveStep(ctx context.Context, step StepRecord) error
	FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time) error
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)
}
