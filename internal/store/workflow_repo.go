package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("workflow record not found")

// WorkflowStatus mirrors the workflow_runs status column.
type WorkflowStatus string

// Workflow statuses persisted in workflow_runs.status.
const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
)

// TaskOutcome mirrors the task_outcomes outcome column.
type TaskOutcome string

// Task outcomes recorded by the consumer.
const (
	OutcomeProcessed    TaskOutcome = "processed"
	OutcomeDuplicate    TaskOutcome = "duplicate"
	OutcomeRetried      TaskOutcome = "retried"
	OutcomeDeadLettered TaskOutcome = "dead_lettered"
)

// WorkflowRun models the workflow_runs table.
type WorkflowRun struct {
	WorkflowID     string
	Status         WorkflowStatus
	TotalTasks     int64
	ProcessedTasks int64
	TotalItems     int64
	StartedAt      time.Time
	// FinishedAt is nil until every task was processed.
	FinishedAt *time.Time
}

// TaskRecord models one row of task_outcomes.
type TaskRecord struct {
	WorkflowID   string
	TaskID       string
	Outcome      TaskOutcome
	Items        int64
	Attempt      int64
	ErrorMessage *string
	RecordedAt   time.Time
}

// WorkflowRepository persists consumer workflow bookkeeping for auditing. It
// is never read back by the consumer; idempotency stays in memory.
type WorkflowRepository interface {
	// UpsertWorkflowStart inserts the workflow or leaves an existing row untouched.
	UpsertWorkflowStart(ctx context.Context, workflowID string, totalTasks int64, startedAt time.Time) error
	// RecordTask appends an outcome row and, for processed tasks, bumps the workflow counters.
	RecordTask(ctx context.Context, rec TaskRecord) error
	// CompleteWorkflow marks the workflow finished.
	CompleteWorkflow(ctx context.Context, workflowID string, finishedAt time.Time) error

	// GetWorkflow loads one workflow or returns ErrNotFound.
	GetWorkflow(ctx context.Context, workflowID string) (WorkflowRun, error)
	// ListWorkflows returns workflows filtered by optional status plus limit/offset.
	ListWorkflows(ctx context.Context, status *WorkflowStatus, limit, offset int) ([]WorkflowRun, error)
	// ListWorkflowTasks returns outcome rows for one workflow, newest first.
	ListWorkflowTasks(ctx context.Context, workflowID string, limit, offset int) ([]TaskRecord, error)
}
