// Package progress defines the events emitted by pool runs and the task
// consumer.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Pool run stages.
const (
	StageRunProgress    Stage = "RUN_PROGRESS"
	StageRunDone        Stage = "RUN_DONE"
	StageWorkerProgress Stage = "WORKER_PROGRESS"
	StageWorkerDone     Stage = "WORKER_DONE"
	StageWorkerFailed   Stage = "WORKER_FAILED"
)

// Consumer stages. RunID carries the workflow ID.
const (
	StageWorkflowStart  Stage = "WORKFLOW_START"
	StageWorkflowDone   Stage = "WORKFLOW_DONE"
	StageTaskDone       Stage = "TASK_DONE"
	StageTaskDuplicate  Stage = "TASK_DUPLICATE"
	StageTaskRetry      Stage = "TASK_RETRY"
	StageTaskDeadLetter Stage = "TASK_DEAD_LETTER"
)

// Event captures a single progress milestone.
type Event struct {
	// RunID is the pool run ID or the workflow ID.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// WorkerID scopes worker stages.
	WorkerID int
	// TaskID scopes task stages.
	TaskID string
	URL    string
	// Items is the item count the stage reports (cumulative for runs and workers).
	Items int64
	// Failures counts failed URLs or, for retries, the retry attempt.
	Failures int64
	// Total is the expected task count for WORKFLOW_START.
	Total int64
	Dur   time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunProgress, StageRunDone, StageWorkerProgress, StageWorkerDone, StageWorkerFailed:
	case StageWorkflowStart, StageWorkflowDone:
	case StageTaskDone, StageTaskDuplicate, StageTaskRetry, StageTaskDeadLetter:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Items < 0 {
		return errors.New("items must be >= 0")
	}
	return nil
}

// IsSnapshot reports whether the stage is a periodic progress reading that a
// newer reading for the same run and worker supersedes.
func (s Stage) IsSnapshot() bool {
	return s == StageRunProgress || s == StageWorkerProgress
}

// IsTask reports whether the stage belongs to the consumer path.
func (s Stage) IsTask() bool {
	switch s {
	case StageWorkflowStart, StageWorkflowDone, StageTaskDone, StageTaskDuplicate, StageTaskRetry, StageTaskDeadLetter:
		return true
	}
	return false
}
