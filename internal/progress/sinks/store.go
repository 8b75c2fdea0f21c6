package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/progress"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

// StoreSink persists consumer workflow and task events via a
// store.WorkflowRepository. Pool events are ignored.
type StoreSink struct {
	repo   store.WorkflowRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.WorkflowRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

var taskOutcomes = map[progress.Stage]store.TaskOutcome{
	progress.StageTaskDone:       store.OutcomeProcessed,
	progress.StageTaskDuplicate:  store.OutcomeDuplicate,
	progress.StageTaskRetry:      store.OutcomeRetried,
	progress.StageTaskDeadLetter: store.OutcomeDeadLettered,
}

// Consume forwards events to the repository in order and stops at the first
// repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageWorkflowStart:
			if err := s.repo.UpsertWorkflowStart(ctx, evt.RunID, evt.Total, evt.TS); err != nil {
				return fmt.Errorf("upsert workflow start: %w", err)
			}
		case progress.StageWorkflowDone:
			if err := s.repo.CompleteWorkflow(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("complete workflow: %w", err)
			}
		case progress.StageTaskDone, progress.StageTaskDuplicate, progress.StageTaskRetry, progress.StageTaskDeadLetter:
			rec := store.TaskRecord{
				WorkflowID: evt.RunID,
				TaskID:     evt.TaskID,
				Outcome:    taskOutcomes[evt.Stage],
				Items:      evt.Items,
				Attempt:    evt.Failures,
				RecordedAt: evt.TS,
			}
			if evt.Note != "" {
				note := evt.Note
				rec.ErrorMessage = &note
			}
			if err := s.repo.RecordTask(ctx, rec); err != nil {
				return fmt.Errorf("record task: %w", err)
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
