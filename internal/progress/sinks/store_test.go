package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/progress"
	"github.com/JakeFAU/scrapefleet/internal/store"
)

// TestStoreSinkPersistsTaskEvents ensures consumer stages become repository calls.
func TestStoreSinkPersistsTaskEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeWorkflowRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now()

	batch := []progress.Event{
		{RunID: "wf", Stage: progress.StageWorkflowStart, Total: 2, TS: now},
		{RunID: "r", Stage: progress.StageWorkerDone, TS: now},
		{RunID: "wf", Stage: progress.StageTaskRetry, TaskID: "b", Failures: 1, Note: "boom", TS: now},
		{RunID: "wf", Stage: progress.StageTaskDone, TaskID: "a", Items: 3, TS: now},
		{RunID: "wf", Stage: progress.StageWorkflowDone, TS: now},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{"wf"}, repo.starts)
	require.Equal(t, []string{"wf"}, repo.completes)
	require.Len(t, repo.tasks, 2)
	require.Equal(t, store.OutcomeRetried, repo.tasks[0].Outcome)
	require.Equal(t, int64(1), repo.tasks[0].Attempt)
	require.Equal(t, "boom", *repo.tasks[0].ErrorMessage)
	require.Equal(t, store.OutcomeProcessed, repo.tasks[1].Outcome)
	require.Equal(t, int64(3), repo.tasks[1].Items)
	require.Nil(t, repo.tasks[1].ErrorMessage)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeWorkflowRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: "wf", Stage: progress.StageWorkflowStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type fakeWorkflowRepo struct {
	fail      bool
	starts    []string
	completes []string
	tasks     []store.TaskRecord
}

func (f *fakeWorkflowRepo) UpsertWorkflowStart(_ context.Context, workflowID string, _ int64, _ time.Time) error {
	if f.fail {
		return assertErr("start")
	}
	f.starts = append(f.starts, workflowID)
	return nil
}

func (f *fakeWorkflowRepo) RecordTask(_ context.Context, rec store.TaskRecord) error {
	if f.fail {
		return assertErr("task")
	}
	f.tasks = append(f.tasks, rec)
	return nil
}

func (f *fakeWorkflowRepo) CompleteWorkflow(_ context.Context, workflowID string, _ time.Time) error {
	if f.fail {
		return assertErr("complete")
	}
	f.completes = append(f.completes, workflowID)
	return nil
}

func (f *fakeWorkflowRepo) GetWorkflow(context.Context, string) (store.WorkflowRun, error) {
	return store.WorkflowRun{}, assertErr("read")
}

func (f *fakeWorkflowRepo) ListWorkflows(context.Context, *store.WorkflowStatus, int, int) ([]store.WorkflowRun, error) {
	return nil, assertErr("list")
}

func (f *fakeWorkflowRepo) ListWorkflowTasks(context.Context, string, int, int) ([]store.TaskRecord, error) {
	return nil, assertErr("tasks")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
