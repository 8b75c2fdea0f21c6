package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *recordingSink) Events() []Event {
	var out []Event
	for _, b := range s.Batches() {
		out = append(out, b...)
	}
	return out
}

func workerSnapshot(worker int, items int64) Event {
	return Event{RunID: "run-1", TS: time.Now(), Stage: StageWorkerProgress, WorkerID: worker, Items: items}
}

func taskDone(id string) Event {
	return Event{RunID: "wf-1", TS: time.Now(), Stage: StageTaskDone, TaskID: id, Items: 1}
}

func TestHubFlushesWhenBatchFills(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(taskDone("t1"))
	hub.Emit(taskDone("t2"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(taskDone("t1"))
	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubKeepsNewestSnapshotPerWorker(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	hub.Emit(workerSnapshot(0, 1))
	hub.Emit(workerSnapshot(1, 5))
	hub.Emit(workerSnapshot(0, 2))
	hub.Emit(Event{RunID: "run-1", TS: time.Now(), Stage: StageRunProgress, Items: 7})
	hub.Emit(workerSnapshot(0, 3))
	hub.Emit(Event{RunID: "run-1", TS: time.Now(), Stage: StageWorkerDone, WorkerID: 0, Items: 3})
	hub.Emit(Event{RunID: "run-1", TS: time.Now(), Stage: StageRunProgress, Items: 8})
	require.NoError(t, hub.Close(context.Background()))

	events := sink.Events()
	require.Len(t, events, 4)
	require.Equal(t, StageWorkerProgress, events[0].Stage)
	require.Equal(t, int64(3), events[0].Items)
	require.Equal(t, 1, events[1].WorkerID)
	require.Equal(t, StageRunProgress, events[2].Stage)
	require.Equal(t, int64(8), events[2].Items)
	require.Equal(t, StageWorkerDone, events[3].Stage)

	require.Equal(t, Stats{Accepted: 4, Coalesced: 3, Flushed: 4}, hub.Stats())
}

func TestHubFullQueuePrefersMilestones(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BufferSize: 2, MaxBatchWait: time.Minute}, sink)

	hub.Emit(workerSnapshot(0, 1))
	hub.Emit(workerSnapshot(1, 1))
	hub.Emit(workerSnapshot(2, 1)) // queue full: dropped
	hub.Emit(taskDone("t1"))       // displaces worker 0
	hub.Emit(workerSnapshot(1, 4)) // still coalesces into its slot
	hub.Emit(taskDone("t2"))       // displaces worker 1
	hub.Emit(taskDone("t3"))       // nothing left to displace
	require.NoError(t, hub.Close(context.Background()))

	events := sink.Events()
	require.Len(t, events, 2)
	require.Equal(t, "t1", events[0].TaskID)
	require.Equal(t, "t2", events[1].TaskID)

	stats := hub.Stats()
	require.Equal(t, int64(4), stats.Dropped)
	require.Equal(t, int64(1), stats.Coalesced)
}

func TestHubSplitsLargeFlushes(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Minute}, sink)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		hub.Emit(taskDone(id))
	}
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Events(), 7)
	for _, b := range sink.Batches() {
		require.LessOrEqual(t, len(b), 3)
	}
}

func TestHubCloseFlushesAndIgnoresLateEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(taskDone("t1"))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(taskDone("t2"))
	require.Len(t, sink.Events(), 1)
	require.True(t, sink.closed)
}

func TestHubStampsMissingTimestamp(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	hub := NewHub(Config{Now: func() time.Time { return fixed }}, sink)
	hub.Emit(Event{RunID: "run-1", Stage: StageRunDone})
	require.NoError(t, hub.Close(context.Background()))

	events := sink.Events()
	require.Len(t, events, 1)
	require.Equal(t, fixed, events[0].TS)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{}, sink)
	hub.Emit(Event{RunID: "wf", TS: time.Now(), Stage: StageTaskDone})
	hub.Emit(Event{TS: time.Now(), Stage: StageRunDone})
	hub.Emit(Event{RunID: "wf", TS: time.Now(), Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Events())
	require.Zero(t, hub.Stats().Accepted)
}

func TestNilHubIsInert(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(taskDone("t1"))
	require.Equal(t, Stats{}, hub.Stats())
	require.NoError(t, hub.Close(context.Background()))
}

func TestStageClassification(t *testing.T) {
	t.Parallel()

	require.True(t, StageTaskRetry.IsTask())
	require.True(t, StageWorkflowStart.IsTask())
	require.False(t, StageWorkerDone.IsTask())
	require.True(t, StageWorkerProgress.IsSnapshot())
	require.True(t, StageRunProgress.IsSnapshot())
	require.False(t, StageRunDone.IsSnapshot())
}
