package consumer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRegistryTracksAndMarks(t *testing.T) {
	t.Parallel()

	r := NewRegistry(0)
	require.True(t, r.Track("wf", 2, t0))
	require.False(t, r.Track("wf", 9, t0.Add(time.Minute)), "existing total is kept")
	require.False(t, r.Seen("wf", "a"))

	stats, ok := r.MarkProcessed("wf", "a", 3, t0)
	require.True(t, ok)
	require.False(t, stats.Complete())
	require.True(t, r.Seen("wf", "a"))

	stats, ok = r.MarkProcessed("wf", "a", 3, t0)
	require.False(t, ok)
	require.Equal(t, 1, stats.ProcessedTasks)

	stats, ok = r.MarkProcessed("wf", "b", 4, t0)
	require.True(t, ok)
	require.True(t, stats.Complete())
	require.Equal(t, WorkflowStats{StartTime: t0, TotalTasks: 2, ProcessedTasks: 2, TotalItems: 7}, stats)
}

func TestRegistryFillsMissingTotal(t *testing.T) {
	t.Parallel()

	r := NewRegistry(time.Hour)
	r.Track("wf", 0, t0)
	r.Track("wf", 4, t0)
	snap, ok := r.Get("wf")
	require.True(t, ok)
	require.Equal(t, 4, snap.Stats.TotalTasks)
	require.False(t, WorkflowStats{ProcessedTasks: 3}.Complete(), "unknown totals never complete")
}

func TestRegistryPurge(t *testing.T) {
	t.Parallel()

	r := NewRegistry(time.Hour)
	r.Track("old", 1, t0)
	r.MarkProcessed("old", "x", 1, t0)
	r.Track("edge", 1, t0.Add(30*time.Minute))
	r.Track("new", 1, t0.Add(90*time.Minute))

	require.Empty(t, r.Purge(t0.Add(time.Hour)), "exactly at retention is kept")
	require.Equal(t, []string{"old"}, r.Purge(t0.Add(time.Hour+time.Second)))
	require.Equal(t, []string{"edge"}, r.Purge(t0.Add(2*time.Hour)))
	require.Equal(t, 1, r.Len())
	require.False(t, r.Seen("old", "x"))
}

func TestRegistrySnapshotOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry(time.Hour)
	r.Track("b", 1, t0.Add(time.Second))
	r.Track("c", 1, t0)
	r.Track("a", 1, t0)
	r.MarkProcessed("a", "t2", 0, t0)
	r.MarkProcessed("a", "t1", 0, t0)

	snaps := r.Snapshot()
	require.Len(t, snaps, 3)
	require.Equal(t, "a", snaps[0].WorkflowID)
	require.Equal(t, "c", snaps[1].WorkflowID)
	require.Equal(t, "b", snaps[2].WorkflowID)
	require.Equal(t, []string{"t1", "t2"}, snaps[0].Processed)

	r.Reset()
	require.Zero(t, r.Len())
	require.Empty(t, r.Snapshot())
}

func TestRegistryConcurrentMarks(t *testing.T) {
	t.Parallel()

	r := NewRegistry(time.Hour)
	r.Track("wf", 50, t0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.MarkProcessed("wf", string(rune('a'+i%50)), 1, t0); ok {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, firsts)
	snap, _ := r.Get("wf")
	require.True(t, snap.Stats.Complete())
	require.Equal(t, 50, snap.Stats.TotalItems)
}
