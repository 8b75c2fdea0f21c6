package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/progress"
)

func TestEmitterListenerMapsStages(t *testing.T) {
	t.Parallel()

	var got []progress.Event
	l := NewEmitterListener("run-7", progress.EmitterFunc(func(evt progress.Event) {
		got = append(got, evt)
	}))

	l.OnProgress(WorkerProgress{WorkerID: 1, Status: StatusRunning, CurrentURL: "u", ScrapedItems: 2})
	l.OnProgress(WorkerProgress{WorkerID: 1, Status: StatusFailed, Failures: 3})
	l.OnProgress(WorkerProgress{WorkerID: 2, Status: StatusCompleted, ScrapedItems: 4})
	at := time.Unix(1700000000, 0)
	l.OnGlobalProgress(GlobalMetrics{TotalItems: 6, At: at})
	l.OnGlobalProgress(GlobalMetrics{TotalItems: 6, TotalWorkers: 2, FailedWorkers: 1, Final: true, At: at})

	require.Len(t, got, 5)
	require.Equal(t, progress.StageWorkerProgress, got[0].Stage)
	require.Equal(t, "u", got[0].URL)
	require.Equal(t, progress.StageWorkerFailed, got[1].Stage)
	require.Equal(t, int64(3), got[1].Failures)
	require.Equal(t, progress.StageWorkerDone, got[2].Stage)
	require.Equal(t, progress.StageRunProgress, got[3].Stage)
	require.Equal(t, progress.StageRunDone, got[4].Stage)
	require.Equal(t, "some workers failed", got[4].Note)
	for _, evt := range got {
		require.Equal(t, "run-7", evt.RunID)
	}
}
