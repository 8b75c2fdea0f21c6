package pool

import "github.com/JakeFAU/scrapefleet/internal/progress"

// EmitterListener forwards pool notifications to a progress emitter under runID.
type EmitterListener struct {
	runID   string
	emitter progress.Emitter
}

// NewEmitterListener constructs an EmitterListener.
func NewEmitterListener(runID string, emitter progress.Emitter) *EmitterListener {
	if emitter == nil {
		emitter = progress.Nop
	}
	return &EmitterListener{runID: runID, emitter: emitter}
}

// OnProgress implements Listener.
func (l *EmitterListener) OnProgress(p WorkerProgress) {
	stage := progress.StageWorkerProgress
	switch p.Status {
	case StatusCompleted:
		stage = progress.StageWorkerDone
	case StatusFailed:
		stage = progress.StageWorkerFailed
	}
	l.emitter.Emit(progress.Event{
		RunID:    l.runID,
		Stage:    stage,
		WorkerID: p.WorkerID,
		URL:      p.CurrentURL,
		Items:    int64(p.ScrapedItems),
		Failures: int64(p.Failures),
		Dur:      p.TimeElapsed,
	})
}

// OnGlobalProgress implements Listener.
func (l *EmitterListener) OnGlobalProgress(g GlobalMetrics) {
	stage := progress.StageRunProgress
	if g.Final {
		stage = progress.StageRunDone
	}
	l.emitter.Emit(progress.Event{
		RunID:    l.runID,
		TS:       g.At,
		Stage:    stage,
		Items:    int64(g.TotalItems),
		Failures: int64(g.TotalFailures),
		Total:    int64(g.TotalWorkers),
		Dur:      g.Elapsed,
		Note:     runNote(g),
	})
}

func runNote(g GlobalMetrics) string {
	if !g.Final || g.FailedWorkers == 0 {
		return ""
	}
	if g.FailedWorkers == g.TotalWorkers {
		return "all workers failed"
	}
	return "some workers failed"
}
