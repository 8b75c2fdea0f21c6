package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrapefleet/internal/progress"
)

// PrometheusSink exports pool and consumer progress via Prometheus.
type PrometheusSink struct {
	runsCompleted  *prometheus.CounterVec
	runDuration    prometheus.Histogram
	workersRunning prometheus.Gauge
	workersDone    *prometheus.CounterVec
	items          *prometheus.CounterVec
	urlFailures    prometheus.Counter

	tasks            *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	workflowsStarted prometheus.Counter
	workflowsDone    prometheus.Counter

	tracker *workerTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapefleet_pool_runs_completed_total",
			Help: "Pool runs completed partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapefleet_pool_run_duration_seconds",
			Help:    "Wall time per pool run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scrapefleet_pool_workers_running",
			Help: "Executors currently reporting progress.",
		}),
		workersDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapefleet_pool_workers_finished_total",
			Help: "Executors finished partitioned by result.",
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapefleet_items_scraped_total",
			Help: "Deduplicated items returned partitioned by source.",
		}, []string{"source"}),
		urlFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapefleet_pool_url_failures_total",
			Help: "URLs that failed inside finished executors.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scrapefleet_consumer_tasks_total",
			Help: "Task deliveries handled partitioned by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scrapefleet_consumer_task_duration_seconds",
			Help:    "Execution time of successfully processed tasks.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapefleet_consumer_workflows_started_total",
			Help: "Workflows first seen by this consumer.",
		}),
		workflowsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scrapefleet_consumer_workflows_completed_total",
			Help: "Workflows whose every task was processed.",
		}),
		tracker: newWorkerTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsCompleted,
		s.runDuration,
		s.workersRunning,
		s.workersDone,
		s.items,
		s.urlFailures,
		s.tasks,
		s.taskDuration,
		s.workflowsStarted,
		s.workflowsDone,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage.IsTask() {
			s.handleTaskEvent(evt)
		} else {
			s.handlePoolEvent(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handlePoolEvent(evt progress.Event) {
	key := workerKey{runID: evt.RunID, workerID: evt.WorkerID}
	switch evt.Stage {
	case progress.StageWorkerProgress:
		if s.tracker.start(key) {
			s.workersRunning.Inc()
		}
	case progress.StageWorkerDone, progress.StageWorkerFailed:
		result := "success"
		if evt.Stage == progress.StageWorkerFailed {
			result = "error"
		} else {
			s.items.WithLabelValues("pool").Add(float64(evt.Items))
		}
		first, wasRunning := s.tracker.finish(key)
		if !first {
			return
		}
		if wasRunning {
			s.workersRunning.Dec()
		}
		s.workersDone.WithLabelValues(result).Inc()
		s.urlFailures.Add(float64(evt.Failures))
	case progress.StageRunDone:
		result := "success"
		switch evt.Note {
		case "all workers failed":
			result = "error"
		case "some workers failed":
			result = "partial"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		s.tracker.forget(evt.RunID)
		if evt.Dur > 0 {
			s.runDuration.Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) handleTaskEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageWorkflowStart:
		s.workflowsStarted.Inc()
	case progress.StageWorkflowDone:
		s.workflowsDone.Inc()
	case progress.StageTaskDone:
		s.tasks.WithLabelValues("processed").Inc()
		s.items.WithLabelValues("consumer").Add(float64(evt.Items))
		if evt.Dur > 0 {
			s.taskDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageTaskDuplicate:
		s.tasks.WithLabelValues("duplicate").Inc()
	case progress.StageTaskRetry:
		s.tasks.WithLabelValues("retried").Inc()
	case progress.StageTaskDeadLetter:
		s.tasks.WithLabelValues("dead_lettered").Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type workerKey struct {
	runID    string
	workerID int
}

// workerTracker remembers which workers were counted as running so the gauge
// stays balanced when progress events repeat.
type workerTracker struct {
	mu      sync.Mutex
	running map[workerKey]struct{}
	done    map[workerKey]struct{}
}

func newWorkerTracker() *workerTracker {
	return &workerTracker{
		running: make(map[workerKey]struct{}),
		done:    make(map[workerKey]struct{}),
	}
}

func (t *workerTracker) start(k workerKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[k]; ok {
		return false
	}
	if _, ok := t.done[k]; ok {
		return false
	}
	t.running[k] = struct{}{}
	return true
}

// finish reports whether this is the first finish for k and whether k was
// counted as running.
func (t *workerTracker) finish(k workerKey) (first, wasRunning bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[k]; ok {
		return false, false
	}
	t.done[k] = struct{}{}
	_, wasRunning = t.running[k]
	delete(t.running, k)
	return true, wasRunning
}

func (t *workerTracker) forget(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.done {
		if k.runID == runID {
			delete(t.done, k)
		}
	}
	for k := range t.running {
		if k.runID == runID {
			delete(t.running, k)
		}
	}
}
