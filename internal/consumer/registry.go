package consumer

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetention is how long workflow bookkeeping is kept after it was first seen.
const DefaultRetention = time.Hour

// WorkflowStats summarizes one workflow's progress as seen by this consumer.
type WorkflowStats struct {
	StartTime      time.Time `json:"startTime"`
	TotalTasks     int       `json:"totalTasks"`
	ProcessedTasks int       `json:"processedTasks"`
	TotalItems     int       `json:"totalItems"`
}

// Complete reports whether every announced task was processed.
func (s WorkflowStats) Complete() bool {
	return s.TotalTasks > 0 && s.ProcessedTasks >= s.TotalTasks
}

// WorkflowSnapshot is a read-only copy of a tracked workflow.
type WorkflowSnapshot struct {
	WorkflowID string        `json:"workflowId"`
	Stats      WorkflowStats `json:"stats"`
	Processed  []string      `json:"processedTaskIds"`
}

type workflow struct {
	stats     WorkflowStats
	processed map[string]struct{}
}

// Registry tracks processed task IDs and stats per workflow. It is owned by one
// consumer instance and safe for concurrent use by its handlers.
type Registry struct {
	retention time.Duration

	mu        sync.Mutex
	workflows map[string]*workflow
}

// NewRegistry builds an empty Registry. A non-positive retention uses DefaultRetention.
func NewRegistry(retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{retention: retention, workflows: make(map[string]*workflow)}
}

// Seen reports whether taskID was already processed within workflowID.
func (r *Registry) Seen(workflowID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[workflowID]
	if !ok {
		return false
	}
	_, seen := wf.processed[taskID]
	return seen
}

// Track starts bookkeeping for workflowID if absent and reports whether it did.
// totalTasks fills in a missing total on an existing entry.
func (r *Registry) Track(workflowID string, totalTasks int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wf, ok := r.workflows[workflowID]; ok {
		if wf.stats.TotalTasks == 0 {
			wf.stats.TotalTasks = totalTasks
		}
		return false
	}
	r.workflows[workflowID] = &workflow{
		stats:     WorkflowStats{StartTime: now, TotalTasks: totalTasks},
		processed: make(map[string]struct{}),
	}
	return true
}

// MarkProcessed records a successful task and returns the updated stats. ok is
// false when the task had already been recorded, in which case stats are unchanged.
func (r *Registry) MarkProcessed(workflowID, taskID string, items int, now time.Time) (WorkflowStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, exists := r.workflows[workflowID]
	if !exists {
		wf = &workflow{stats: WorkflowStats{StartTime: now}, processed: make(map[string]struct{})}
		r.workflows[workflowID] = wf
	}
	if _, dup := wf.processed[taskID]; dup {
		return wf.stats, false
	}
	wf.processed[taskID] = struct{}{}
	wf.stats.ProcessedTasks++
	wf.stats.TotalItems += items
	return wf.stats, true
}

// Purge drops every workflow first seen more than the retention ago, finished
// or not, and returns the purged IDs.
func (r *Registry) Purge(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged []string
	for id, wf := range r.workflows {
		if now.Sub(wf.stats.StartTime) > r.retention {
			delete(r.workflows, id)
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	return purged
}

// Get returns a snapshot of one workflow.
func (r *Registry) Get(workflowID string) (WorkflowSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[workflowID]
	if !ok {
		return WorkflowSnapshot{}, false
	}
	return snapshotOf(workflowID, wf), true
}

// Snapshot returns every tracked workflow ordered by start time.
func (r *Registry) Snapshot() []WorkflowSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkflowSnapshot, 0, len(r.workflows))
	for id, wf := range r.workflows {
		out = append(out, snapshotOf(id, wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stats.StartTime.Equal(out[j].Stats.StartTime) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].Stats.StartTime.Before(out[j].Stats.StartTime)
	})
	return out
}

// Len is the number of tracked workflows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workflows)
}

// Reset clears all bookkeeping.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows = make(map[string]*workflow)
}

func snapshotOf(id string, wf *workflow) WorkflowSnapshot {
	ids := make([]string, 0, len(wf.processed))
	for taskID := range wf.processed {
		ids = append(ids, taskID)
	}
	sort.Strings(ids)
	return WorkflowSnapshot{WorkflowID: id, Stats: wf.stats, Processed: ids}
}
