package pool

import "time"

// Status is a worker's lifecycle state.
type Status string

// Worker statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Performance holds derived counters for one worker. Memory and CPU figures are
// process-wide snapshots because executors share the process.
type Performance struct {
	Duration       time.Duration `json:"duration"`
	AvgTimePerPage time.Duration `json:"avgTimePerPage"`
	HeapAllocBytes uint64        `json:"heapAllocBytes"`
	SysBytes       uint64        `json:"sysBytes"`
	CPUSeconds     float64       `json:"cpuSeconds"`
}

// WorkerMetrics is the observable state of one executor in a run.
type WorkerMetrics struct {
	WorkerID      int         `json:"workerId"`
	CurrentURL    string      `json:"currentUrl"`
	ProcessedURLs int         `json:"processedUrls"`
	TotalURLs     int         `json:"totalUrls"`
	ScrapedItems  int         `json:"scrapedItems"`
	Failures      int         `json:"failures"`
	Status        Status      `json:"status"`
	Error         string      `json:"error,omitempty"`
	StartTime     time.Time   `json:"startTime"`
	EndTime       time.Time   `json:"endTime,omitzero"`
	Performance   Performance `json:"performance"`
}

// WorkerProgress is the per-worker snapshot handed to listeners on every update.
type WorkerProgress struct {
	WorkerID     int
	Status       Status
	Percentage   float64
	CurrentURL   string
	ScrapedItems int
	TimeElapsed  time.Duration
	// EstimatedTimeRemaining is in seconds. It is +Inf or NaN until the first
	// URL has been processed.
	EstimatedTimeRemaining float64
	Failures               int
	Performance            Performance
}

// GlobalMetrics reduces every worker of a run into one point-in-time view.
type GlobalMetrics struct {
	TotalWorkers     int           `json:"totalWorkers"`
	ActiveWorkers    int           `json:"activeWorkers"`
	CompletedWorkers int           `json:"completedWorkers"`
	FailedWorkers    int           `json:"failedWorkers"`
	TotalURLs        int           `json:"totalUrls"`
	ProcessedURLs    int           `json:"processedUrls"`
	TotalItems       int           `json:"totalItems"`
	TotalFailures    int           `json:"totalFailures"`
	ItemsPerSecond   float64       `json:"itemsPerSecond"`
	Elapsed          time.Duration `json:"elapsed"`
	At               time.Time     `json:"at"`
	// Final marks the snapshot emitted after every worker settled.
	Final bool `json:"final"`
}

func (m WorkerMetrics) elapsed(now time.Time) time.Duration {
	if !m.EndTime.IsZero() {
		return m.EndTime.Sub(m.StartTime)
	}
	return now.Sub(m.StartTime)
}

func (m WorkerMetrics) snapshot(now time.Time) WorkerProgress {
	elapsed := m.elapsed(now)
	pct := 0.0
	if m.TotalURLs > 0 {
		pct = float64(m.ProcessedURLs) / float64(m.TotalURLs) * 100
	}
	rate := float64(m.ProcessedURLs) / elapsed.Seconds()
	return WorkerProgress{
		WorkerID:               m.WorkerID,
		Status:                 m.Status,
		Percentage:             pct,
		CurrentURL:             m.CurrentURL,
		ScrapedItems:           m.ScrapedItems,
		TimeElapsed:            elapsed,
		EstimatedTimeRemaining: float64(m.TotalURLs-m.ProcessedURLs) / rate,
		Failures:               m.Failures,
		Performance:            m.Performance,
	}
}

func reduce(workers []WorkerMetrics, start, now time.Time) GlobalMetrics {
	g := GlobalMetrics{TotalWorkers: len(workers), Elapsed: now.Sub(start), At: now}
	for _, w := range workers {
		switch w.Status {
		case StatusRunning:
			g.ActiveWorkers++
		case StatusCompleted:
			g.CompletedWorkers++
		case StatusFailed:
			g.FailedWorkers++
		}
		g.TotalURLs += w.TotalURLs
		g.ProcessedURLs += w.ProcessedURLs
		g.TotalItems += w.ScrapedItems
		g.TotalFailures += w.Failures
	}
	if secs := g.Elapsed.Seconds(); secs > 0 {
		g.ItemsPerSecond = float64(g.TotalItems) / secs
	}
	return g
}
