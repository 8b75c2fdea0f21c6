package scrape

import (
	"errors"
	"fmt"
)

// SplitJob divides the job's URLs into at most n contiguous batches, preserving
// order. Every returned config carries the job's extraction descriptor, batch
// size and window.
func SplitJob(job Job, n int) ([]WorkerConfig, error) {
	if len(job.URLs) == 0 {
		return nil, errors.New("job has no urls")
	}
	if n <= 0 {
		return nil, fmt.Errorf("batch count must be > 0, got %d", n)
	}
	if n > len(job.URLs) {
		n = len(job.URLs)
	}
	size := (len(job.URLs) + n - 1) / n
	configs := make([]WorkerConfig, 0, n)
	for start := 0; start < len(job.URLs); start += size {
		end := min(start+size, len(job.URLs))
		configs = append(configs, WorkerConfig{
			WorkerID:   len(configs),
			URLs:       append([]string(nil), job.URLs[start:end]...),
			List:       job.List,
			BatchSize:  job.BatchSize,
			StartIndex: job.StartIndex,
			EndIndex:   job.EndIndex,
		})
	}
	return configs, nil
}

// TasksFromJob turns a job into bus tasks for one workflow, one task per batch.
func TasksFromJob(job Job, workflowID string, n int, ids IDGenerator) ([]Task, error) {
	configs, err := SplitJob(job, n)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(configs))
	for _, cfg := range configs {
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate task id: %w", err)
		}
		tasks = append(tasks, Task{
			WorkflowID: workflowID,
			TaskID:     id,
			URLs:       cfg.URLs,
			Config: TaskConfig{
				ListSelector: job.List.ListSelector,
				Fields:       job.List.Fields,
				Pagination:   job.List.Pagination,
				Limit:        job.EndIndex - job.StartIndex,
				BatchSize:    job.BatchSize,
			},
		})
	}
	return tasks, nil
}
