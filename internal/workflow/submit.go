// Package workflow turns a scrape job into a workflow of bus tasks.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/bus"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// Submission describes a published workflow.
type Submission struct {
	WorkflowID string   `json:"workflowId"`
	TaskIDs    []string `json:"taskIds"`
	Topic      string   `json:"topic"`
}

// Submitter publishes job batches as tasks sharing one workflow ID.
type Submitter struct {
	pub    bus.Publisher
	ids    scrape.IDGenerator
	topic  string
	logger *zap.Logger
}

// NewSubmitter builds a Submitter that publishes to topic.
func NewSubmitter(pub bus.Publisher, ids scrape.IDGenerator, topic string, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{pub: pub, ids: ids, topic: topic, logger: logger.Named("submit")}
}

// Submit splits job into at most batches tasks and publishes them with the
// total-tasks, retry-count and workflow-id headers set. A publish failure
// aborts the remaining tasks; consumers still process those already sent.
func (s *Submitter) Submit(ctx context.Context, job scrape.Job, batches int) (Submission, error) {
	if job.List.ListSelector == "" {
		return Submission{}, errors.New("job list selector is required")
	}
	workflowID, err := s.ids.NewID()
	if err != nil {
		return Submission{}, fmt.Errorf("generate workflow id: %w", err)
	}
	tasks, err := scrape.TasksFromJob(job, workflowID, batches, s.ids)
	if err != nil {
		return Submission{}, fmt.Errorf("split job: %w", err)
	}

	sub := Submission{WorkflowID: workflowID, Topic: s.topic, TaskIDs: make([]string, 0, len(tasks))}
	total := strconv.Itoa(len(tasks))
	for i, task := range tasks {
		body, err := json.Marshal(task)
		if err != nil {
			return sub, fmt.Errorf("encode task: %w", err)
		}
		err = s.pub.Publish(ctx, bus.Message{
			Topic: s.topic,
			Key:   task.TaskID,
			Value: body,
			Headers: bus.Headers{
				bus.HeaderTotalTasks: total,
				bus.HeaderRetryCount: "0",
				bus.HeaderWorkflowID: workflowID,
			},
		})
		if err != nil {
			return sub, fmt.Errorf("publish task %d of %d: %w", i+1, len(tasks), err)
		}
		sub.TaskIDs = append(sub.TaskIDs, task.TaskID)
	}
	s.logger.Info("workflow submitted",
		zap.String("workflow_id", workflowID),
		zap.Int("tasks", len(tasks)),
		zap.Int("urls", len(job.URLs)),
	)
	return sub, nil
}
