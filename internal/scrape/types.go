// Package scrape defines the core types shared by the executor, pool and consumer.
package scrape

import (
	"errors"
	"math"
	"time"
)

// ErrSessionUnavailable marks a failure to acquire a browser session. It is the
// only executor error that aborts a whole batch.
var ErrSessionUnavailable = errors.New("browser session unavailable")

// Unbounded is used for batch sizes and windows that carry no limit.
const Unbounded = math.MaxInt32

// Item is one extracted record, keyed by field name.
type Item map[string]any

// PaginationType selects how the in-page scraper advances through a list.
type PaginationType string

// Pagination strategies understood by the extraction script.
const (
	PaginationNone          PaginationType = "none"
	PaginationClickNext     PaginationType = "clickNext"
	PaginationClickLoadMore PaginationType = "clickLoadMore"
	PaginationScrollDown    PaginationType = "scrollDown"
	PaginationScrollUp      PaginationType = "scrollUp"
)

// Field describes how to read one value out of a list element.
type Field struct {
	Selector  string `json:"selector" mapstructure:"selector"`
	Tag       string `json:"tag,omitempty" mapstructure:"tag"`
	Attribute string `json:"attribute,omitempty" mapstructure:"attribute"`
}

// Pagination tells the script how to reach further list entries.
type Pagination struct {
	Type     PaginationType `json:"type" mapstructure:"type"`
	Selector string         `json:"selector,omitempty" mapstructure:"selector"`
}

// ListConfig is the list-extraction descriptor handed to scrapeList.
type ListConfig struct {
	ListSelector string           `json:"listSelector" mapstructure:"list_selector"`
	Fields       map[string]Field `json:"fields" mapstructure:"fields"`
	Pagination   *Pagination      `json:"pagination,omitempty" mapstructure:"pagination"`
}

// ListRequest is the exact argument passed to the in-page scrapeList primitive.
type ListRequest struct {
	ListConfig
	Limit int `json:"limit"`
}

// Job is a caller-owned scrape request before it is split across executors.
type Job struct {
	URLs       []string   `json:"urls" mapstructure:"urls"`
	List       ListConfig `json:"list" mapstructure:"list"`
	BatchSize  int        `json:"batchSize" mapstructure:"batch_size"`
	StartIndex int        `json:"startIndex" mapstructure:"start_index"`
	EndIndex   int        `json:"endIndex" mapstructure:"end_index"`
}

// WorkerConfig is one executor's share of a job.
type WorkerConfig struct {
	WorkerID   int
	URLs       []string
	List       ListConfig
	BatchSize  int
	StartIndex int
	EndIndex   int
}

// Window is the number of results the [StartIndex, EndIndex) window allows.
// An EndIndex at or before StartIndex leaves the window open, matching how a
// task with no limit is read.
func (c WorkerConfig) Window() int {
	if c.EndIndex <= c.StartIndex {
		return Unbounded
	}
	return c.EndIndex - c.StartIndex
}

// Cutoff is the effective batch size; zero or negative means unbounded.
func (c WorkerConfig) Cutoff() int {
	if c.BatchSize <= 0 {
		return Unbounded
	}
	return c.BatchSize
}

// EventType classifies executor notifications.
type EventType string

// Executor notification types.
const (
	EventProgress EventType = "progress"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// WorkerEvent is a message from an executor to whoever coordinates it.
type WorkerEvent struct {
	Type          EventType
	WorkerID      int
	URL           string
	ProcessedURLs int
	TotalURLs     int
	ScrapedItems  int
	Err           error
	At            time.Time
}

// TaskConfig is the extraction configuration carried inside a bus task.
type TaskConfig struct {
	ListSelector string           `json:"listSelector"`
	Fields       map[string]Field `json:"fields"`
	Pagination   *Pagination      `json:"pagination,omitempty"`
	Limit        int              `json:"limit,omitempty"`
	BatchSize    int              `json:"batchSize,omitempty"`
}

// Task is the JSON body of a task-topic message.
type Task struct {
	WorkflowID string     `json:"workflowId"`
	TaskID     string     `json:"taskId"`
	URLs       []string   `json:"urls"`
	Config     TaskConfig `json:"config"`
}

// WorkerConfig converts the task into a single executor assignment. Tasks share
// nothing across each other, so the worker ID is always zero.
func (t Task) WorkerConfig() WorkerConfig {
	end := t.Config.Limit
	if end <= 0 {
		end = Unbounded
	}
	return WorkerConfig{
		URLs: t.URLs,
		List: ListConfig{
			ListSelector: t.Config.ListSelector,
			Fields:       t.Config.Fields,
			Pagination:   t.Config.Pagination,
		},
		BatchSize:  t.Config.BatchSize,
		StartIndex: 0,
		EndIndex:   end,
	}
}

// TaskResult is the body published to the results topic.
type TaskResult struct {
	TaskID     string `json:"taskId"`
	WorkflowID string `json:"workflowId"`
	Data       []Item `json:"data"`
}
