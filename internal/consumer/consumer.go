// Package consumer drains scraping tasks from a message bus, runs one executor
// pass per task and publishes results, retries and dead letters.
//
// Delivery is at least once. A task's offset is committed only after its
// outcome (a result, a retry copy or a dead-letter copy) has been published,
// so a crash at any point leads to redelivery rather than loss. Replays of an
// already processed (workflowId, taskId) are committed without re-execution.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/bus"
	"github.com/JakeFAU/scrapefleet/internal/clock/system"
	"github.com/JakeFAU/scrapefleet/internal/progress"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// ErrMalformedTask marks task payloads that cannot be decoded or lack identity.
var ErrMalformedTask = errors.New("malformed task")

const (
	defaultMaxRetries   = 3
	defaultConcurrency  = 4
	defaultBackoffBase  = 500 * time.Millisecond
	defaultBackoffLimit = 10 * time.Second
	unknownID           = "unknown"
	tracerName          = "github.com/JakeFAU/scrapefleet/internal/consumer"
)

// Topics names the three topics the consumer touches.
type Topics struct {
	Tasks      string `mapstructure:"tasks"`
	Results    string `mapstructure:"results"`
	DeadLetter string `mapstructure:"dead_letter"`
}

// DefaultTopics returns the conventional topic names.
func DefaultTopics() Topics {
	return Topics{Tasks: "scraping-tasks", Results: "scraping-results", DeadLetter: "scraping-dead-letter"}
}

// Runner executes one task's URLs. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, cfg scrape.WorkerConfig, claimer scrape.Claimer, reporter scrape.Reporter) ([]scrape.Item, error)
}

// Consumer is the bus-driven task processor.
type Consumer struct {
	sub      bus.Subscriber
	pub      bus.Publisher
	runner   Runner
	registry *Registry

	topics       Topics
	maxRetries   int
	concurrency  int
	backoffBase  time.Duration
	backoffLimit time.Duration
	logger       *zap.Logger
	clock        scrape.Clock
	emitter      progress.Emitter
	tracer       trace.Tracer

	sem     chan struct{}
	running atomic.Bool
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithTopics overrides topic names; empty fields keep their defaults.
func WithTopics(t Topics) Option {
	return func(c *Consumer) {
		if t.Tasks != "" {
			c.topics.Tasks = t.Tasks
		}
		if t.Results != "" {
			c.topics.Results = t.Results
		}
		if t.DeadLetter != "" {
			c.topics.DeadLetter = t.DeadLetter
		}
	}
}

// WithMaxRetries sets how many republishes a failing task gets before dead-lettering.
func WithMaxRetries(n int) Option {
	return func(c *Consumer) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithConcurrency bounds how many partitions are processed at once.
func WithConcurrency(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRetryBackoff sets the exponential delay before a retry is republished.
// A zero base disables the delay.
func WithRetryBackoff(base, limit time.Duration) Option {
	return func(c *Consumer) {
		if base >= 0 {
			c.backoffBase = base
		}
		if limit > 0 {
			c.backoffLimit = limit
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock.
func WithClock(clock scrape.Clock) Option {
	return func(c *Consumer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithEmitter sets the progress emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(c *Consumer) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithTracerProvider sets where task spans are recorded. The global provider
// is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Consumer) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// New constructs a Consumer. registry may be nil, in which case one with the
// default retention is created.
func New(sub bus.Subscriber, pub bus.Publisher, runner Runner, registry *Registry, opts ...Option) *Consumer {
	if registry == nil {
		registry = NewRegistry(DefaultRetention)
	}
	c := &Consumer{
		sub:          sub,
		pub:          pub,
		runner:       runner,
		registry:     registry,
		topics:       DefaultTopics(),
		maxRetries:   defaultMaxRetries,
		concurrency:  defaultConcurrency,
		backoffBase:  defaultBackoffBase,
		backoffLimit: defaultBackoffLimit,
		logger:       zap.NewNop(),
		clock:        system.New(),
		emitter:      progress.Nop,
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("consumer")
	c.sem = make(chan struct{}, c.concurrency)
	return c
}

// Registry exposes the workflow bookkeeping for status queries.
func (c *Consumer) Registry() *Registry {
	return c.registry
}

// Topics returns the topics in use.
func (c *Consumer) Topics() Topics {
	return c.topics
}

// Running reports whether Start is in progress.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Start subscribes to the task topic and processes deliveries until ctx is
// canceled. Workflow bookkeeping is cleared when it returns.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("consumer already started")
	}
	defer func() {
		c.registry.Reset()
		c.running.Store(false)
	}()
	c.logger.Info("consumer started",
		zap.String("tasks_topic", c.topics.Tasks),
		zap.Int("concurrency", c.concurrency),
		zap.Int("max_retries", c.maxRetries),
	)
	if err := c.sub.Subscribe(ctx, c.topics.Tasks, c.handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topics.Tasks, err)
	}
	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) handle(ctx context.Context, d bus.Delivery) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for slot: %w", ctx.Err())
	}
	defer func() { <-c.sem }()

	ctx, span := c.tracer.Start(ctx, "consumer.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Topic),
			attribute.String("messaging.message.id", d.Key),
			attribute.Int("messaging.partition", d.Partition),
			attribute.Int64("messaging.offset", d.Offset),
		),
	)
	defer span.End()
	if err := c.process(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, d bus.Delivery) error {
	task, err := decodeTask(d)
	if err != nil {
		return c.deadLetter(ctx, d, task, 0, err)
	}
	logger := c.logger.With(zap.String("workflow_id", task.WorkflowID), zap.String("task_id", task.TaskID))
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("scrapefleet.workflow_id", task.WorkflowID),
		attribute.String("scrapefleet.task_id", task.TaskID),
	)

	if c.registry.Seen(task.WorkflowID, task.TaskID) {
		logger.Info("duplicate task delivery, skipping")
		c.emit(task, progress.StageTaskDuplicate, 0, 0, 0, "")
		return c.commit(ctx, d)
	}

	now := c.clock.Now()
	total := d.Headers.Int(bus.HeaderTotalTasks, 0)
	if c.registry.Track(task.WorkflowID, total, now) {
		c.emitter.Emit(progress.Event{
			RunID: task.WorkflowID,
			TS:    now,
			Stage: progress.StageWorkflowStart,
			Total: int64(total),
		})
	}

	reporter := scrape.ReporterFunc(func(evt scrape.WorkerEvent) {
		if evt.Type == scrape.EventError {
			logger.Debug("url failed", zap.String("url", evt.URL), zap.Error(evt.Err))
		}
	})
	items, err := c.runner.Run(ctx, task.WorkerConfig(), nil, reporter)
	if err != nil {
		return c.fail(ctx, d, task, err)
	}
	elapsed := c.clock.Now().Sub(now)

	if err := c.publishResult(ctx, task, items); err != nil {
		return err
	}
	done := c.clock.Now()
	stats, first := c.registry.MarkProcessed(task.WorkflowID, task.TaskID, len(items), done)
	c.emit(task, progress.StageTaskDone, int64(len(items)), 0, elapsed, "")
	logger.Info("task processed", zap.Int("items", len(items)), zap.Duration("elapsed", elapsed))
	if first && stats.Complete() {
		logger.Info("workflow completed",
			zap.Int("tasks", stats.ProcessedTasks),
			zap.Int("items", stats.TotalItems),
			zap.Duration("elapsed", done.Sub(stats.StartTime)),
		)
		c.emitter.Emit(progress.Event{
			RunID: task.WorkflowID,
			TS:    done,
			Stage: progress.StageWorkflowDone,
			Items: int64(stats.TotalItems),
			Total: int64(stats.TotalTasks),
			Dur:   done.Sub(stats.StartTime),
		})
	}
	if purged := c.registry.Purge(done); len(purged) > 0 {
		c.logger.Debug("purged workflow tracking", zap.Strings("workflow_ids", purged))
	}
	return c.commit(ctx, d)
}

func (c *Consumer) publishResult(ctx context.Context, task scrape.Task, items []scrape.Item) error {
	if items == nil {
		items = []scrape.Item{}
	}
	body, err := json.Marshal(scrape.TaskResult{TaskID: task.TaskID, WorkflowID: task.WorkflowID, Data: items})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	err = c.pub.Publish(ctx, bus.Message{
		Topic: c.topics.Results,
		Key:   task.TaskID,
		Value: body,
		Headers: bus.Headers{
			bus.HeaderWorkflowID: task.WorkflowID,
			bus.HeaderItemsCount: strconv.Itoa(len(items)),
		},
	})
	if err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// fail republishes the task with an incremented retry count, or dead-letters
// it once the retry budget is spent.
func (c *Consumer) fail(ctx context.Context, d bus.Delivery, task scrape.Task, cause error) error {
	retries := d.Headers.Int(bus.HeaderRetryCount, 0)
	if retries >= c.maxRetries {
		return c.deadLetter(ctx, d, task, retries, cause)
	}
	logger := c.logger.With(zap.String("workflow_id", task.WorkflowID), zap.String("task_id", task.TaskID))
	if err := c.backoff(ctx, retries); err != nil {
		return err
	}
	headers := d.Headers.Clone()
	headers[bus.HeaderRetryCount] = strconv.Itoa(retries + 1)
	headers[bus.HeaderError] = cause.Error()
	if _, ok := headers[bus.HeaderWorkflowID]; !ok {
		headers[bus.HeaderWorkflowID] = task.WorkflowID
	}
	err := c.pub.Publish(ctx, bus.Message{
		Topic:   c.topics.Tasks,
		Key:     d.Key,
		Value:   d.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("republish task: %w", err)
	}
	logger.Warn("task failed, retrying", zap.Int("retry", retries+1), zap.Error(cause))
	c.emit(task, progress.StageTaskRetry, 0, int64(retries+1), 0, cause.Error())
	return c.commit(ctx, d)
}

func (c *Consumer) deadLetter(ctx context.Context, d bus.Delivery, task scrape.Task, retries int, cause error) error {
	headers := d.Headers.Clone()
	headers[bus.HeaderFinalError] = cause.Error()
	err := c.pub.Publish(ctx, bus.Message{
		Topic:   c.topics.DeadLetter,
		Key:     d.Key,
		Value:   d.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	c.logger.Error("task dead-lettered",
		zap.String("workflow_id", task.WorkflowID),
		zap.String("task_id", task.TaskID),
		zap.Int("retries", retries),
		zap.Error(cause),
	)
	c.emit(task, progress.StageTaskDeadLetter, 0, int64(retries), 0, cause.Error())
	return c.commit(ctx, d)
}

// retryDelay doubles the base per prior retry, capped at the backoff limit.
func (c *Consumer) retryDelay(retries int) time.Duration {
	if c.backoffBase <= 0 {
		return 0
	}
	delay := c.backoffBase << min(retries, 16)
	if delay <= 0 || delay > c.backoffLimit {
		delay = c.backoffLimit
	}
	return delay
}

func (c *Consumer) backoff(ctx context.Context, retries int) error {
	delay := c.retryDelay(retries)
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry backoff: %w", ctx.Err())
	}
}

func (c *Consumer) commit(ctx context.Context, d bus.Delivery) error {
	if err := d.Commit(ctx); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	return nil
}

func (c *Consumer) emit(task scrape.Task, stage progress.Stage, items, failures int64, dur time.Duration, note string) {
	c.emitter.Emit(progress.Event{
		RunID:    task.WorkflowID,
		TS:       c.clock.Now(),
		Stage:    stage,
		TaskID:   task.TaskID,
		Items:    items,
		Failures: failures,
		Dur:      dur,
		Note:     note,
	})
}

// decodeTask parses the payload. On error the returned task still carries the
// best identity available for logging and dead-lettering.
func decodeTask(d bus.Delivery) (scrape.Task, error) {
	var task scrape.Task
	err := json.Unmarshal(d.Value, &task)
	if task.WorkflowID == "" {
		task.WorkflowID = d.Headers[bus.HeaderWorkflowID]
	}
	if err != nil {
		fillUnknown(&task, d.Key)
		return task, fmt.Errorf("%w: decode payload: %w", ErrMalformedTask, err)
	}
	switch {
	case task.TaskID == "":
		err = fmt.Errorf("%w: missing taskId", ErrMalformedTask)
	case task.WorkflowID == "":
		err = fmt.Errorf("%w: missing workflowId", ErrMalformedTask)
	case len(task.URLs) == 0:
		err = fmt.Errorf("%w: no urls", ErrMalformedTask)
	}
	if err != nil {
		fillUnknown(&task, d.Key)
	}
	return task, err
}

func fillUnknown(task *scrape.Task, key string) {
	if task.TaskID == "" {
		task.TaskID = key
	}
	if task.TaskID == "" {
		task.TaskID = unknownID
	}
	if task.WorkflowID == "" {
		task.WorkflowID = unknownID
	}
}
