// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/pubsub/v2"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/api"
	"github.com/JakeFAU/scrapefleet/internal/browser/chrome"
	"github.com/JakeFAU/scrapefleet/internal/browser/fakebrowser"
	"github.com/JakeFAU/scrapefleet/internal/bus"
	"github.com/JakeFAU/scrapefleet/internal/bus/memory"
	buspubsub "github.com/JakeFAU/scrapefleet/internal/bus/pubsub"
	"github.com/JakeFAU/scrapefleet/internal/clock/system"
	"github.com/JakeFAU/scrapefleet/internal/config"
	"github.com/JakeFAU/scrapefleet/internal/consumer"
	"github.com/JakeFAU/scrapefleet/internal/dedup"
	"github.com/JakeFAU/scrapefleet/internal/executor"
	"github.com/JakeFAU/scrapefleet/internal/hash/sha256"
	"github.com/JakeFAU/scrapefleet/internal/id/uuid"
	"github.com/JakeFAU/scrapefleet/internal/metrics"
	"github.com/JakeFAU/scrapefleet/internal/pool"
	"github.com/JakeFAU/scrapefleet/internal/progress"
	"github.com/JakeFAU/scrapefleet/internal/progress/sinks"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
	"github.com/JakeFAU/scrapefleet/internal/storage/gcs"
	"github.com/JakeFAU/scrapefleet/internal/storage/local"
	memorystore "github.com/JakeFAU/scrapefleet/internal/storage/memory"
	"github.com/JakeFAU/scrapefleet/internal/storage/postgres"
	"github.com/JakeFAU/scrapefleet/internal/store"
	"github.com/JakeFAU/scrapefleet/internal/telemetry"
	"github.com/JakeFAU/scrapefleet/internal/workflow"
)

// App holds the shared services built from one Config. It is created once per
// command invocation and closed when the command returns.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Metrics  *prometheus.Registry
	Hub      *progress.Hub
	Browsers scrape.BrowserProvider
	// Executor serves the pool and keeps going past failed URLs.
	Executor *executor.Executor
	// TaskExecutor serves the consumer and fails a task on its first failed
	// URL so the task is retried or dead-lettered.
	TaskExecutor *executor.Executor
	Pool         *pool.Pool
	Blobs        scrape.BlobStore
	// Workflows is nil unless db.dsn is configured.
	Workflows store.WorkflowRepository
	Consumer  *consumer.Consumer
	Submitter *workflow.Submitter
	Clock     scrape.Clock
	IDs       scrape.IDGenerator
	Tracer    *sdktrace.TracerProvider

	publisher   bus.Publisher
	subscriber  bus.Subscriber
	httpMetrics *metrics.HTTP
	ready       map[string]api.ReadyCheck
	closers     []func(context.Context) error
}

// Option customizes construction, mainly for tests.
type Option func(*options)

type options struct {
	browsers scrape.BrowserProvider
	broker   *memory.Broker
}

// WithBrowserProvider replaces the configured browser driver.
func WithBrowserProvider(p scrape.BrowserProvider) Option {
	return func(o *options) {
		o.browsers = p
	}
}

// WithBroker uses an existing in-memory broker instead of creating one.
func WithBroker(b *memory.Broker) Option {
	return func(o *options) {
		o.broker = b
	}
}

// New builds every service named by cfg. It fails fast: on error, whatever
// was already started is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: prometheus.NewRegistry(),
		Clock:   system.New(),
		IDs:     uuid.New(),
		ready:   make(map[string]api.ReadyCheck),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.httpMetrics, err = metrics.NewHTTP(a.Metrics); err != nil {
		return a, err
	}

	if err = a.initTracing(ctx); err != nil {
		return a, err
	}
	if err = a.initWorkflowStore(ctx); err != nil {
		return a, err
	}
	if err = a.initProgress(); err != nil {
		return a, err
	}
	a.initBrowsers(o.browsers)
	if err = a.initBlobs(ctx); err != nil {
		return a, err
	}
	if err = a.initBus(ctx, o.broker); err != nil {
		return a, err
	}

	execOpts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithKeyer(dedup.NewKeyer(sha256.New())),
		executor.WithClock(a.Clock),
		executor.WithNavigationTimeout(cfg.Browser.NavTimeout()),
		executor.WithNetworkIdleTimeout(cfg.Browser.IdleTimeout()),
		executor.WithURLDelay(cfg.Browser.URLDelay()),
	}
	a.Executor = executor.New(a.Browsers, execOpts...)
	a.TaskExecutor = executor.New(a.Browsers, append(execOpts, executor.WithStopOnError(true))...)

	poolOpts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithClock(a.Clock),
		pool.WithReportInterval(cfg.Pool.ReportInterval()),
	}
	if cfg.Pool.MaxWorkers > 0 {
		poolOpts = append(poolOpts, pool.WithMaxWorkers(cfg.Pool.MaxWorkers))
	}
	a.Pool = pool.New(a.Executor, poolOpts...)
	a.closers = append(a.closers, a.Pool.Cleanup)

	topics := consumer.Topics{
		Tasks:      cfg.Consumer.Topics.Tasks,
		Results:    cfg.Consumer.Topics.Results,
		DeadLetter: cfg.Consumer.Topics.DeadLetter,
	}
	base, limit := cfg.Consumer.RetryBackoff()
	a.Consumer = consumer.New(a.subscriber, a.publisher, a.TaskExecutor,
		consumer.NewRegistry(cfg.Consumer.Retention()),
		consumer.WithTopics(topics),
		consumer.WithMaxRetries(cfg.Consumer.MaxRetries),
		consumer.WithConcurrency(cfg.Consumer.Concurrency),
		consumer.WithRetryBackoff(base, limit),
		consumer.WithLogger(logger),
		consumer.WithClock(a.Clock),
		consumer.WithEmitter(a.Hub),
		consumer.WithTracerProvider(a.Tracer),
	)
	a.Submitter = workflow.NewSubmitter(a.publisher, a.IDs, a.Consumer.Topics().Tasks, logger)

	logger.Info("application services initialized",
		zap.String("browser", cfg.Browser.Driver),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("workflow_db", a.Workflows != nil),
	)
	return a, nil
}

func (a *App) initTracing(ctx context.Context) error {
	cfg := telemetry.Config{
		ServiceName: a.Config.Telemetry.ServiceName,
		SampleRatio: a.Config.Telemetry.SampleRatio,
	}
	if a.Config.Telemetry.StdoutTraces {
		cfg.Output = os.Stderr
	}
	tp, err := telemetry.InitTracerProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.Tracer = tp
	a.closers = append(a.closers, tp.Shutdown)
	return nil
}

func (a *App) initWorkflowStore(ctx context.Context) error {
	if a.Config.DB.DSN == "" {
		return nil
	}
	pg, err := postgres.NewWorkflowStore(ctx, postgres.Config{
		DSN:             a.Config.DB.DSN,
		MaxConns:        a.Config.DB.MaxConns,
		MinConns:        a.Config.DB.MinConns,
		MaxConnLifetime: a.Config.DB.ConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("init workflow store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	if a.Config.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}
	a.Workflows = pg
	a.ready["postgres"] = pg.Ping
	return nil
}

func (a *App) initProgress() error {
	promSink, err := sinks.NewPrometheusSink(a.Metrics)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.Logger), promSink}
	if a.Workflows != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.Workflows, a.Logger))
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     a.Config.Progress.BufferSize,
		MaxBatchEvents: a.Config.Progress.MaxBatchEvents,
		MaxBatchWait:   a.Config.Progress.MaxBatchWait(),
		Logger:         a.Logger,
		Now:            a.Clock.Now,
	}, hubSinks...)
	a.closers = append(a.closers, a.Hub.Close)
	return nil
}

func (a *App) initBrowsers(override scrape.BrowserProvider) {
	switch {
	case override != nil:
		a.Browsers = override
	case a.Config.Browser.Driver == "fake":
		a.Browsers = fakebrowser.New(nil)
	default:
		provider := chrome.NewProvider(chrome.Config{
			UserAgent:   a.Config.Browser.UserAgent,
			ExecPath:    a.Config.Browser.ExecPath,
			MaxSessions: a.Config.Browser.MaxSessions,
		}, a.Logger)
		a.closers = append(a.closers, func(context.Context) error {
			provider.Close()
			return nil
		})
		a.Browsers = provider
	}
}

func (a *App) initBlobs(ctx context.Context) error {
	switch a.Config.Storage.Driver {
	case "memory":
		a.Blobs = memorystore.NewBlobStore()
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.Config.Storage.GCSBucket, Prefix: a.Config.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		a.Blobs = blobs
	default:
		blobs, err := local.New(local.Config{BaseDir: a.Config.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.Blobs = blobs
	}
	return nil
}

func (a *App) initBus(ctx context.Context, broker *memory.Broker) error {
	if a.Config.Bus.Driver == "pubsub" {
		client, err := pubsub.NewClient(ctx, a.Config.Bus.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		publisher := buspubsub.NewPublisher(client)
		a.publisher = publisher
		a.subscriber = buspubsub.NewSubscriber(client, a.Config.Bus.Subscriptions, a.Config.Consumer.Concurrency, a.Logger)
		a.closers = append(a.closers, func(context.Context) error {
			publisher.Close()
			return client.Close()
		})
		return nil
	}
	if broker == nil {
		broker = memory.NewBroker(
			memory.WithPartitions(a.Config.Bus.Partitions),
			memory.WithLogger(a.Logger),
		)
		a.closers = append(a.closers, func(context.Context) error { return broker.Close() })
	}
	a.publisher = broker
	a.subscriber = broker.Subscriber(a.Config.Consumer.Group)
	return nil
}

// Publisher returns the bus publisher.
func (a *App) Publisher() bus.Publisher {
	return a.publisher
}

// Server builds the HTTP API over this App's services.
func (a *App) Server() *api.Server {
	deps := api.Deps{
		Pool:        a.Pool,
		Workflows:   a.Consumer.Registry(),
		Repo:        a.Workflows,
		Submitter:   a.Submitter,
		Gatherer:    a.Metrics,
		HTTPMetrics: a.httpMetrics,
		Ready:       a.ready,
		Logger:      a.Logger,
	}
	return api.NewServer(deps)
}

// Close shuts services down in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, err)
		}
	}
	a.closers = nil
	return errs
}
