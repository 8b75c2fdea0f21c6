// Package pool fans one job out to a bounded set of executors, arbitrates
// cross-executor deduplication and aggregates worker metrics.
//
// The Run goroutine is the coordinator: it alone mutates the shared result set
// and the metrics map. Executors reach it only through channels, by claiming
// candidate items and by reporting progress events.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/clock/system"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// ErrAllWorkersFailed is returned when no executor in a run succeeded.
var ErrAllWorkersFailed = errors.New("all workers failed")

const defaultReportInterval = 5 * time.Second

// Runner executes one worker config. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, cfg scrape.WorkerConfig, claimer scrape.Claimer, reporter scrape.Reporter) ([]scrape.Item, error)
}

// Listener observes a run. Callbacks are invoked from the coordinator
// goroutine and must return quickly.
type Listener interface {
	OnProgress(p WorkerProgress)
	OnGlobalProgress(g GlobalMetrics)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Progress       func(WorkerProgress)
	GlobalProgress func(GlobalMetrics)
}

// OnProgress implements Listener.
func (l ListenerFuncs) OnProgress(p WorkerProgress) {
	if l.Progress != nil {
		l.Progress(p)
	}
}

// OnGlobalProgress implements Listener.
func (l ListenerFuncs) OnGlobalProgress(g GlobalMetrics) {
	if l.GlobalProgress != nil {
		l.GlobalProgress(g)
	}
}

// Pool runs executors in parallel for one job at a time.
type Pool struct {
	runner         Runner
	maxWorkers     int
	reportInterval time.Duration
	logger         *zap.Logger
	clock          scrape.Clock
	sample         ResourceSampler

	mu         sync.RWMutex
	listeners  []Listener
	metrics    map[int]*WorkerMetrics
	lastGlobal GlobalMetrics
	hasGlobal  bool
	running    bool
	runStart   time.Time
	cancel     context.CancelFunc
	ticker     *time.Ticker

	active atomic.Int32
	wg     sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithMaxWorkers caps concurrently running executors.
func WithMaxWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxWorkers = n
		}
	}
}

// WithReportInterval sets the global progress tick.
func WithReportInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.reportInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the clock used for metrics.
func WithClock(clock scrape.Clock) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithResourceSampler replaces the process resource reader.
func WithResourceSampler(s ResourceSampler) Option {
	return func(p *Pool) {
		if s != nil {
			p.sample = s
		}
	}
}

// WithListener registers a listener at construction time.
func WithListener(l Listener) Option {
	return func(p *Pool) {
		if l != nil {
			p.listeners = append(p.listeners, l)
		}
	}
}

// DefaultMaxWorkers is NumCPU-1 clamped to [1, 4].
func DefaultMaxWorkers() int {
	return min(max(runtime.NumCPU()-1, 1), 4)
}

// New constructs a Pool around runner.
func New(runner Runner, opts ...Option) *Pool {
	p := &Pool{
		runner:         runner,
		maxWorkers:     DefaultMaxWorkers(),
		reportInterval: defaultReportInterval,
		logger:         zap.NewNop(),
		clock:          system.New(),
		sample:         SampleProcess,
		metrics:        make(map[int]*WorkerMetrics),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pool")
	return p
}

// AddListener registers l for subsequent runs.
func (p *Pool) AddListener(l Listener) {
	if l == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// ActiveWorkers reports how many executors are currently running.
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

// IsActive reports whether a run is in flight.
func (p *Pool) IsActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Metrics returns a copy of every worker's metrics ordered by worker ID.
func (p *Pool) Metrics() []WorkerMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metricsLocked()
}

// LastGlobal returns the most recent global snapshot, if any was produced.
func (p *Pool) LastGlobal() (GlobalMetrics, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastGlobal, p.hasGlobal
}

func (p *Pool) metricsLocked() []WorkerMetrics {
	out := make([]WorkerMetrics, 0, len(p.metrics))
	for _, m := range p.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

type claimRequest struct {
	workerID int
	key      string
	item     scrape.Item
	cutoff   int
	reply    chan scrape.ClaimResult
}

type workerResult struct {
	workerID int
	items    []scrape.Item
	err      error
}

// coordinatorClaimer forwards claims to the Run goroutine.
type coordinatorClaimer struct {
	requests chan<- claimRequest
}

func (c coordinatorClaimer) Claim(
	ctx context.Context,
	workerID int,
	key string,
	item scrape.Item,
	cutoff int,
) (scrape.ClaimResult, error) {
	req := claimRequest{
		workerID: workerID,
		key:      key,
		item:     item,
		cutoff:   cutoff,
		reply:    make(chan scrape.ClaimResult, 1),
	}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return scrape.ClaimExhausted, fmt.Errorf("claim canceled: %w", ctx.Err())
	}
	select {
	case verdict := <-req.reply:
		return verdict, nil
	case <-ctx.Done():
		return scrape.ClaimExhausted, fmt.Errorf("claim canceled: %w", ctx.Err())
	}
}

// Run executes configs with at most MaxWorkers executors in parallel and
// returns the union of the successful executors' items. It fails only when
// every executor failed. Cleanup runs before Run returns.
func (p *Pool) Run(ctx context.Context, configs []scrape.WorkerConfig) ([]scrape.Item, error) {
	if len(configs) == 0 {
		return nil, errors.New("no worker configs")
	}
	seen := make(map[int]struct{}, len(configs))
	for _, cfg := range configs {
		if _, dup := seen[cfg.WorkerID]; dup {
			return nil, fmt.Errorf("duplicate worker id %d", cfg.WorkerID)
		}
		seen[cfg.WorkerID] = struct{}{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(p.reportInterval)
	now := p.clock.Now()

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		cancel()
		ticker.Stop()
		return nil, errors.New("pool already running")
	}
	p.running = true
	p.runStart = now
	p.cancel = cancel
	p.ticker = ticker
	p.hasGlobal = false
	p.metrics = make(map[int]*WorkerMetrics, len(configs))
	for _, cfg := range configs {
		p.metrics[cfg.WorkerID] = &WorkerMetrics{
			WorkerID:  cfg.WorkerID,
			TotalURLs: len(cfg.URLs),
			Status:    StatusRunning,
			StartTime: now,
		}
	}
	p.wg.Add(len(configs))
	p.mu.Unlock()

	defer func() {
		if err := p.Cleanup(context.Background()); err != nil {
			p.logger.Warn("pool cleanup failed", zap.Error(err))
		}
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	claims := make(chan claimRequest)
	events := make(chan scrape.WorkerEvent, 64)
	results := make(chan workerResult, len(configs))
	sem := make(chan struct{}, p.maxWorkers)
	claimer := coordinatorClaimer{requests: claims}
	reporter := scrape.ReporterFunc(func(evt scrape.WorkerEvent) { events <- evt })

	p.logger.Info("run started", zap.Int("workers", len(configs)), zap.Int("max_workers", p.maxWorkers))
	for _, cfg := range configs {
		go p.spawn(runCtx, cfg, sem, claimer, reporter, results)
	}

	ledger := newClaimLedger()
	byWorker := make(map[int]workerResult, len(configs))
	for pending := len(configs); pending > 0; {
		select {
		case req := <-claims:
			req.reply <- ledger.claim(req)
		case evt := <-events:
			p.apply(evt)
		case res := <-results:
			// A worker's events are queued before its result.
			p.drain(events)
			pending--
			byWorker[res.workerID] = res
			if res.err != nil {
				handed, dropped := ledger.release(res.workerID)
				p.logger.Debug("released failed worker claims",
					zap.Int("worker_id", res.workerID),
					zap.Int("handed_over", handed),
					zap.Int("dropped", dropped),
				)
			}
			p.settle(res)
		case <-ticker.C:
			p.reportGlobal(false)
		}
	}
	global := p.reportGlobal(true)
	p.logger.Info("run finished",
		zap.Int("completed", global.CompletedWorkers),
		zap.Int("failed", global.FailedWorkers),
		zap.Int("items", global.TotalItems),
		zap.Duration("elapsed", global.Elapsed),
	)

	var (
		items  []scrape.Item
		errs   error
		failed int
	)
	for _, cfg := range configs {
		res := byWorker[cfg.WorkerID]
		if res.err != nil {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("worker %d: %w", cfg.WorkerID, res.err))
			continue
		}
		items = append(items, res.items...)
		items = append(items, ledger.adoptedBy(cfg.WorkerID)...)
	}
	if failed == len(configs) {
		return nil, fmt.Errorf("%w (%d of %d): %w", ErrAllWorkersFailed, failed, len(configs), errs)
	}
	if errs != nil {
		p.logger.Warn("some workers failed", zap.Int("failed", failed), zap.Error(errs))
	}
	return items, nil
}

func (p *Pool) spawn(
	ctx context.Context,
	cfg scrape.WorkerConfig,
	sem chan struct{},
	claimer scrape.Claimer,
	reporter scrape.Reporter,
	results chan<- workerResult,
) {
	defer p.wg.Done()
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		results <- workerResult{workerID: cfg.WorkerID, err: fmt.Errorf("worker not started: %w", ctx.Err())}
		return
	}
	defer func() { <-sem }()

	p.active.Add(1)
	defer p.active.Add(-1)

	items, err := p.runSafely(ctx, cfg, claimer, reporter)
	results <- workerResult{workerID: cfg.WorkerID, items: items, err: err}
}

func (p *Pool) runSafely(
	ctx context.Context,
	cfg scrape.WorkerConfig,
	claimer scrape.Claimer,
	reporter scrape.Reporter,
) (items []scrape.Item, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return p.runner.Run(ctx, cfg, claimer, reporter)
}

func (p *Pool) drain(events <-chan scrape.WorkerEvent) {
	for {
		select {
		case evt := <-events:
			p.apply(evt)
		default:
			return
		}
	}
}

func (p *Pool) apply(evt scrape.WorkerEvent) {
	now := p.clock.Now()
	res := p.sample()

	p.mu.Lock()
	m, ok := p.metrics[evt.WorkerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	m.ProcessedURLs = evt.ProcessedURLs
	m.TotalURLs = evt.TotalURLs
	m.ScrapedItems = evt.ScrapedItems
	switch evt.Type {
	case scrape.EventProgress:
		m.CurrentURL = evt.URL
	case scrape.EventError:
		m.Failures++
	case scrape.EventComplete:
		m.CurrentURL = ""
	}
	m.refreshPerformance(res, now)
	snap := m.snapshot(now)
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	if evt.Type == scrape.EventError {
		p.logger.Debug("url failed", zap.Int("worker_id", evt.WorkerID), zap.String("url", evt.URL), zap.Error(evt.Err))
	}
	for _, l := range listeners {
		l.OnProgress(snap)
	}
}

func (p *Pool) settle(res workerResult) {
	now := p.clock.Now()
	sample := p.sample()

	p.mu.Lock()
	m, ok := p.metrics[res.workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	m.EndTime = now
	m.CurrentURL = ""
	if res.err != nil {
		m.Status = StatusFailed
		m.Error = res.err.Error()
	} else {
		m.Status = StatusCompleted
		m.ScrapedItems = len(res.items)
	}
	m.refreshPerformance(sample, now)
	snap := m.snapshot(now)
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	if res.err != nil {
		p.logger.Warn("worker failed", zap.Int("worker_id", res.workerID), zap.Error(res.err))
	} else {
		p.logger.Info("worker completed", zap.Int("worker_id", res.workerID), zap.Int("items", len(res.items)))
	}
	for _, l := range listeners {
		l.OnProgress(snap)
	}
}

func (p *Pool) reportGlobal(final bool) GlobalMetrics {
	now := p.clock.Now()
	p.mu.Lock()
	g := reduce(p.metricsLocked(), p.runStart, now)
	g.Final = final
	p.lastGlobal = g
	p.hasGlobal = true
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l.OnGlobalProgress(g)
	}
	return g
}

// Cleanup force-terminates in-flight executors, waits for them to exit and
// stops the progress ticker. It is idempotent and safe to call at any time.
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	ticker := p.ticker
	p.cancel = nil
	p.ticker = nil
	p.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("pool cleanup wait: %w", ctx.Err())
	}
	p.active.Store(0)
	return nil
}
