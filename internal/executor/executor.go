// Package executor drives one browser session through a batch of URLs and
// collects the deduplicated items the extraction script returns.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapefleet/internal/clock/system"
	"github.com/JakeFAU/scrapefleet/internal/dedup"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

const (
	defaultNavigationTimeout  = 30 * time.Second
	defaultNetworkIdleTimeout = 10 * time.Second
	defaultURLDelay           = time.Second
)

// Executor walks a URL batch with a single browser session.
type Executor struct {
	browsers    scrape.BrowserProvider
	keyer       *dedup.Keyer
	clock       scrape.Clock
	logger      *zap.Logger
	navTimeout  time.Duration
	idleTimeout time.Duration
	urlDelay    time.Duration
	stopOnError bool
}

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithKeyer sets the structural key function.
func WithKeyer(keyer *dedup.Keyer) Option {
	return func(e *Executor) {
		if keyer != nil {
			e.keyer = keyer
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(clock scrape.Clock) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithNavigationTimeout bounds each page load.
func WithNavigationTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.navTimeout = d
		}
	}
}

// WithNetworkIdleTimeout bounds the best-effort network quiescence wait.
func WithNetworkIdleTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.idleTimeout = d
		}
	}
}

// WithURLDelay sets the pause between URLs. Zero disables throttling.
func WithURLDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.urlDelay = d
		}
	}
}

// WithStopOnError makes the first per-URL failure abort the run.
func WithStopOnError(stop bool) Option {
	return func(e *Executor) {
		e.stopOnError = stop
	}
}

// New constructs an Executor.
func New(browsers scrape.BrowserProvider, opts ...Option) *Executor {
	e := &Executor{
		browsers:    browsers,
		keyer:       dedup.NewKeyer(nil),
		clock:       system.New(),
		logger:      zap.NewNop(),
		navTimeout:  defaultNavigationTimeout,
		idleTimeout: defaultNetworkIdleTimeout,
		urlDelay:    defaultURLDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes cfg.URLs in order and returns at most cfg.BatchSize unique items.
// claimer may be nil when nothing is shared with other executors. The browser
// session is released on every return path.
func (e *Executor) Run(
	ctx context.Context,
	cfg scrape.WorkerConfig,
	claimer scrape.Claimer,
	reporter scrape.Reporter,
) ([]scrape.Item, error) {
	if reporter == nil {
		reporter = scrape.ReporterFunc(func(scrape.WorkerEvent) {})
	}
	logger := e.logger.With(zap.Int("worker_id", cfg.WorkerID))

	session, err := e.browsers.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scrape.ErrSessionUnavailable, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("session close failed", zap.Error(cerr))
		}
	}()

	var throttle *rate.Limiter
	if e.urlDelay > 0 {
		throttle = rate.NewLimiter(rate.Every(e.urlDelay), 1)
	}

	results := dedup.NewResultSet()
	cutoff := cfg.Cutoff()
	processed := 0
	for _, url := range cfg.URLs {
		if results.Total() >= cutoff || cfg.Window()-results.Total() <= 0 {
			logger.Debug("batch cutoff reached", zap.Int("items", results.Total()))
			break
		}
		if ctx.Err() != nil {
			return results.Items(), fmt.Errorf("executor canceled: %w", ctx.Err())
		}
		reporter.Report(e.event(scrape.EventProgress, cfg, url, processed, results.Total(), nil))

		if throttle != nil {
			if err := throttle.Wait(ctx); err != nil {
				return results.Items(), fmt.Errorf("url throttle: %w", err)
			}
		}

		stop, err := e.scrapeURL(ctx, session, cfg, url, results, claimer, logger)
		processed++
		if err != nil {
			logger.Warn("url failed", zap.String("url", url), zap.Error(err))
			reporter.Report(e.event(scrape.EventError, cfg, url, processed, results.Total(), err))
			if e.stopOnError {
				return results.Items(), fmt.Errorf("scrape %s: %w", url, err)
			}
			continue
		}
		if stop {
			logger.Debug("batch cutoff reached", zap.Int("items", results.Total()))
			break
		}
	}

	reporter.Report(e.event(scrape.EventComplete, cfg, "", processed, results.Total(), nil))
	return results.Items(), nil
}

func (e *Executor) scrapeURL(
	ctx context.Context,
	session scrape.Session,
	cfg scrape.WorkerConfig,
	url string,
	results *dedup.ResultSet,
	claimer scrape.Claimer,
	logger *zap.Logger,
) (bool, error) {
	ok, err := session.Navigate(ctx, url, e.navTimeout)
	if err != nil {
		return false, fmt.Errorf("navigate: %w", err)
	}
	if !ok {
		logger.Info("navigation returned no document, skipping", zap.String("url", url))
		return false, nil
	}
	if err := session.WaitForNetworkIdle(ctx, e.idleTimeout); err != nil {
		logger.Debug("network did not settle", zap.String("url", url), zap.Error(err))
	}

	limit := cfg.Window() - results.Total()
	if limit <= 0 {
		return true, nil
	}
	if err := session.EnsurePrimitives(ctx); err != nil {
		return false, fmt.Errorf("ensure primitives: %w", err)
	}
	items, err := session.ScrapeList(ctx, scrape.ListRequest{ListConfig: cfg.List, Limit: limit})
	if err != nil {
		return false, fmt.Errorf("scrape list: %w", err)
	}

	cutoff := cfg.Cutoff()
	for _, item := range items {
		if results.Total() >= cutoff {
			return true, nil
		}
		key, err := e.keyer.Key(item)
		if err != nil {
			logger.Warn("dropping unkeyable item", zap.String("url", url), zap.Error(err))
			continue
		}
		if results.Contains(key) {
			continue
		}
		if claimer != nil {
			verdict, err := claimer.Claim(ctx, cfg.WorkerID, key, item, cutoff)
			if err != nil {
				return false, fmt.Errorf("claim item: %w", err)
			}
			switch verdict {
			case scrape.ClaimDuplicate:
				continue
			case scrape.ClaimExhausted:
				return true, nil
			}
		}
		results.Add(key, item, cutoff)
	}
	return results.Total() >= cutoff, nil
}

func (e *Executor) event(
	typ scrape.EventType,
	cfg scrape.WorkerConfig,
	url string,
	processed int,
	items int,
	err error,
) scrape.WorkerEvent {
	return scrape.WorkerEvent{
		Type:          typ,
		WorkerID:      cfg.WorkerID,
		URL:           url,
		ProcessedURLs: processed,
		TotalURLs:     len(cfg.URLs),
		ScrapedItems:  items,
		Err:           err,
		At:            e.clock.Now(),
	}
}
