// Package chrome implements scrape.BrowserProvider on headless Chrome via chromedp.
package chrome

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

//go:embed extract.js
var extractScript string

// Primitives are the functions extract.js installs on window.
var Primitives = []string{"scrape", "scrapeSchema", "scrapeList", "scrapeListAuto", "scrollDown", "scrollUp"}

// DefaultUserAgent is sent by every session unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"

const defaultIdleQuiet = 500 * time.Millisecond

// Config controls browser launch.
type Config struct {
	UserAgent string `mapstructure:"user_agent"`
	// ExecPath points at a Chrome binary; empty lets chromedp search the usual locations.
	ExecPath string `mapstructure:"exec_path"`
	// IdleQuiet is how long the network must stay silent to count as idle.
	IdleQuiet time.Duration `mapstructure:"idle_quiet"`
	// MaxSessions caps concurrently open browsers; zero or less means no cap.
	MaxSessions int `mapstructure:"max_sessions"`
}

// Provider launches one Chrome process per acquired session.
type Provider struct {
	cfg         Config
	logger      *zap.Logger
	allocCtx    context.Context
	allocCancel context.CancelFunc
	limiter     chan struct{}
}

// NewProvider prepares an allocator. Chrome itself starts on the first Acquire.
func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.IdleQuiet <= 0 {
		cfg.IdleQuiet = defaultIdleQuiet
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	p := &Provider{cfg: cfg, logger: logger.Named("chrome"), allocCtx: allocCtx, allocCancel: allocCancel}
	if cfg.MaxSessions > 0 {
		p.limiter = make(chan struct{}, cfg.MaxSessions)
	}
	return p
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Close stops the allocator and any browsers still running.
func (p *Provider) Close() {
	p.allocCancel()
}

// Acquire starts a fresh browser with a single tab, waiting for a free slot
// when MaxSessions browsers are already open.
func (p *Provider) Acquire(ctx context.Context) (scrape.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire browser: %w", err)
	}
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	browserCtx, cancel := chromedp.NewContext(p.allocCtx,
		chromedp.WithErrorf(p.logger.Sugar().Debugf),
	)
	idle := newIdleTracker(time.Now)
	chromedp.ListenTarget(browserCtx, idle.handle)

	// The first Run launches Chrome and must use the browser context itself.
	err := chromedp.Run(browserCtx,
		network.Enable(),
		emulation.SetUserAgentOverride(p.cfg.UserAgent),
	)
	if err != nil {
		cancel()
		p.release()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &session{
		ctx:     browserCtx,
		cancel:  cancel,
		idle:    idle,
		quiet:   p.cfg.IdleQuiet,
		logger:  p.logger,
		release: p.release,
	}, nil
}

func (p *Provider) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (p *Provider) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	idle   *idleTracker
	quiet  time.Duration
	logger *zap.Logger
	// release frees the provider slot; nil outside a provider.
	release func()

	closeOnce sync.Once
	closeErr  error
}

// bound derives a tab context limited by timeout (if positive) and canceled with ctx.
func (s *session) bound(ctx context.Context, timeout time.Duration) (context.Context, func()) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, done := s.bound(ctx, 0)
	defer done()
	return chromedp.Run(runCtx, actions...)
}

func (s *session) Navigate(ctx context.Context, url string, timeout time.Duration) (bool, error) {
	s.idle.reset()
	runCtx, done := s.bound(ctx, timeout)
	defer done()
	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		return false, fmt.Errorf("navigate %s: %w", url, err)
	}
	return resp != nil, nil
}

func (s *session) WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(max(s.quiet/5, 10*time.Millisecond))
	defer tick.Stop()
	for {
		if s.idle.idleFor(s.quiet) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		case <-deadline.C:
			return fmt.Errorf("network not idle after %s (%d requests pending)", timeout, s.idle.pending())
		case <-tick.C:
		}
	}
}

func (s *session) EnsurePrimitives(ctx context.Context) error {
	check := primitivesCheck(Primitives)
	var present bool
	if err := s.run(ctx, chromedp.Evaluate(check, &present)); err != nil {
		return fmt.Errorf("check primitives: %w", err)
	}
	if present {
		return nil
	}
	s.logger.Debug("injecting extraction script")
	if err := s.run(ctx, chromedp.Evaluate(extractScript, nil)); err != nil {
		return fmt.Errorf("inject extraction script: %w", err)
	}
	if err := s.run(ctx, chromedp.Evaluate(check, &present)); err != nil {
		return fmt.Errorf("check primitives: %w", err)
	}
	if !present {
		return errors.New("extraction primitives missing after injection")
	}
	return nil
}

func (s *session) ScrapeList(ctx context.Context, req scrape.ListRequest) ([]scrape.Item, error) {
	expr, err := scrapeListExpression(req)
	if err != nil {
		return nil, err
	}
	var items []scrape.Item
	err = s.run(ctx, chromedp.Evaluate(expr, &items, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, fmt.Errorf("evaluate scrapeList: %w", err)
	}
	return items, nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = chromedp.Cancel(s.ctx)
		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
	if s.closeErr != nil && !errors.Is(s.closeErr, context.Canceled) {
		return fmt.Errorf("close browser: %w", s.closeErr)
	}
	return nil
}

// primitivesCheck builds an expression that is true only when every named
// function exists on window.
func primitivesCheck(names []string) string {
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("typeof window.%s === 'function'", name))
	}
	return strings.Join(parts, " && ")
}

func scrapeListExpression(req scrape.ListRequest) (string, error) {
	if req.ListSelector == "" {
		return "", errors.New("list selector is required")
	}
	if req.Fields == nil {
		req.Fields = map[string]scrape.Field{}
	}
	arg, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode list request: %w", err)
	}
	return fmt.Sprintf("window.scrapeList(%s)", arg), nil
}

// idleTracker counts in-flight requests from network events.
type idleTracker struct {
	now func() time.Time

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	last     time.Time
}

func newIdleTracker(now func() time.Time) *idleTracker {
	return &idleTracker{now: now, inflight: make(map[network.RequestID]struct{}), last: now()}
}

func (t *idleTracker) handle(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.last = t.now()
}

func (t *idleTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight = make(map[network.RequestID]struct{})
	t.last = t.now()
}

func (t *idleTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *idleTracker) idleFor(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.last) >= quiet
}
