// Package fakebrowser provides a scripted scrape.BrowserProvider for tests and
// dry runs without Chrome.
package fakebrowser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// Page scripts what one URL yields.
type Page struct {
	Items []scrape.Item
	// NoResponse makes Navigate report a missing document.
	NoResponse bool
	NavErr     error
	ScrapeErr  error
	// Delay is slept inside ScrapeList, honoring ctx.
	Delay time.Duration
}

// Provider hands out sessions that replay Pages.
type Provider struct {
	mu         sync.Mutex
	pages      map[string]Page
	acquireErr error
	requests   []scrape.ListRequest

	acquired atomic.Int64
	closed   atomic.Int64
	injected atomic.Int64
}

// New returns a Provider serving pages.
func New(pages map[string]Page) *Provider {
	if pages == nil {
		pages = map[string]Page{}
	}
	return &Provider{pages: pages}
}

// FailAcquire makes every Acquire call fail with err.
func (p *Provider) FailAcquire(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
	return p
}

// Acquire returns a new session or the configured failure.
func (p *Provider) Acquire(ctx context.Context) (scrape.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire canceled: %w", err)
	}
	p.mu.Lock()
	err := p.acquireErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.acquired.Add(1)
	return &session{provider: p}, nil
}

// Acquired is the number of sessions handed out.
func (p *Provider) Acquired() int { return int(p.acquired.Load()) }

// Closed is the number of sessions released.
func (p *Provider) Closed() int { return int(p.closed.Load()) }

// Injections counts EnsurePrimitives calls that had to inject the script.
func (p *Provider) Injections() int { return int(p.injected.Load()) }

// Requests returns every ScrapeList argument seen so far.
func (p *Provider) Requests() []scrape.ListRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]scrape.ListRequest(nil), p.requests...)
}

func (p *Provider) page(url string) (Page, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	page, ok := p.pages[url]
	return page, ok
}

type session struct {
	provider *Provider
	current  string
	injected bool
	closed   atomic.Bool
}

func (s *session) Navigate(ctx context.Context, url string, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("navigate canceled: %w", err)
	}
	page, ok := s.provider.page(url)
	if !ok {
		return false, fmt.Errorf("no route to %s", url)
	}
	if page.NavErr != nil {
		return false, page.NavErr
	}
	if page.NoResponse {
		return false, nil
	}
	s.current = url
	return true, nil
}

func (s *session) WaitForNetworkIdle(context.Context, time.Duration) error {
	return nil
}

func (s *session) EnsurePrimitives(context.Context) error {
	if !s.injected {
		s.injected = true
		s.provider.injected.Add(1)
	}
	return nil
}

func (s *session) ScrapeList(ctx context.Context, req scrape.ListRequest) ([]scrape.Item, error) {
	if !s.injected {
		return nil, errors.New("scrapeList is not defined")
	}
	s.provider.mu.Lock()
	s.provider.requests = append(s.provider.requests, req)
	s.provider.mu.Unlock()

	page, _ := s.provider.page(s.current)
	if page.Delay > 0 {
		select {
		case <-time.After(page.Delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("scrape canceled: %w", ctx.Err())
		}
	}
	if page.ScrapeErr != nil {
		return nil, page.ScrapeErr
	}
	items := page.Items
	if req.Limit > 0 && len(items) > req.Limit {
		items = items[:req.Limit]
	}
	out := make([]scrape.Item, len(items))
	copy(out, items)
	return out, nil
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.provider.closed.Add(1)
	}
	return nil
}
