package scrape

import (
	"context"
	"time"
)

// BrowserProvider hands out isolated browser sessions.
type BrowserProvider interface {
	Acquire(ctx context.Context) (Session, error)
}

// Session is one automated browser with a single navigable page.
type Session interface {
	// Navigate loads url. ok is false when the browser produced no document
	// response; callers skip such URLs.
	Navigate(ctx context.Context, url string, timeout time.Duration) (ok bool, err error)
	// WaitForNetworkIdle blocks until the page stops issuing requests or the timeout expires.
	WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error
	// EnsurePrimitives verifies the extraction functions exist in the page and injects them if not.
	EnsurePrimitives(ctx context.Context) error
	// ScrapeList invokes the in-page scrapeList primitive.
	ScrapeList(ctx context.Context, req ListRequest) ([]Item, error)
	// Close releases the page and the browser.
	Close() error
}

// ClaimResult is the coordinator's answer to a claim request.
type ClaimResult int

// Claim outcomes.
const (
	ClaimAccepted ClaimResult = iota
	ClaimDuplicate
	ClaimExhausted
)

// Claimer arbitrates items across executors sharing one result set.
type Claimer interface {
	Claim(ctx context.Context, workerID int, key string, item Item, cutoff int) (ClaimResult, error)
}

// Reporter receives executor notifications. Implementations must not block for long.
type Reporter interface {
	Report(evt WorkerEvent)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(evt WorkerEvent)

// Report calls f.
func (f ReporterFunc) Report(evt WorkerEvent) {
	f(evt)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, workflow and task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
