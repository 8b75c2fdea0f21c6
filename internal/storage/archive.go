// Package storage archives pool run results to a scrape.BlobStore.
// Backends live in the memory, local and gcs subpackages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
)

// RunArchive is the JSON document written for one pool run.
type RunArchive struct {
	RunID      string        `json:"runId"`
	ArchivedAt time.Time     `json:"archivedAt"`
	Count      int           `json:"count"`
	Items      []scrape.Item `json:"items"`
	// Error is set when the run ended with some or all workers failing.
	Error string `json:"error,omitempty"`
}

// ArchivePath returns the object path for a run, partitioned by UTC date.
func ArchivePath(runID string, at time.Time) string {
	return fmt.Sprintf("runs/%s/%s.json", at.UTC().Format("2006/01/02"), runID)
}

// ArchiveRun writes items as a RunArchive and returns the stored URI.
func ArchiveRun(ctx context.Context, store scrape.BlobStore, runID string, items []scrape.Item, runErr error, at time.Time) (string, error) {
	if store == nil {
		return "", errors.New("blob store is required")
	}
	if runID == "" {
		return "", errors.New("run id is required")
	}
	if items == nil {
		items = []scrape.Item{}
	}
	doc := RunArchive{RunID: runID, ArchivedAt: at.UTC(), Count: len(items), Items: items}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	uri, err := store.PutObject(ctx, ArchivePath(runID, at), "application/json", body)
	if err != nil {
		return "", fmt.Errorf("put archive: %w", err)
	}
	return uri, nil
}
