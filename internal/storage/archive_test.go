package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapefleet/internal/scrape"
	"github.com/JakeFAU/scrapefleet/internal/storage"
	"github.com/JakeFAU/scrapefleet/internal/storage/memory"
)

func TestArchiveRunWritesDatedDocument(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	at := time.Date(2026, 10, 18, 23, 30, 0, 0, time.FixedZone("x", -3*3600))
	items := []scrape.Item{{"title": "a"}, {"title": "b"}}

	uri, err := storage.ArchiveRun(context.Background(), blobs, "run-1", items, errors.New("some workers failed"), at)
	require.NoError(t, err)
	require.Equal(t, "memory://runs/2026/10/19/run-1.json", uri)

	body, ct, ok := blobs.Get("runs/2026/10/19/run-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", ct)
	var doc storage.RunArchive
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Equal(t, "run-1", doc.RunID)
	require.Equal(t, 2, doc.Count)
	require.Equal(t, "some workers failed", doc.Error)
	require.True(t, doc.ArchivedAt.Equal(at))
}

func TestArchiveRunEmptyItems(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := storage.ArchiveRun(context.Background(), blobs, "r", nil, nil, time.Unix(0, 0))
	require.NoError(t, err)
	body, _, _ := blobs.Get(storage.ArchivePath("r", time.Unix(0, 0)))
	require.Contains(t, string(body), `"items": []`)
	require.NotContains(t, string(body), `"error"`)
}

func TestArchiveRunValidation(t *testing.T) {
	t.Parallel()

	_, err := storage.ArchiveRun(context.Background(), nil, "r", nil, nil, time.Now())
	require.Error(t, err)
	_, err = storage.ArchiveRun(context.Background(), memory.NewBlobStore(), "", nil, nil, time.Now())
	require.Error(t, err)
}
