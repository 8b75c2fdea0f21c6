package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "runs/r1.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://runs/r1.json", uri)

	payload[0] = 'C'
	got, ct, ok := store.Get("runs/r1.json")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, "application/json", ct)

	got[0] = 'X'
	again, _, _ := store.Get("runs/r1.json")
	require.Equal(t, "content", string(again))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", nil)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b", "c"}, store.Paths())

	_, err := store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
	_, _, ok := store.Get("missing")
	require.False(t, ok)
}
