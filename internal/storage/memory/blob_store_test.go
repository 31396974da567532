package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "notes/a/meta.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://notes/a/meta.json", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), "notes/a/meta.json")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), "notes/a/meta.json")
	require.NoError(t, err)
	require.Equal(t, "content", string(again), "callers cannot mutate stored bytes")
	require.Equal(t, "application/json", store.ContentType("notes/a/meta.json"))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"reports/r.json", "annotations.json", "notes/a/images/image_01.jpg"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader([]byte(p)))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"annotations.json", "notes/a/images/image_01.jpg", "reports/r.json"}, store.Paths())

	_, err := store.GetObject(context.Background(), "missing")
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}
