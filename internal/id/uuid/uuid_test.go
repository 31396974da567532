package uuid

import (
	"testing"
	"time"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
	require.Less(t, id1, id2, "v7 ids sort by creation time")
}

func TestCreatedAt(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	id, err := New().NewID()
	require.NoError(t, err)
	after := time.Now().Add(time.Second)

	got, err := CreatedAt(id)
	require.NoError(t, err)
	require.True(t, got.After(before) && got.Before(after), "created at %s", got)

	_, err = CreatedAt("not-a-uuid")
	require.Error(t, err)
	_, err = CreatedAt(goUUID.NewString())
	require.ErrorContains(t, err, "version 4")
}
