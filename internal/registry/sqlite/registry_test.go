package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe.db")
	r, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPutAndGet(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	entry := ProbeEntry{
		Path:            "/mirror/delta-1",
		MtimeUnix:       1000,
		Revision:        "42",
		ContentHash:     "abc",
		ContentHashType: "sha256",
		RepomdSize:      512,
		MaxTimestamp:    1700000000,
		ProbedAtUnix:    2000,
	}
	require.NoError(t, r.Put(ctx, entry))

	got, ok, err := r.Get(ctx, entry.Path, entry.MtimeUnix)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	r := openTestRegistry(t)
	_, ok, err := r.Get(context.Background(), "/does/not/exist", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStaleMtimeIsTreatedAsMiss(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	entry := ProbeEntry{Path: "/mirror/delta-1", MtimeUnix: 1000, ProbedAtUnix: 1}
	require.NoError(t, r.Put(ctx, entry))

	_, ok, err := r.Get(ctx, entry.Path, 9999)
	require.NoError(t, err)
	assert.False(t, ok, "a directory modified since the last probe must be treated as a miss")
}

func TestPutUpserts(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, ProbeEntry{Path: "/p", MtimeUnix: 1, ContentHash: "first"}))
	require.NoError(t, r.Put(ctx, ProbeEntry{Path: "/p", MtimeUnix: 2, ContentHash: "second"}))

	got, ok, err := r.Get(ctx, "/p", 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.ContentHash)
}

func TestDelete(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Put(ctx, ProbeEntry{Path: "/p", MtimeUnix: 1}))
	require.NoError(t, r.Delete(ctx, "/p"))

	_, ok, err := r.Get(ctx, "/p", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
