package gardener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltarepo/internal/metrics"
	"github.com/prn-tf/deltarepo/internal/registry/sqlite"
)

// writeSnapshot writes a plain materialized repository snapshot: just
// repodata/repomd.xml, with no deltametadata.xml — that file belongs to a
// published delta repository, not to an applied result the gardener
// sweeps.
func writeSnapshot(t *testing.T, root, name string, timestamp int64) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repodata"), 0o755))

	repomd := fmt.Sprintf(`<repomd><revision>%d</revision><data type="primary"><timestamp>%d</timestamp><size>10</size><open-size>10</open-size></data></repomd>`, timestamp, timestamp)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(repomd), 0o644))
	return dir
}

func TestClearMaxNumKeepsNewest(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "r1", 100)
	writeSnapshot(t, root, "r2", 200)
	writeSnapshot(t, root, "r3", 300)

	result, err := Clear(context.Background(), root, Policy{MaxNum: 1}, zerolog.Nop(), nil, nil)
	require.NoError(t, err)

	assert.Len(t, result.Removed, 2)
	_, err = os.Stat(filepath.Join(root, "r3"))
	assert.NoError(t, err, "newest snapshot must survive a MaxNum=1 policy")
	_, err = os.Stat(filepath.Join(root, "r1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "r2"))
	assert.True(t, os.IsNotExist(err))
}

func TestClearMaxAgeRemovesOldEntries(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-2 * time.Hour).Unix()
	fresh := time.Now().Unix()

	writeSnapshot(t, root, "old", old)
	writeSnapshot(t, root, "fresh", fresh)

	result, err := Clear(context.Background(), root, Policy{MaxAge: time.Hour}, zerolog.Nop(), nil, nil)
	require.NoError(t, err)

	assert.Contains(t, result.Removed, filepath.Join(root, "old"))
	_, err = os.Stat(filepath.Join(root, "fresh"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err))
}

func TestClearUnionOfPolicies(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-2 * time.Hour).Unix()
	fresh1 := time.Now().Unix()
	fresh2 := time.Now().Unix() - 1

	writeSnapshot(t, root, "old", old)
	writeSnapshot(t, root, "fresh1", fresh1)
	writeSnapshot(t, root, "fresh2", fresh2)

	result, err := Clear(context.Background(), root, Policy{MaxNum: 1, MaxAge: time.Hour}, zerolog.Nop(), nil, nil)
	require.NoError(t, err)

	// "old" is removed by MaxAge, "fresh2" by MaxNum; only "fresh1" (the
	// single newest) survives the union of both removal sets.
	assert.Len(t, result.Removed, 2)
	_, err = os.Stat(filepath.Join(root, "fresh1"))
	assert.NoError(t, err)
}

func TestClearSkipsUnprobeableDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-repo"), 0o755))
	writeSnapshot(t, root, "real", time.Now().Unix())

	result, err := Clear(context.Background(), root, Policy{MaxNum: 0}, zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
}

func TestClearUsesProbeCacheAcrossRuns(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "r1", 100)
	writeSnapshot(t, root, "r2", 200)

	cache, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "probe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	_, err = Clear(context.Background(), root, Policy{MaxNum: 0}, zerolog.Nop(), cache, nil)
	require.NoError(t, err)

	got, ok, err := cache.Get(context.Background(), filepath.Join(root, "r2"), mustMtime(t, filepath.Join(root, "r2")))
	require.NoError(t, err)
	require.True(t, ok, "a sweep with a non-nil cache must populate an entry for every probed candidate")
	assert.EqualValues(t, 200, got.MaxTimestamp)

	// A second sweep must still rank candidates correctly when served from
	// cache rather than by re-parsing repomd.xml.
	r1Mtime := mustMtime(t, filepath.Join(root, "r1"))
	result, err := Clear(context.Background(), root, Policy{MaxNum: 1}, zerolog.Nop(), cache, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "r1")}, result.Removed)

	_, ok, err = cache.Get(context.Background(), filepath.Join(root, "r1"), r1Mtime)
	require.NoError(t, err)
	assert.False(t, ok, "a removed directory's probe cache entry must be evicted so a reused path isn't served a stale entry")
}

func TestClearRecordsMetrics(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "old", time.Now().Add(-2*time.Hour).Unix())
	writeSnapshot(t, root, "fresh", time.Now().Unix())

	m := metrics.New()
	result, err := Clear(context.Background(), root, Policy{MaxAge: time.Hour}, zerolog.Nop(), nil, m)
	require.NoError(t, err)
	assert.Len(t, result.Removed, 1)
}

func mustMtime(t *testing.T, dir string) int64 {
	t.Helper()
	fi, err := os.Stat(filepath.Join(dir, "repodata", "repomd.xml"))
	require.NoError(t, err)
	return fi.ModTime().Unix()
}
