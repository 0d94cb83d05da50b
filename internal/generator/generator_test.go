package generator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltarepo/internal/deltametadata"
	"github.com/prn-tf/deltarepo/internal/metrics"
)

func writeDeltaRepo(t *testing.T, root, name, hashSrc, hashDst string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "repodata"), 0o755))

	m := &deltametadata.Metadata{
		ContentHashSrc:  hashSrc,
		ContentHashDst:  hashDst,
		ContentHashType: "sha256",
	}
	f, err := os.Create(filepath.Join(dir, "deltametadata.xml"))
	require.NoError(t, err)
	require.NoError(t, deltametadata.Encode(f, m))
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "repodata", "repomd.xml"), []byte(`<repomd><data type="primary"><size>1</size></data></repomd>`), 0o644))
}

func TestGenerateRegenerateWritesIndex(t *testing.T) {
	root := t.TempDir()
	writeDeltaRepo(t, root, "r1", "a", "b")
	writeDeltaRepo(t, root, "r2", "c", "d")

	idx, err := Generate(context.TODO(), root, ModeRegenerate, nil, zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, idx.Records, 2)

	_, err = os.Stat(filepath.Join(root, "deltarepos.xml.xz"))
	assert.NoError(t, err)
}

func TestGenerateUpdateAddsAndRemoves(t *testing.T) {
	root := t.TempDir()
	writeDeltaRepo(t, root, "r1", "a", "b")

	idx, err := Generate(context.TODO(), root, ModeRegenerate, nil, zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	require.Len(t, idx.Records, 1)

	// Now remove r1 and add r2, then run an update.
	require.NoError(t, os.RemoveAll(filepath.Join(root, "r1")))
	writeDeltaRepo(t, root, "r2", "c", "d")

	idx2, err := Generate(context.TODO(), root, ModeUpdate, nil, zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	require.Len(t, idx2.Records, 1)
	assert.Equal(t, "r2", idx2.Records[0].LocationHref)
}

func TestGenerateWritesSortedIndex(t *testing.T) {
	root := t.TempDir()
	// Content hash ordering would put "zzz" last; href ordering puts
	// "r-aaa" first regardless, since the index is sorted by location_href.
	writeDeltaRepo(t, root, "r-zzz", "a", "aaa")
	writeDeltaRepo(t, root, "r-aaa", "a", "zzz")

	idx, err := Generate(context.TODO(), root, ModeRegenerate, nil, zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	require.Len(t, idx.Records, 2)
	assert.Equal(t, "r-aaa", idx.Records[0].LocationHref)
	assert.Equal(t, "r-zzz", idx.Records[1].LocationHref)
}

func TestGenerateRecordsMetrics(t *testing.T) {
	root := t.TempDir()
	writeDeltaRepo(t, root, "r1", "a", "b")

	m := metrics.New()
	idx, err := Generate(context.TODO(), root, ModeRegenerate, nil, zerolog.Nop(), m, nil)
	require.NoError(t, err)
	assert.Len(t, idx.Records, 1)
}

func TestGenerateUpdateCorruptExistingIndexRecordsCodecError(t *testing.T) {
	root := t.TempDir()
	writeDeltaRepo(t, root, "r1", "a", "b")

	existingPath := filepath.Join(root, indexFilename+".xz")
	require.NoError(t, os.WriteFile(existingPath, []byte("not a valid xz stream"), 0o644))

	m := metrics.New()
	_, err := Generate(context.TODO(), root, ModeUpdate, nil, zerolog.Nop(), m, nil)
	assert.Error(t, err, "a corrupt existing index must fail the update rather than silently discard it")
}
