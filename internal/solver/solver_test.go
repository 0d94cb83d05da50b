package solver

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/deltarepo/internal/compression"
	"github.com/prn-tf/deltarepo/internal/deltaerrors"
	"github.com/prn-tf/deltarepo/internal/deltaindex"
	"github.com/prn-tf/deltarepo/internal/metrics"
	"github.com/prn-tf/deltarepo/internal/mirror"
)

type fakeFetcher struct{ body []byte }

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

// buildMirror encodes records into a deltarepos.xml.xz-shaped payload and
// parses it back through the mirror package, the only way to obtain a
// *mirror.Mirror whose Links carry a usable Cost (Link.record is
// unexported).
func buildMirror(t *testing.T, url string, records ...deltaindex.Record) *mirror.Mirror {
	t.Helper()
	idx := &deltaindex.Index{Records: records}

	var buf bytes.Buffer
	w, err := compression.NewWriter(&buf, compression.None)
	require.NoError(t, err)
	require.NoError(t, deltaindex.Encode(w, idx))
	require.NoError(t, w.Close())

	m, err := mirror.FromURL(context.Background(), &fakeFetcher{body: buf.Bytes()}, url, true, zerolog.Nop())
	require.NoError(t, err)
	return m
}

func rec(href, src, dst string, size int64) deltaindex.Record {
	return deltaindex.Record{
		LocationHref:    href,
		ContentHashSrc:  src,
		ContentHashDst:  dst,
		ContentHashType: "sha256",
		Data:            map[string]deltaindex.DataSize{"primary": {Size: size}},
	}
}

func TestShortestPathPrefersCheaperTwoHopOverDirectEdge(t *testing.T) {
	// direct snapshot1 -> snapshot3 costs 1000; two-hop via snapshot2 costs
	// 100 + 100 = 200 and should win.
	m := buildMirror(t, "http://mirror.example",
		rec("direct", "s1", "s3", 1000),
		rec("hop-a", "s1", "s2", 100),
		rec("hop-b", "s2", "s3", 100),
	)

	g := NewGraph("sha256", []*mirror.Mirror{m}, zerolog.Nop())
	path, err := ShortestPath(g, "s1", "s3", nil)
	require.NoError(t, err)

	assert.EqualValues(t, 200, path.Cost)
	require.Len(t, path.Links, 2)
	assert.Equal(t, "hop-a", path.Links[0].LocationHref)
	assert.Equal(t, "hop-b", path.Links[1].LocationHref)
}

func TestShortestPathIdenticalEndpointsRejected(t *testing.T) {
	m := buildMirror(t, "http://mirror.example", rec("loop", "s1", "s2", 10))
	g := NewGraph("sha256", []*mirror.Mirror{m}, zerolog.Nop())

	_, err := ShortestPath(g, "s1", "s1", nil)
	assert.ErrorIs(t, err, deltaerrors.ErrIncompatibleEndpoints)
}

func TestShortestPathUnreachable(t *testing.T) {
	m := buildMirror(t, "http://mirror.example", rec("unrelated", "x", "y", 10))
	g := NewGraph("sha256", []*mirror.Mirror{m}, zerolog.Nop())

	_, err := ShortestPath(g, "s1", "s2", nil)
	assert.ErrorIs(t, err, deltaerrors.ErrNoPath)
}

func TestShortestPathHonorsWhitelist(t *testing.T) {
	r := deltaindex.Record{
		LocationHref:    "multi-type",
		ContentHashSrc:  "s1",
		ContentHashDst:  "s2",
		ContentHashType: "sha256",
		Data: map[string]deltaindex.DataSize{
			"primary":   {Size: 100},
			"filelists": {Size: 900},
		},
	}
	m := buildMirror(t, "http://mirror.example", r)
	g := NewGraph("sha256", []*mirror.Mirror{m}, zerolog.Nop())

	path, err := ShortestPath(g, "s1", "s2", []string{"primary"})
	require.NoError(t, err)
	assert.EqualValues(t, 100, path.Cost)
}

func TestNewGraphDuplicateEdgeKeepsFirst(t *testing.T) {
	m := buildMirror(t, "http://mirror.example",
		rec("first", "s1", "s2", 100),
		rec("second", "s1", "s2", 999),
	)

	g := NewGraph("sha256", []*mirror.Mirror{m}, zerolog.Nop())
	path, err := ShortestPath(g, "s1", "s2", nil)
	require.NoError(t, err)

	require.Len(t, path.Links, 1)
	assert.Equal(t, "first", path.Links[0].LocationHref, "the first edge seen between a pair must win, the rest are dropped")
}

func TestUpdateSolverCachesResolvedPath(t *testing.T) {
	m := buildMirror(t, "http://mirror.example", rec("direct", "s1", "s2", 50))
	s := NewUpdateSolver([]*mirror.Mirror{m}, zerolog.Nop(), nil)

	p1, err := s.Resolve("s1", "s2", "sha256", nil)
	require.NoError(t, err)
	p2, err := s.Resolve("s1", "s2", "sha256", nil)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestUpdateSolverRecordsMetrics(t *testing.T) {
	mir := buildMirror(t, "http://mirror.example", rec("direct", "s1", "s2", 50))
	met := metrics.New()
	s := NewUpdateSolver([]*mirror.Mirror{mir}, zerolog.Nop(), met)

	_, err := s.Resolve("s1", "s2", "sha256", nil)
	require.NoError(t, err)

	_, err = s.Resolve("s1", "s3", "sha256", nil)
	assert.Error(t, err, "an unreachable destination should still be recorded, as an error")
}

func TestFindRepoContentHash(t *testing.T) {
	r := rec("direct", "s1", "s2", 10)
	r.RevisionDst = "42"
	r.TimestampDst = 1000
	m := buildMirror(t, "http://mirror.example", r)

	hash, ok := FindRepoContentHash([]*mirror.Mirror{m}, "sha256", "42", 1000)
	require.True(t, ok)
	assert.Equal(t, "s2", hash)

	_, ok = FindRepoContentHash([]*mirror.Mirror{m}, "sha256", "42", 9999)
	assert.False(t, ok)
}
