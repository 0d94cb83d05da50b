// Package solver builds a graph of Links keyed by content hash and finds
// the cheapest chain of deltas from a source snapshot to a destination
// snapshot, using Dijkstra's algorithm with an explicit optional distance
// instead of a sentinel "-1 means infinity" value.
package solver

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
	"github.com/prn-tf/deltarepo/internal/metrics"
	"github.com/prn-tf/deltarepo/internal/mirror"
)

// Distance is an optional edge weight: Valid is false for "infinity" /
// unreached nodes, rather than relying on a -1 sentinel.
type Distance struct {
	Value int64
	Valid bool
}

func finite(v int64) Distance { return Distance{Value: v, Valid: true} }

func (d Distance) less(other Distance) bool {
	if !other.Valid {
		return d.Valid
	}
	if !d.Valid {
		return false
	}
	return d.Value < other.Value
}

func (d Distance) add(delta int64) Distance {
	if !d.Valid {
		return d
	}
	return finite(d.Value + delta)
}

// Graph is an adjacency-list view of every Link a set of mirrors
// advertises for one contenthash algorithm ("type").
type Graph struct {
	Type  string
	edges map[string][]mirror.Link // src content hash -> outgoing links
	nodes map[string]bool
}

// NewGraph builds a Graph from a list of mirrors, keeping only links whose
// Type matches hashType. Duplicate edges (same src/dst pair) keep only the
// first one seen; every subsequent duplicate is logged and dropped, since
// a single edge is described by exactly one mirror's advertisement.
func NewGraph(hashType string, mirrors []*mirror.Mirror, logger zerolog.Logger) *Graph {
	g := &Graph{
		Type:  hashType,
		edges: make(map[string][]mirror.Link),
		nodes: make(map[string]bool),
	}

	seen := make(map[[2]string]bool)
	for _, m := range mirrors {
		for _, link := range m.Links {
			if link.Type != hashType {
				continue
			}

			if link.Src == link.Dst {
				logger.Warn().Str("hash", link.Src).Msg("solver: dropping self-loop link")
				continue
			}

			key := [2]string{link.Src, link.Dst}
			if seen[key] {
				logger.Warn().Str("src", link.Src).Str("dst", link.Dst).
					Msg("solver: duplicate edge, keeping the first one seen")
				continue
			}
			seen[key] = true

			g.edges[link.Src] = append(g.edges[link.Src], link)
			g.nodes[link.Src] = true
			g.nodes[link.Dst] = true
		}
	}
	return g
}

// ResolvedPath is an ordered sequence of links forming a route from Src to
// Dst, plus the total cost used to select it.
type ResolvedPath struct {
	Src   string
	Dst   string
	Links []mirror.Link
	Cost  int64
}

type heapItem struct {
	node string
	dist Distance
}

type distHeap []heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist.less(h[j].dist) }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// ShortestPath runs Dijkstra's algorithm over g from src to dst, weighing
// each link with whitelist. It returns deltaerrors.ErrNoPath if dst is
// unreachable, and deltaerrors.ErrIncompatibleEndpoints if src == dst.
func ShortestPath(g *Graph, src, dst string, whitelist []string) (ResolvedPath, error) {
	if src == dst {
		return ResolvedPath{}, fmt.Errorf("%w: %s", deltaerrors.ErrIncompatibleEndpoints, src)
	}

	dist := map[string]Distance{src: finite(0)}
	prevLink := map[string]mirror.Link{}
	prevNode := map[string]string{}
	visited := map[string]bool{}

	h := &distHeap{{node: src, dist: finite(0)}}
	heap.Init(h)

	for h.Len() > 0 {
		cur := heap.Pop(h).(heapItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		if cur.node == dst {
			break
		}

		for _, link := range g.edges[cur.node] {
			cand := cur.dist.add(link.Cost(whitelist))
			existing, ok := dist[link.Dst]
			if !ok || cand.less(existing) {
				dist[link.Dst] = cand
				prevLink[link.Dst] = link
				prevNode[link.Dst] = cur.node
				heap.Push(h, heapItem{node: link.Dst, dist: cand})
			}
		}
	}

	final, ok := dist[dst]
	if !ok || !final.Valid {
		return ResolvedPath{}, fmt.Errorf("%w: from %s to %s", deltaerrors.ErrNoPath, src, dst)
	}

	var links []mirror.Link
	for n := dst; n != src; n = prevNode[n] {
		links = append([]mirror.Link{prevLink[n]}, links...)
	}

	return ResolvedPath{Src: src, Dst: dst, Links: links, Cost: final.Value}, nil
}

// pathCacheKey identifies a (src, dst, hashType) solve for memoization.
type pathCacheKey struct {
	src, dst, hashType string
}

// UpdateSolver wraps Graph construction and ShortestPath with a cache keyed
// by (src, dst, type), so resolving the same snapshot pair repeatedly (as
// the updater does while probing candidate destinations) doesn't re-run
// Dijkstra from scratch each time.
type UpdateSolver struct {
	graphs  map[string]*Graph // hashType -> graph
	cache   map[pathCacheKey]ResolvedPath
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewUpdateSolver builds graphs for every distinct content-hash type found
// among the supplied mirrors. m, when non-nil, records solve duration, cost
// and hop count for every Resolve call that isn't served from cache.
func NewUpdateSolver(mirrors []*mirror.Mirror, logger zerolog.Logger, m *metrics.Metrics) *UpdateSolver {
	types := map[string]bool{}
	for _, m := range mirrors {
		for _, l := range m.Links {
			types[l.Type] = true
		}
	}

	s := &UpdateSolver{
		graphs:  make(map[string]*Graph, len(types)),
		cache:   make(map[pathCacheKey]ResolvedPath),
		logger:  logger,
		metrics: m,
	}
	for t := range types {
		s.graphs[t] = NewGraph(t, mirrors, logger)
	}
	return s
}

// Resolve finds (and caches) the cheapest path from src to dst under
// hashType, honoring whitelist.
func (s *UpdateSolver) Resolve(src, dst, hashType string, whitelist []string) (ResolvedPath, error) {
	key := pathCacheKey{src: src, dst: dst, hashType: hashType}
	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	start := time.Now()

	g, ok := s.graphs[hashType]
	if !ok {
		err := fmt.Errorf("%w: no links of type %q", deltaerrors.ErrNoPath, hashType)
		s.recordSolve("error", start, ResolvedPath{})
		return ResolvedPath{}, err
	}

	path, err := ShortestPath(g, src, dst, whitelist)
	if err != nil {
		s.recordSolve("error", start, ResolvedPath{})
		return ResolvedPath{}, err
	}
	s.cache[key] = path
	s.recordSolve("ok", start, path)
	return path, nil
}

func (s *UpdateSolver) recordSolve(status string, start time.Time, path ResolvedPath) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSolve(status, time.Since(start).Seconds(), path.Cost, len(path.Links))
}

// FindRepoContentHash guesses the content hash a target repository
// corresponds to, when the target only advertises revision/timestamp and
// not a content hash directly: it scans every link's destination for one
// whose recorded RevisionDst/TimestampDst matches.
func FindRepoContentHash(mirrors []*mirror.Mirror, hashType, revision string, timestamp int64) (string, bool) {
	for _, m := range mirrors {
		for _, l := range m.Links {
			if l.Type != hashType {
				continue
			}
			rec := l.Record()
			if rec.RevisionDst == revision && rec.TimestampDst == timestamp {
				return l.Dst, true
			}
		}
	}
	return "", false
}
