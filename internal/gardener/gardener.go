// Package gardener implements retention for a cache of materialized
// repository snapshots: given a directory of applied snapshots, remove the
// ones that fall outside a max-count / max-age policy, preferring to keep
// the newest.
package gardener

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/metrics"
	"github.com/prn-tf/deltarepo/internal/repoprobe"
)

// Policy bounds retention by count and by age. Zero (or a negative value)
// means "no limit" for that dimension; with both at zero nothing is
// removed.
type Policy struct {
	MaxNum int
	MaxAge time.Duration
}

// candidate is one cached snapshot found under the cache root, along with
// the probed timestamp used to rank it.
type candidate struct {
	path      string
	timestamp int64
	size      int64
}

// Result summarizes one Clear run.
type Result struct {
	Removed      []string
	BytesFreed   int64
	Errors       []error
}

// Clear lists every cached snapshot directly under root, sorts them by
// repomd timestamp descending (newest first), and removes whatever falls
// outside policy — the union of "beyond MaxNum" and "older than MaxAge".
// A single entry's removal failure is recorded in Result.Errors and does
// not abort the rest of the sweep.
//
// cache, when non-nil, lets repeated sweeps skip re-parsing a candidate's
// repomd.xml when its mtime hasn't changed since the last run. m, when
// non-nil, records the sweep's duration and removal counts.
func Clear(ctx context.Context, root string, policy Policy, logger zerolog.Logger, cache repoprobe.ProbeCache, m *metrics.Metrics) (Result, error) {
	start := time.Now()
	result, err := clear(ctx, root, policy, logger, cache)
	if m != nil {
		m.RecordGardenerRun(time.Since(start).Seconds(), len(result.Removed), result.BytesFreed)
	}
	return result, err
}

func clear(ctx context.Context, root string, policy Policy, logger zerolog.Logger, cache repoprobe.ProbeCache) (Result, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return Result{}, fmt.Errorf("gardener: read cache dir: %w", err)
	}

	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name())

		snap, err := repoprobe.FromLocalPathCached(ctx, path, logger, "", false, cache)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("gardener: failed to probe candidate, skipping")
			continue
		}

		size, _ := dirSize(path)
		candidates = append(candidates, candidate{
			path:      path,
			timestamp: snap.MaxTimestamp,
			size:      size,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].timestamp > candidates[j].timestamp
	})

	toRemove := make(map[string]candidate)

	if policy.MaxNum > 0 && len(candidates) > policy.MaxNum {
		for _, c := range candidates[policy.MaxNum:] {
			toRemove[c.path] = c
		}
	}

	if policy.MaxAge > 0 {
		cutoff := time.Now().Add(-policy.MaxAge).Unix()
		for _, c := range candidates {
			if c.timestamp < cutoff {
				toRemove[c.path] = c
			}
		}
	}

	var result Result
	for _, c := range toRemove {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		if err := os.RemoveAll(c.path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("gardener: remove %s: %w", c.path, err))
			continue
		}
		if cache != nil {
			if err := cache.Delete(ctx, c.path); err != nil {
				logger.Warn().Err(err).Str("path", c.path).Msg("gardener: failed to evict probe cache entry")
			}
		}
		result.Removed = append(result.Removed, c.path)
		result.BytesFreed += c.size
		logger.Info().Str("path", c.path).Msg("gardener: removed cached snapshot")
	}

	return result, nil
}

func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
