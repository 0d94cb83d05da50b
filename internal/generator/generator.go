// Package generator walks a mirror's directory tree of delta repositories
// and (re)writes its deltarepos.xml.xz index, either from scratch or
// incrementally against an existing index.
package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/compression"
	"github.com/prn-tf/deltarepo/internal/deltaindex"
	"github.com/prn-tf/deltarepo/internal/metrics"
	"github.com/prn-tf/deltarepo/internal/recordbuilder"
	"github.com/prn-tf/deltarepo/internal/registry/postgres"
	"github.com/prn-tf/deltarepo/internal/repository"
)

// Mode selects how the generator reconciles the directory tree against an
// existing index.
type Mode string

const (
	// ModeRegenerate discards any existing deltarepos.xml and rebuilds it
	// from a full directory walk.
	ModeRegenerate Mode = "regenerate"

	// ModeUpdate loads the existing deltarepos.xml, keeps records with a
	// location_base (hosted elsewhere) unchanged, replaces records whose
	// directory still exists with freshly built ones, adds records for new
	// delta repositories found on disk, and drops records whose directory
	// no longer exists.
	ModeUpdate Mode = "update"
)

const indexFilename = "deltarepos.xml"

// lockTTL bounds how long the update-mode publish lock is held; a
// generator run pathologically stuck longer than this releases the lock
// rather than wedging the mirror forever.
const lockTTL = 10 * time.Minute

// Generate (re)writes root/deltarepos.xml.xz according to mode. When
// locker is non-nil, ModeUpdate acquires a distributed lock (keyed by
// root) for the duration of the run, so two publishers on a shared mirror
// filesystem don't race each other's update — the same protection spec.md
// explicitly withholds from a single local snapshot's apply (§5), which
// this is not: a mirror's published index is shared state across a fleet
// of publishers, not one process's working copy.
//
// m and pg are both optional. m records run duration, status and record
// count as Prometheus metrics; pg additionally persists each run to a
// shared fleet-telemetry database.
func Generate(ctx context.Context, root string, mode Mode, locker repository.DistributedLock, logger zerolog.Logger, m *metrics.Metrics, pg *postgres.Registry) (idx *deltaindex.Index, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		records := 0
		if err != nil {
			status = "error"
		} else if idx != nil {
			records = len(idx.Records)
		}
		if m != nil {
			m.RecordGeneratorRun(string(mode), status, time.Since(start).Seconds(), records)
		}
		if pg != nil {
			run := postgres.GeneratorRun{
				MirrorRoot:  root,
				Mode:        string(mode),
				Status:      status,
				RecordCount: records,
				StartedAt:   start,
				FinishedAt:  time.Now(),
			}
			if err != nil {
				run.Error = err.Error()
			}
			if pgErr := pg.RecordGeneratorRun(ctx, run); pgErr != nil {
				logger.Warn().Err(pgErr).Msg("generator: failed to record run telemetry")
			}
		}
	}()

	if mode == ModeUpdate && locker != nil {
		token, lockErr := locker.Lock(ctx, root, lockTTL)
		if lockErr != nil {
			return nil, fmt.Errorf("generator: acquire publish lock: %w", lockErr)
		}
		defer func() {
			if unlockErr := locker.Unlock(ctx, root, token); unlockErr != nil {
				logger.Warn().Err(unlockErr).Str("root", root).Msg("generator: failed to release publish lock")
			}
		}()
	}

	found, err := walk(root, logger)
	if err != nil {
		return nil, err
	}

	idx = &deltaindex.Index{}

	if mode == ModeUpdate {
		if existing, loadErr := loadExisting(root); loadErr == nil {
			idx = reconcile(existing, found)
		} else if !os.IsNotExist(loadErr) {
			if m != nil {
				m.RecordCodecError("deltarepos.xml", "decode")
			}
			return nil, fmt.Errorf("generator: load existing index: %w", loadErr)
		} else {
			idx.Records = found
		}
	} else {
		idx.Records = found
	}

	// Sort in place before writing, so the sorted order is what actually
	// reaches disk rather than being computed and discarded.
	idx.Sort()

	if err := writeIndex(root, idx); err != nil {
		return nil, err
	}

	logger.Info().Str("root", root).Str("mode", string(mode)).Int("records", len(idx.Records)).Msg("generator: wrote deltarepos.xml.xz")
	return idx, nil
}

// walk finds every delta repository directly under root (one level deep,
// matching the mirror layout of sibling delta-repo directories) and builds
// a Record for each.
func walk(root string, logger zerolog.Logger) ([]deltaindex.Record, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("generator: read mirror root: %w", err)
	}

	var records []deltaindex.Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name())

		rec, err := recordbuilder.FromPath(path, root, logger)
		if err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("generator: skipping non-delta-repo directory")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func loadExisting(root string) (*deltaindex.Index, error) {
	path := filepath.Join(root, indexFilename+compression.Suffix(compression.XZ))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, _, err := compression.DetectReader(f)
	if err != nil {
		return nil, fmt.Errorf("generator: decompress existing index: %w", err)
	}
	return deltaindex.Decode(r)
}

// reconcile keeps every existing record with a location_base as is, replaces
// every other existing record whose location_href the walk also found with
// the freshly built record, and adds freshly found records not already
// present, matching on location_href for records without a location_base.
func reconcile(existing *deltaindex.Index, found []deltaindex.Record) *deltaindex.Index {
	foundByHref := make(map[string]deltaindex.Record, len(found))
	for _, r := range found {
		foundByHref[r.LocationHref] = r
	}

	idx := &deltaindex.Index{}
	for _, r := range existing.Records {
		if r.LocationBase != "" {
			// Externally hosted: not part of this mirror's directory tree.
			idx.Records = append(idx.Records, r)
			continue
		}
		if updated, ok := foundByHref[r.LocationHref]; ok {
			idx.Records = append(idx.Records, updated)
			delete(foundByHref, r.LocationHref)
		}
		// Records whose directory disappeared are dropped implicitly by
		// not being re-added here.
	}
	for _, r := range foundByHref {
		idx.Records = append(idx.Records, r)
	}
	return idx
}

func writeIndex(root string, idx *deltaindex.Index) error {
	path := filepath.Join(root, indexFilename+compression.Suffix(compression.XZ))
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("generator: create index file: %w", err)
	}

	w, err := compression.NewWriter(f, compression.XZ)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("generator: open compressor: %w", err)
	}

	if err := deltaindex.Encode(w, idx); err != nil {
		w.Close()
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("generator: encode index: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("generator: flush compressor: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("generator: close index file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("generator: publish index: %w", err)
	}
	return nil
}
