// Package sqlite provides local, file-backed bookkeeping for the gardener
// and repository probe: a cache of previously-probed snapshot fingerprints
// keyed by directory path and mtime, so repeated Clear() calls don't
// re-parse every repomd.xml from scratch. Uses modernc.org/sqlite, a
// cgo-free driver, so the gardener stays a single static binary.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Registry wraps a sqlite database of probe results.
type Registry struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS probe_cache (
	path TEXT PRIMARY KEY,
	mtime_unix INTEGER NOT NULL,
	revision TEXT,
	content_hash TEXT,
	content_hash_type TEXT,
	repomd_size INTEGER,
	max_timestamp INTEGER,
	probed_at_unix INTEGER NOT NULL
);
`

// Open opens (creating if necessary) a sqlite database at path and
// ensures its schema is present.
func Open(ctx context.Context, path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry/sqlite: open: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry/sqlite: migrate schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// ProbeEntry is a cached probe result for one on-disk delta repository.
type ProbeEntry struct {
	Path            string
	MtimeUnix       int64
	Revision        string
	ContentHash     string
	ContentHashType string
	RepomdSize      int64
	MaxTimestamp    int64
	ProbedAtUnix    int64
}

// Get returns the cached probe entry for path, if its recorded mtime still
// matches currentMtimeUnix — a stale cache entry (directory modified since
// the last probe) is treated as a miss.
func (r *Registry) Get(ctx context.Context, path string, currentMtimeUnix int64) (ProbeEntry, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT path, mtime_unix, revision, content_hash, content_hash_type, repomd_size, max_timestamp, probed_at_unix
		 FROM probe_cache WHERE path = ?`, path)

	var e ProbeEntry
	if err := row.Scan(&e.Path, &e.MtimeUnix, &e.Revision, &e.ContentHash, &e.ContentHashType, &e.RepomdSize, &e.MaxTimestamp, &e.ProbedAtUnix); err != nil {
		if err == sql.ErrNoRows {
			return ProbeEntry{}, false, nil
		}
		return ProbeEntry{}, false, fmt.Errorf("registry/sqlite: get: %w", err)
	}
	if e.MtimeUnix != currentMtimeUnix {
		return ProbeEntry{}, false, nil
	}
	return e, true, nil
}

// Put upserts a probe entry.
func (r *Registry) Put(ctx context.Context, e ProbeEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO probe_cache (path, mtime_unix, revision, content_hash, content_hash_type, repomd_size, max_timestamp, probed_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   mtime_unix = excluded.mtime_unix,
		   revision = excluded.revision,
		   content_hash = excluded.content_hash,
		   content_hash_type = excluded.content_hash_type,
		   repomd_size = excluded.repomd_size,
		   max_timestamp = excluded.max_timestamp,
		   probed_at_unix = excluded.probed_at_unix`,
		e.Path, e.MtimeUnix, e.Revision, e.ContentHash, e.ContentHashType, e.RepomdSize, e.MaxTimestamp, e.ProbedAtUnix)
	if err != nil {
		return fmt.Errorf("registry/sqlite: put: %w", err)
	}
	return nil
}

// Delete removes a path's cached probe entry, called by the gardener once
// the directory it described has been removed.
func (r *Registry) Delete(ctx context.Context, path string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM probe_cache WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("registry/sqlite: delete: %w", err)
	}
	return nil
}
