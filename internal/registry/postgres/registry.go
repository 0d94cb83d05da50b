// Package postgres is an optional fleet-telemetry sink: operators running
// the generator and updater across many mirrors can point both at a shared
// Postgres database to record run history, independent of any single
// mirror's local filesystem state. Entirely optional — nothing in the core
// pipeline requires it.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry records generator and apply run history.
type Registry struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS generator_runs (
	id BIGSERIAL PRIMARY KEY,
	mirror_root TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	error TEXT
);

CREATE TABLE IF NOT EXISTS apply_runs (
	id BIGSERIAL PRIMARY KEY,
	snapshot_path TEXT NOT NULL,
	src_content_hash TEXT NOT NULL,
	dst_content_hash TEXT NOT NULL,
	hops INTEGER NOT NULL,
	bytes_downloaded BIGINT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	error TEXT
);
`

// Open connects to Postgres via dsn and ensures the telemetry schema
// exists.
func Open(ctx context.Context, dsn string) (*Registry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry/postgres: migrate schema: %w", err)
	}
	return &Registry{pool: pool}, nil
}

// Close releases the connection pool.
func (r *Registry) Close() {
	r.pool.Close()
}

// GeneratorRun is one recorded generator invocation.
type GeneratorRun struct {
	MirrorRoot  string
	Mode        string
	Status      string
	RecordCount int
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// RecordGeneratorRun inserts a generator run record.
func (r *Registry) RecordGeneratorRun(ctx context.Context, run GeneratorRun) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO generator_runs (mirror_root, mode, status, record_count, started_at, finished_at, error)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))`,
		run.MirrorRoot, run.Mode, run.Status, run.RecordCount, run.StartedAt, run.FinishedAt, run.Error)
	if err != nil {
		return fmt.Errorf("registry/postgres: record generator run: %w", err)
	}
	return nil
}

// ApplyRun is one recorded apply-chain invocation.
type ApplyRun struct {
	SnapshotPath    string
	SrcContentHash  string
	DstContentHash  string
	Hops            int
	BytesDownloaded int64
	Status          string
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           string
}

// RecordApplyRun inserts an apply run record.
func (r *Registry) RecordApplyRun(ctx context.Context, run ApplyRun) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO apply_runs (snapshot_path, src_content_hash, dst_content_hash, hops, bytes_downloaded, status, started_at, finished_at, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))`,
		run.SnapshotPath, run.SrcContentHash, run.DstContentHash, run.Hops, run.BytesDownloaded, run.Status, run.StartedAt, run.FinishedAt, run.Error)
	if err != nil {
		return fmt.Errorf("registry/postgres: record apply run: %w", err)
	}
	return nil
}

// RecentApplyFailureRate reports the fraction of apply runs against
// snapshotPath that failed within the last window, used by operators to
// alert on a mirror whose deltas have started failing systematically.
func (r *Registry) RecentApplyFailureRate(ctx context.Context, snapshotPath string, window time.Duration) (float64, error) {
	var total, failed int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status <> 'ok')
		 FROM apply_runs WHERE snapshot_path = $1 AND started_at > now() - $2::interval`,
		snapshotPath, window.String()).Scan(&total, &failed)
	if err != nil {
		return 0, fmt.Errorf("registry/postgres: query failure rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}
