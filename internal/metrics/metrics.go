// Package metrics provides Prometheus metrics for the deltarepo pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains every Prometheus metric the pipeline's components emit.
// Each instance registers into its own Registry rather than the global
// DefaultRegisterer, so a process embedding more than one pipeline
// component (or a test suite constructing several Metrics in the same
// binary) never hits promauto's duplicate-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	// Solver Metrics
	SolveTotal         *prometheus.CounterVec
	SolveDuration      *prometheus.HistogramVec
	SolveCost          prometheus.Histogram
	SolveHops          prometheus.Histogram

	// Apply Engine Metrics
	ApplyRunsTotal    *prometheus.CounterVec
	ApplyStepDuration *prometheus.HistogramVec
	ApplyBytesTotal   *prometheus.CounterVec
	ApplyChecksumFail prometheus.Counter

	// Codec Metrics
	CodecErrorsTotal *prometheus.CounterVec
	CodecDuration    *prometheus.HistogramVec

	// Content Hash Metrics
	ContentHashDuration *prometheus.HistogramVec

	// Gardener Metrics
	GardenerRunsTotal    prometheus.Counter
	GardenerReposRemoved prometheus.Counter
	GardenerBytesFreed   prometheus.Counter
	GardenerDuration     prometheus.Histogram

	// Generator Metrics
	GeneratorRunsTotal *prometheus.CounterVec
	GeneratorDuration  *prometheus.HistogramVec
	GeneratorRecords   prometheus.Gauge

	// Mirror/Cache Metrics
	MirrorFetchTotal *prometheus.CounterVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Lock Metrics
	LockAcquireTotal *prometheus.CounterVec
}

const namespace = "deltarepo"

// New creates every Prometheus metric, registered into a Registry private
// to this instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SolveTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "solver",
				Name:      "runs_total",
				Help:      "Total number of path-solve attempts.",
			},
			[]string{"status"},
		),
		SolveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "solver",
				Name:      "duration_seconds",
				Help:      "Path-solve duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"status"},
		),
		SolveCost: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "solver",
				Name:      "resolved_cost_bytes",
				Help:      "Estimated transfer cost of resolved paths.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),
		SolveHops: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "solver",
				Name:      "resolved_hops",
				Help:      "Number of links in a resolved path.",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),

		ApplyRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "runs_total",
				Help:      "Total number of apply-chain runs.",
			},
			[]string{"status"},
		),
		ApplyStepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "step_duration_seconds",
				Help:      "Duration of a single apply step.",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"plugin"},
		),
		ApplyBytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "bytes_downloaded_total",
				Help:      "Total bytes downloaded while applying delta repositories.",
			},
			[]string{"link_type"},
		),
		ApplyChecksumFail: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apply",
				Name:      "checksum_failures_total",
				Help:      "Total number of checksum mismatches during apply.",
			},
		),

		CodecErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "codec",
				Name:      "errors_total",
				Help:      "Total number of codec parse/validation errors.",
			},
			[]string{"document", "kind"},
		),
		CodecDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "codec",
				Name:      "duration_seconds",
				Help:      "Encode/decode duration by document type.",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"document", "direction"},
		),

		ContentHashDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "contenthash",
				Name:      "duration_seconds",
				Help:      "Content-hash computation duration by algorithm.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"algorithm"},
		),

		GardenerRunsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gardener",
				Name:      "runs_total",
				Help:      "Total number of gardener retention runs.",
			},
		),
		GardenerReposRemoved: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gardener",
				Name:      "repos_removed_total",
				Help:      "Total number of cached snapshots removed by retention.",
			},
		),
		GardenerBytesFreed: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gardener",
				Name:      "bytes_freed_total",
				Help:      "Total bytes freed by retention removals.",
			},
		),
		GardenerDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gardener",
				Name:      "duration_seconds",
				Help:      "Gardener run duration in seconds.",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
		),

		GeneratorRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "runs_total",
				Help:      "Total number of generator runs.",
			},
			[]string{"mode", "status"},
		),
		GeneratorDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "duration_seconds",
				Help:      "Generator run duration in seconds.",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"mode"},
		),
		GeneratorRecords: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "records",
				Help:      "Number of records in the most recently written deltarepos.xml.",
			},
		),

		MirrorFetchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "fetch_total",
				Help:      "Total number of mirror index fetches.",
			},
			[]string{"status"},
		),
		CacheHitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits.",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses.",
			},
			[]string{"cache"},
		),

		LockAcquireTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "acquire_total",
				Help:      "Total number of distributed lock acquire attempts.",
			},
			[]string{"status"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler for this instance's
// registry, exposed by whatever small process embeds the generator/gardener
// as a scheduled job.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSolve records a completed path-solve attempt.
func (m *Metrics) RecordSolve(status string, duration float64, cost int64, hops int) {
	m.SolveTotal.WithLabelValues(status).Inc()
	m.SolveDuration.WithLabelValues(status).Observe(duration)
	if status == "ok" {
		m.SolveCost.Observe(float64(cost))
		m.SolveHops.Observe(float64(hops))
	}
}

// RecordApplyRun records a completed (or failed) apply-chain run.
func (m *Metrics) RecordApplyRun(status string) {
	m.ApplyRunsTotal.WithLabelValues(status).Inc()
}

// RecordApplyStep records one plugin's apply duration and downloaded bytes.
func (m *Metrics) RecordApplyStep(plugin, linkType string, duration float64, bytesDownloaded int64) {
	m.ApplyStepDuration.WithLabelValues(plugin).Observe(duration)
	m.ApplyBytesTotal.WithLabelValues(linkType).Add(float64(bytesDownloaded))
}

// RecordCodecError records a parse or validation failure for a document.
func (m *Metrics) RecordCodecError(document, kind string) {
	m.CodecErrorsTotal.WithLabelValues(document, kind).Inc()
}

// RecordCacheAccess records a cache access.
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cache).Inc()
	}
}

// RecordGardenerRun records a completed retention sweep.
func (m *Metrics) RecordGardenerRun(duration float64, reposRemoved int, bytesFreed int64) {
	m.GardenerRunsTotal.Inc()
	m.GardenerDuration.Observe(duration)
	m.GardenerReposRemoved.Add(float64(reposRemoved))
	m.GardenerBytesFreed.Add(float64(bytesFreed))
}

// RecordGeneratorRun records a completed generator run.
func (m *Metrics) RecordGeneratorRun(mode, status string, duration float64, records int) {
	m.GeneratorRunsTotal.WithLabelValues(mode, status).Inc()
	m.GeneratorDuration.WithLabelValues(mode).Observe(duration)
	if status == "ok" {
		m.GeneratorRecords.Set(float64(records))
	}
}

// RecordLockAcquire records a distributed lock acquire attempt.
func (m *Metrics) RecordLockAcquire(status string) {
	m.LockAcquireTotal.WithLabelValues(status).Inc()
}
