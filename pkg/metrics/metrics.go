// Package metrics provides Prometheus instrumentation for Strata.
//
// All metrics share the strata_ prefix and are registered through
// promauto at package init. Components record through the exported
// vectors directly; the optional /metrics listener is started by the
// runner when an address is configured.
//
// Example:
//
//	metrics.RecordsNormalized.WithLabelValues(pipeline, table).Add(float64(n))
//
//	timer := metrics.NewTimer("load_file")
//	result := client.LoadFile(ctx, job)
//	metrics.JobDuration.WithLabelValues(dest, string(disposition)).Observe(timer.Stop().Seconds())
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsExtracted counts raw records drained from sources.
	// Labels: pipeline, resource
	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_records_extracted_total",
			Help: "Total number of records extracted from sources",
		},
		[]string{"pipeline", "resource"},
	)

	// RecordsNormalized counts source records pushed through the normalizer.
	// Labels: pipeline, table
	RecordsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_records_normalized_total",
			Help: "Total number of source records normalized",
		},
		[]string{"pipeline", "table"},
	)

	// RowsWritten counts rows written into package data files, child tables
	// included. Labels: pipeline, table
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_rows_written_total",
			Help: "Total number of normalized rows written to load packages",
		},
		[]string{"pipeline", "table"},
	)

	// ContractViolations counts schema contract violations.
	// Labels: pipeline, table
	ContractViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_contract_violations_total",
			Help: "Total number of schema contract violations",
		},
		[]string{"pipeline", "table"},
	)

	// SchemaVersionBumps counts schema version increments.
	// Labels: pipeline, schema
	SchemaVersionBumps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_schema_version_bumps_total",
			Help: "Total number of schema version increments",
		},
		[]string{"pipeline", "schema"},
	)

	// JobTransitions counts job state transitions.
	// Labels: destination, state (running/completed/retry/failed)
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_job_transitions_total",
			Help: "Total number of load job state transitions",
		},
		[]string{"destination", "state"},
	)

	// JobDuration tracks per-attempt load durations in seconds.
	// Labels: destination, disposition
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_job_duration_seconds",
			Help:    "Load job attempt duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"destination", "disposition"},
	)

	// ActiveJobs tracks jobs currently executing.
	// Labels: destination
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_active_jobs",
			Help: "Number of load jobs currently executing",
		},
		[]string{"destination"},
	)

	// PackageTransitions counts load package state transitions.
	// Labels: pipeline, state (extracted/normalized/loaded/aborted)
	PackageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_package_transitions_total",
			Help: "Total number of load package state transitions",
		},
		[]string{"pipeline", "state"},
	)

	// BytesLoaded counts bytes handed to destinations.
	// Labels: destination, table
	BytesLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_load_bytes_total",
			Help: "Total bytes loaded into destinations",
		},
		[]string{"destination", "table"},
	)

	// StateCommits counts pipeline state commits.
	// Labels: pipeline, status (committed/conflict/rolled_back)
	StateCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_state_commits_total",
			Help: "Total number of pipeline state commit attempts",
		},
		[]string{"pipeline", "status"},
	)

	// Throughput tracks rows per second per pipeline/destination pair.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_throughput_rows_per_second",
			Help: "Current throughput in rows per second",
		},
		[]string{"pipeline", "destination"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. The timer can be
// stopped multiple times, each returning the total elapsed time.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks rows per second over reset windows.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu          sync.Mutex
	count       int64
	lastReset   time.Time
	pipeline    string
	destination string
}

// NewThroughputTracker creates a tracker labeled with the pipeline and
// destination names.
func NewThroughputTracker(pipeline, destination string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset:   time.Now(),
		pipeline:    pipeline,
		destination: destination,
	}
}

// Increment adds n to the row count. Safe for concurrent use.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset calculates the current throughput, publishes it, resets the
// window, and returns the value.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()

	Throughput.WithLabelValues(t.pipeline, t.destination).Set(throughput)

	return throughput
}

// Serve exposes /metrics on addr until ctx is cancelled. It returns the
// server's listen error, or nil after a clean shutdown.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
