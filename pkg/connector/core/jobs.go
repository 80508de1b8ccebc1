package core

import (
	"time"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// Outcome classifies a job attempt.
type Outcome string

const (
	// OutcomeCompleted means the job's data is durably in the destination.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTransient means the attempt failed but is worth retrying.
	OutcomeTransient Outcome = "transient_error"
	// OutcomeTerminal means retrying cannot succeed.
	OutcomeTerminal Outcome = "terminal_error"
)

// LoadJob is one data file to load into one table.
type LoadJob struct {
	// LoadID identifies the package the job belongs to.
	LoadID string
	// Table is the destination table name.
	Table string
	// JobID is unique within the package; (LoadID, Table, JobID) names the
	// destination-side load operation for idempotence.
	JobID string
	// Path is the absolute path of the data file (JSONL, possibly
	// compressed).
	Path string
	// Codec is the file's compression algorithm.
	Codec compression.Algorithm
	// Rows and Bytes are the file's row count and uncompressed size as
	// recorded by the normalizer.
	Rows  int64
	Bytes int64
	// Schema is the package's frozen schema version.
	Schema *schema.Schema
	// Staging routes the file into the staging table instead of the final
	// one (merge disposition and staged replace).
	Staging bool
}

// ID returns the job's package-unique identifier.
func (j *LoadJob) ID() string {
	return j.Table + "." + j.JobID
}

// TableDef returns the job's table definition from the package schema.
func (j *LoadJob) TableDef() *schema.Table {
	if j.Schema == nil {
		return nil
	}
	return j.Schema.Table(j.Table)
}

// MergeTask is the coordinator work item for one root table: merge staged
// rows by merge key, or finish a replace. It runs only after every append
// stage job for the table completed.
type MergeTask struct {
	LoadID string
	Schema *schema.Schema
	// Table is the root table being merged or replaced.
	Table *schema.Table
	// Children are the table's child tables, replaced alongside the root
	// (merge deletes child rows through the root id linkage).
	Children []*schema.Table
	// Strategy selects the replace strategy for replace disposition.
	Strategy string
}

// Tables returns the root and child table names the task touches.
func (t *MergeTask) Tables() []string {
	names := make([]string, 0, 1+len(t.Children))
	names = append(names, t.Table.Name)
	for _, c := range t.Children {
		names = append(names, c.Name)
	}
	return names
}

// LoadCommit records a fully loaded package for the destination's system
// tables.
type LoadCommit struct {
	LoadID     string
	SchemaName string
	Schema     *schema.Schema
	// Status is the package's final state, "loaded".
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// JobResult is the outcome of one job attempt.
type JobResult struct {
	Outcome  Outcome
	Err      error
	Rows     int64
	Bytes    int64
	Duration time.Duration
}

// Completed builds a successful result.
func Completed(rows, bytes int64) *JobResult {
	return &JobResult{Outcome: OutcomeCompleted, Rows: rows, Bytes: bytes}
}

// Failed builds a failure result, classifying the error as transient or
// terminal by the error taxonomy.
func Failed(err error) *JobResult {
	outcome := OutcomeTerminal
	if errors.IsRetryable(err) {
		outcome = OutcomeTransient
	}
	return &JobResult{Outcome: outcome, Err: err}
}

// Transient builds a retryable failure result regardless of error type.
func Transient(err error) *JobResult {
	return &JobResult{Outcome: OutcomeTransient, Err: err}
}

// Ok reports whether the attempt completed.
func (r *JobResult) Ok() bool {
	return r != nil && r.Outcome == OutcomeCompleted
}
