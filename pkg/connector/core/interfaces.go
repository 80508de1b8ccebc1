// Package core defines the contracts between the pipeline and its
// connectors: sources produce record batches, destinations load package
// data files. Connectors register themselves by name in the registry
// package and are constructed from configuration alone.
package core

import (
	"context"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// RecordBatchIterator yields record batches for one resource. Next returns
// a nil batch once the resource is drained. Iterators are single-use and
// not safe for concurrent calls.
type RecordBatchIterator interface {
	Next(ctx context.Context) (*models.RecordBatch, error)
	Close() error
}

// SourceConnector is implemented by source connectors. Open is called once
// before any Read; Read may be called once per resource. The cursor is the
// value committed by the previous run for incremental resources, or nil.
type SourceConnector interface {
	Open(ctx context.Context, cfg *config.SourceConfig) error
	Resources() []string
	Read(ctx context.Context, resource string, cursor interface{}) (RecordBatchIterator, error)
	Close(ctx context.Context) error
}

// ResourceHinter is optionally implemented by sources that know their
// resources' natural load hints. Hints from configuration override these.
type ResourceHinter interface {
	Hints(resource string) config.ResourceHints
}

// DestinationClient is implemented by destination connectors.
//
// LoadFile must be idempotent per (load id, job id): retrying or re-running
// a job after a crash must not duplicate rows. PrepareSchema is idempotent
// DDL and may be called multiple times with the same schema.
type DestinationClient interface {
	Open(ctx context.Context, cfg *config.DestinationConfig) error
	PrepareSchema(ctx context.Context, sch *schema.Schema, tables []string) error
	LoadFile(ctx context.Context, job *LoadJob) *JobResult
	MergeTable(ctx context.Context, task *MergeTask) *JobResult
	CompleteLoad(ctx context.Context, commit *LoadCommit) error
	Capabilities() DestinationCapabilities
	Close(ctx context.Context) error
}

// DestinationCapabilities describes what a destination client supports.
// The scheduler consults these before planning merge and staged-replace
// coordinators.
type DestinationCapabilities struct {
	// SupportsMerge enables merge disposition via stage-then-merge.
	SupportsMerge bool
	// SupportsStagedReplace enables the insert-from-staging replace
	// strategy.
	SupportsStagedReplace bool
	// SupportsSystemTables enables _strata_loads/_strata_version records.
	SupportsSystemTables bool
	// MaxIdentifierLength caps identifier length for this destination;
	// 0 means unlimited.
	MaxIdentifierLength int
}
