// Package models provides the record and row types that flow through a
// pipeline run: raw records as extracted from a source, and flat rows as
// written by the normalizer.
package models

import (
	"time"

	"github.com/ajitpratap0/strata/pkg/pool"
)

// System columns added by the normalizer. Every normalized row carries a
// row id; child table rows additionally carry parent linkage and their
// position in the source list.
const (
	// RowIDColumn uniquely identifies a normalized row.
	RowIDColumn = "_row_id"

	// ParentIDColumn references the _row_id of the immediate parent row.
	ParentIDColumn = "_parent_id"

	// RootIDColumn references the _row_id of the top-level row. Only
	// present when the root table uses merge semantics.
	RootIDColumn = "_root_id"

	// ListIdxColumn is the zero-based position of a child row within its
	// source list.
	ListIdxColumn = "_list_idx"
)

// Destination system tables, written after each committed load by
// destinations that support them.
const (
	// LoadsTable records completed loads (load id, schema, status).
	LoadsTable = "_strata_loads"

	// VersionTable records stored schema versions keyed by content hash.
	VersionTable = "_strata_version"
)

// Row is a flat normalized row keyed by column name.
type Row = map[string]interface{}

// RecordMetadata carries extraction provenance for a record.
type RecordMetadata struct {
	// Source is the source connector type that produced the record.
	Source string `json:"source,omitempty"`

	// ExtractedAt is when the record was read from the source.
	ExtractedAt time.Time `json:"extracted_at"`

	// Offset is the record's position within its resource stream.
	Offset int64 `json:"offset"`
}

// Record is a raw record extracted from a source resource, before
// normalization.
type Record struct {
	// Resource names the source resource the record came from. It maps
	// to the root table after normalization.
	Resource string

	// Data is the parsed payload. Values are scalars, maps, or slices.
	Data map[string]interface{}

	// Metadata carries extraction provenance.
	Metadata RecordMetadata

	pooled bool
}

var recordPool = pool.New(
	func() *Record { return &Record{} },
	func(r *Record) {
		r.Resource = ""
		r.Data = nil
		r.Metadata = RecordMetadata{}
		r.pooled = false
	},
)

// NewRecord creates a record with caller-owned data.
func NewRecord(resource string, data map[string]interface{}) *Record {
	return &Record{Resource: resource, Data: data}
}

// NewRecordFromPool returns a pooled record with a pooled data map.
// Call Release when the record is no longer needed.
func NewRecordFromPool(resource string) *Record {
	r := recordPool.Get()
	r.Resource = resource
	r.Data = pool.GetMap()
	r.pooled = true
	return r
}

// Release returns a pooled record and its data map to their pools.
// No-op for records created with NewRecord.
func (r *Record) Release() {
	if r == nil || !r.pooled {
		return
	}
	pool.PutMap(r.Data)
	r.Data = nil
	recordPool.Put(r)
}

// RecordBatch groups records for bulk processing.
type RecordBatch struct {
	Records []*Record
}

// NewRecordBatch creates a batch with the given capacity.
func NewRecordBatch(capacity int) *RecordBatch {
	return &RecordBatch{Records: make([]*Record, 0, capacity)}
}

// Add appends a record to the batch.
func (rb *RecordBatch) Add(r *Record) {
	rb.Records = append(rb.Records, r)
}

// Size returns the number of records in the batch.
func (rb *RecordBatch) Size() int {
	return len(rb.Records)
}

// Reset clears the batch for reuse without releasing its records.
func (rb *RecordBatch) Reset() {
	rb.Records = rb.Records[:0]
}

// Release releases every pooled record in the batch and resets it.
func (rb *RecordBatch) Release() {
	for _, r := range rb.Records {
		r.Release()
	}
	rb.Reset()
}
