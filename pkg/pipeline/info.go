package pipeline

import (
	"time"

	"github.com/ajitpratap0/strata/pkg/extract"
	"github.com/ajitpratap0/strata/pkg/load"
	"github.com/ajitpratap0/strata/pkg/normalize"
)

// LoadInfo reports the outcome of one pipeline run: every package the run
// touched (recovered ones first, then the freshly extracted one), the load
// ids it committed, and the first failure if the run aborted. It marshals
// to JSON for machine consumers.
type LoadInfo struct {
	Pipeline    string         `json:"pipeline"`
	RunID       string         `json:"run_id"`
	Destination string         `json:"destination"`
	Dataset     string         `json:"dataset,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Packages    []*PackageInfo `json:"packages"`
	Pruned      []string       `json:"pruned,omitempty"`
	Error       string         `json:"error,omitempty"`

	failure error
}

// PackageInfo describes one load package's passage through the run.
// Recovered marks packages picked up from a previous interrupted run.
type PackageInfo struct {
	LoadID        string             `json:"load_id"`
	Recovered     bool               `json:"recovered,omitempty"`
	State         string             `json:"state"`
	SchemaName    string             `json:"schema_name,omitempty"`
	SchemaVersion int                `json:"schema_version,omitempty"`
	SchemaHash    string             `json:"schema_hash,omitempty"`
	Extract       *extract.Summary   `json:"extract,omitempty"`
	Normalize     *normalize.Summary `json:"normalize,omitempty"`
	Load          *load.Result       `json:"load,omitempty"`
	Committed     bool               `json:"committed"`
	Timings       StageTimings       `json:"timings"`
}

// StageTimings holds wall-clock durations per stage. Durations marshal as
// nanosecond integers.
type StageTimings struct {
	Extract   time.Duration `json:"extract,omitempty"`
	Normalize time.Duration `json:"normalize,omitempty"`
	Load      time.Duration `json:"load,omitempty"`
	Total     time.Duration `json:"total,omitempty"`
}

// HasFailed reports whether the run aborted a package or hit a run-level
// error. A run that committed everything it touched returns false.
func (li *LoadInfo) HasFailed() bool {
	return li.failure != nil
}

// FirstError returns the failure that stopped the run, or nil.
func (li *LoadInfo) FirstError() error {
	return li.failure
}

// Loaded returns the load ids this run committed, in commit order.
func (li *LoadInfo) Loaded() []string {
	var ids []string
	for _, p := range li.Packages {
		if p.Committed {
			ids = append(ids, p.LoadID)
		}
	}
	return ids
}

// TotalRows sums the rows loaded across all packages and tables.
func (li *LoadInfo) TotalRows() int64 {
	var total int64
	for _, p := range li.Packages {
		if p.Load == nil {
			continue
		}
		for _, rows := range p.Load.RowsLoaded {
			total += rows
		}
	}
	return total
}

func (li *LoadInfo) fail(err error) {
	if li.failure == nil && err != nil {
		li.failure = err
		li.Error = err.Error()
	}
}

func (li *LoadInfo) finish() *LoadInfo {
	li.FinishedAt = time.Now().UTC()
	return li
}
