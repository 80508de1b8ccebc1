package load

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
)

// JobState is one state of the job machine:
// new → running → completed, running → retry → running, and
// running/retry → failed for terminal or exhausted errors.
type JobState string

const (
	JobNew       JobState = "new"
	JobRunning   JobState = "running"
	JobRetry     JobState = "retry"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

var jobTransitions = map[JobState][]JobState{
	JobNew:     {JobRunning},
	JobRunning: {JobCompleted, JobRetry, JobFailed},
	JobRetry:   {JobRunning, JobFailed},
}

func validJobTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// JobKind distinguishes file load jobs from coordinator jobs.
type JobKind string

const (
	// JobKindFile loads one data file into one table.
	JobKindFile JobKind = "file"
	// JobKindTruncate clears a replace table before its file jobs run.
	JobKindTruncate JobKind = "truncate"
	// JobKindMerge merges or swaps staged data after a table's file jobs
	// complete.
	JobKindMerge JobKind = "merge"
)

// Job is one unit of load work, durably persisted in a sidecar record
// (<table>.<job_id>.status.json) before every state transition takes
// effect. A crash resumes from the sidecars without re-running completed
// jobs.
type Job struct {
	JobID string   `json:"job_id"`
	Table string   `json:"table"`
	Kind  JobKind  `json:"kind"`
	File  string   `json:"file,omitempty"`
	Rows  int64    `json:"rows"`
	Bytes int64    `json:"bytes"`
	State JobState `json:"state"`
	// Attempts counts delivery attempts started, first try included.
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ID is the job's package-unique identity, <table>.<job_id>.
func (j *Job) ID() string { return j.Table + "." + j.JobID }

// Coordinator reports whether the job is a merge or truncate coordinator.
func (j *Job) Coordinator() bool { return j.Kind != JobKindFile }

// Done reports whether the job is in a terminal state.
func (j *Job) Done() bool { return j.State == JobCompleted || j.State == JobFailed }

const statusSuffix = ".status.json"

func (p *Package) jobPath(table, jobID string) string {
	return filepath.Join(p.dir, dataDir, table+"."+jobID+statusSuffix)
}

// DataPath returns the absolute path of a file job's data file.
func (p *Package) DataPath(j *Job) string {
	return filepath.Join(p.dir, dataDir, j.File)
}

// SaveJob durably persists a job record.
func (p *Package) SaveJob(j *Job) error {
	return writeJSONAtomic(p.jobPath(j.Table, j.JobID), j)
}

// Jobs reads all job records of the package.
func (p *Package) Jobs() ([]*Job, error) {
	entries, err := os.ReadDir(filepath.Join(p.dir, dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to list jobs of package %s", p.LoadID)
	}

	var jobs []*Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), statusSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.dir, dataDir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read job record %s", e.Name())
		}
		j := &Job{}
		if err := jsonpool.Unmarshal(data, j); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "job record %s is corrupt", e.Name())
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID() < jobs[k].ID() })
	return jobs, nil
}

// EnsureCoordinator returns the table's coordinator job, creating it in
// state new when it does not exist yet. Idempotent across crash recovery.
func (p *Package) EnsureCoordinator(table string, kind JobKind) (*Job, error) {
	jobID := string(kind)
	data, err := os.ReadFile(p.jobPath(table, jobID))
	if err == nil {
		j := &Job{}
		if uerr := jsonpool.Unmarshal(data, j); uerr != nil {
			return nil, errors.Wrapf(uerr, errors.ErrorTypeData, "coordinator record of table %s is corrupt", table)
		}
		return j, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read coordinator record of table %s", table)
	}

	j := &Job{JobID: jobID, Table: table, Kind: kind, State: JobNew}
	if err := p.SaveJob(j); err != nil {
		return nil, err
	}
	return j, nil
}

// transitionJob persists the new state before it becomes visible on j.
func (p *Package) transitionJob(j *Job, to JobState, mutate func(*Job)) error {
	if !validJobTransition(j.State, to) {
		return errors.Newf(errors.ErrorTypeInternal,
			"job %s cannot transition %s -> %s", j.ID(), j.State, to)
	}
	next := *j
	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	if err := p.SaveJob(&next); err != nil {
		return err
	}
	*j = next
	return nil
}

// JobRunning marks the start of a delivery attempt.
func (p *Package) JobRunning(j *Job) error {
	return p.transitionJob(j, JobRunning, func(n *Job) {
		n.Attempts++
		if n.StartedAt == nil {
			now := time.Now().UTC()
			n.StartedAt = &now
		}
	})
}

// JobCompleted finishes the job. Coordinators record the rows the
// destination reports.
func (p *Package) JobCompleted(j *Job, rows, bytes int64) error {
	return p.transitionJob(j, JobCompleted, func(n *Job) {
		if n.Kind != JobKindFile && rows > 0 {
			n.Rows = rows
			n.Bytes = bytes
		}
		now := time.Now().UTC()
		n.FinishedAt = &now
		n.LastError = ""
	})
}

// JobRetry parks the job for another attempt after a transient failure.
func (p *Package) JobRetry(j *Job, cause error) error {
	return p.transitionJob(j, JobRetry, func(n *Job) {
		n.LastError = cause.Error()
	})
}

// JobFailed terminally fails the job.
func (p *Package) JobFailed(j *Job, cause error) error {
	return p.transitionJob(j, JobFailed, func(n *Job) {
		n.LastError = cause.Error()
		now := time.Now().UTC()
		n.FinishedAt = &now
	})
}

// scanJobSeq finds the highest numeric job id already present so new data
// files never collide with existing ones.
func (p *Package) scanJobSeq() int {
	entries, err := os.ReadDir(filepath.Join(p.dir, dataDir))
	if err != nil {
		return 0
	}
	max := 0
	for _, e := range entries {
		name := strings.TrimPrefix(e.Name(), ".tmp-")
		parts := strings.Split(name, ".")
		if len(parts) < 2 {
			continue
		}
		if n, err := strconv.Atoi(parts[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}
