package load

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/clients"
	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/performance"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// Scheduler drives a package's jobs against one destination client on a
// bounded worker pool, honoring the merge barrier: all append-stage jobs
// for a table complete before its coordinator runs, and truncate
// coordinators run before their table's file jobs. Every state change is
// persisted before the next one starts, so a crashed load resumes without
// re-running completed jobs.
type Scheduler struct {
	run    *core.RunContext
	client core.DestinationClient
	caps   core.DestinationCapabilities
	cfg    *config.LoadConfig
	dest   string

	retry   *RetryPolicy
	limiter clients.RateLimiter
	breaker *clients.CircuitBreaker
	guard   *performance.MemoryGuard
	log     *zap.Logger
}

// NewScheduler builds a scheduler for one destination.
func NewScheduler(run *core.RunContext, client core.DestinationClient, destination string, cfg *config.LoadConfig) *Scheduler {
	log := run.Logger().With(
		zap.String("component", "scheduler"),
		zap.String("destination", destination),
	)
	s := &Scheduler{
		run:    run,
		client: client,
		caps:   client.Capabilities(),
		cfg:    cfg,
		dest:   destination,
		retry:  RetryPolicyFromConfig(cfg),
		log:    log,
	}
	if cfg.IsRateLimited() {
		s.limiter = clients.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitPerSec)
	}
	if cfg.CircuitBreaker {
		s.breaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		}, log)
	}
	if cfg.MemoryLimitMB > 0 {
		if mon, err := performance.NewResourceMonitor(); err == nil {
			s.guard = performance.NewMemoryGuard(mon, cfg.MemoryLimitMB)
		} else {
			log.Warn("memory monitor unavailable, watermark disabled", zap.Error(err))
		}
	}
	return s
}

// Result summarizes one package load.
type Result struct {
	// Jobs are the package's job records in their final states.
	Jobs []*Job `json:"jobs,omitempty"`
	// RowsLoaded and BytesLoaded aggregate completed file jobs per table.
	RowsLoaded  map[string]int64 `json:"rows_loaded,omitempty"`
	BytesLoaded int64            `json:"bytes_loaded,omitempty"`
	// Completed counts jobs now completed, Skipped the subset that were
	// already completed before this run (crash resume), Failed the
	// terminally failed, Pending the jobs left unrun (cancellation or a
	// failed dependency).
	Completed int `json:"completed"`
	Skipped   int `json:"skipped,omitempty"`
	Failed    int `json:"failed,omitempty"`
	Pending   int `json:"pending,omitempty"`
	// FirstError is the first job failure, nil when all completed.
	FirstError error `json:"-"`
}

// Ok reports whether every job completed.
func (r *Result) Ok() bool { return r.Failed == 0 && r.Pending == 0 }

// task is one schedulable job with its dependency edges.
type task struct {
	job        *Job
	load       *core.LoadJob
	merge      *core.MergeTask
	deps       int
	dependents []*task
}

type taskDone struct {
	t   *task
	ok  bool
	err error
}

// Load runs all pending jobs of a normalized package. Job failures are
// reported in the Result; the returned error is reserved for scheduling
// failures such as cancellation or sidecar IO.
func (s *Scheduler) Load(ctx context.Context, pkg *Package, sch *schema.Schema) (*Result, error) {
	tasks, res, err := s.plan(pkg, sch)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		s.finalize(res)
		return res, nil
	}

	if err := s.prepare(ctx, sch, planTables(tasks)); err != nil {
		return nil, err
	}

	workers := performance.AutoWorkers(s.cfg.Workers, len(tasks))
	ready := make(chan *task, len(tasks))
	results := make(chan taskDone, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range ready {
				ok, rerr := s.runTask(ctx, pkg, t)
				results <- taskDone{t: t, ok: ok, err: rerr}
			}
		}()
	}

	inFlight := 0
	for _, t := range tasks {
		if t.deps == 0 {
			ready <- t
			inFlight++
		}
	}

	remaining := len(tasks)
	done := ctx.Done()
	cancelled := false
	var firstErr error
	for remaining > 0 && inFlight > 0 {
		select {
		case <-done:
			cancelled = true
			done = nil
		case d := <-results:
			inFlight--
			remaining--
			if d.err != nil && firstErr == nil {
				firstErr = d.err
			}
			if d.ok && !cancelled {
				for _, dep := range d.t.dependents {
					dep.deps--
					if dep.deps == 0 {
						ready <- dep
						inFlight++
					}
				}
			}
		}
	}
	close(ready)
	wg.Wait()

	s.finalize(res)
	if res.FirstError == nil {
		res.FirstError = firstErr
	}
	if cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

// plan reads the package's jobs and builds the task graph: staging flags
// per disposition, coordinator jobs, and barrier edges.
func (s *Scheduler) plan(pkg *Package, sch *schema.Schema) ([]*task, *Result, error) {
	jobs, err := pkg.Jobs()
	if err != nil {
		return nil, nil, err
	}

	res := &Result{Jobs: jobs, RowsLoaded: make(map[string]int64)}

	coordinators := make(map[string]*Job)
	families := make(map[string][]*Job)
	var roots []string
	for _, j := range jobs {
		if j.Coordinator() {
			coordinators[j.Table] = j
			continue
		}
		root := sch.RootOf(j.Table)
		if _, ok := families[root]; !ok {
			roots = append(roots, root)
		}
		families[root] = append(families[root], j)
	}
	sort.Strings(roots)

	var tasks []*task
	for _, root := range roots {
		family := families[root]
		def := sch.Table(root)

		staged := false
		var pre, post *Job
		if def != nil {
			switch def.Disposition {
			case schema.DispositionMerge:
				if s.caps.SupportsMerge {
					staged = true
					if post, err = s.coordinator(pkg, coordinators, root, JobKindMerge); err != nil {
						return nil, nil, err
					}
				} else {
					s.log.Warn("destination cannot merge, appending instead", zap.String("table", root))
				}
			case schema.DispositionReplace:
				if s.cfg.ReplaceStrategy == config.ReplaceInsertFromStaging && s.caps.SupportsStagedReplace {
					staged = true
					if post, err = s.coordinator(pkg, coordinators, root, JobKindMerge); err != nil {
						return nil, nil, err
					}
				} else {
					if pre, err = s.coordinator(pkg, coordinators, root, JobKindTruncate); err != nil {
						return nil, nil, err
					}
				}
			}
		}

		var preTask, postTask *task
		if pre != nil {
			if preTask, err = s.coordinatorTask(pkg, res, pre, def, sch); err != nil {
				return nil, nil, err
			}
			if preTask != nil {
				tasks = append(tasks, preTask)
			}
		}
		if post != nil {
			if postTask, err = s.coordinatorTask(pkg, res, post, def, sch); err != nil {
				return nil, nil, err
			}
			if postTask != nil {
				tasks = append(tasks, postTask)
			}
		}

		for _, j := range family {
			t, terr := s.fileTask(pkg, res, j, sch, staged)
			if terr != nil {
				return nil, nil, terr
			}
			if t == nil {
				continue
			}
			if preTask != nil {
				t.deps++
				preTask.dependents = append(preTask.dependents, t)
			}
			if postTask != nil {
				postTask.deps++
				t.dependents = append(t.dependents, postTask)
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, res, nil
}

// coordinator fetches or creates the family's coordinator job.
func (s *Scheduler) coordinator(pkg *Package, existing map[string]*Job, table string, kind JobKind) (*Job, error) {
	if j, ok := existing[table]; ok && j.Kind == kind {
		return j, nil
	}
	return pkg.EnsureCoordinator(table, kind)
}

// fileTask turns one pending file job into a task, resuming interrupted
// jobs. Completed jobs are skipped and failed jobs stay failed.
func (s *Scheduler) fileTask(pkg *Package, res *Result, j *Job, sch *schema.Schema, staged bool) (*task, error) {
	ready, err := s.arm(pkg, res, j)
	if err != nil || !ready {
		return nil, err
	}
	return &task{
		job: j,
		load: &core.LoadJob{
			LoadID:  pkg.LoadID,
			Table:   j.Table,
			JobID:   j.JobID,
			Path:    pkg.DataPath(j),
			Codec:   compression.AlgorithmForPath(j.File),
			Rows:    j.Rows,
			Bytes:   j.Bytes,
			Schema:  sch,
			Staging: staged,
		},
	}, nil
}

func (s *Scheduler) coordinatorTask(pkg *Package, res *Result, j *Job, def *schema.Table, sch *schema.Schema) (*task, error) {
	ready, err := s.arm(pkg, res, j)
	if err != nil || !ready {
		return nil, err
	}
	strategy := ""
	switch {
	case j.Kind == JobKindTruncate:
		strategy = config.ReplaceTruncateInsert
	case def.Disposition == schema.DispositionReplace:
		strategy = config.ReplaceInsertFromStaging
	}
	return &task{
		job: j,
		merge: &core.MergeTask{
			LoadID:   pkg.LoadID,
			Schema:   sch,
			Table:    def,
			Children: descendants(sch, def.Name),
			Strategy: strategy,
		},
	}, nil
}

// arm decides whether a job needs to run, normalizing interrupted states.
func (s *Scheduler) arm(pkg *Package, res *Result, j *Job) (bool, error) {
	switch j.State {
	case JobCompleted:
		res.Skipped++
		return false, nil
	case JobFailed:
		if res.FirstError == nil {
			res.FirstError = errors.Newf(errors.ErrorTypeData, "job %s already failed: %s", j.ID(), j.LastError)
		}
		return false, nil
	case JobRunning:
		// Interrupted by a crash mid-attempt.
		if err := pkg.JobRetry(j, errors.New(errors.ErrorTypeInternal, "attempt interrupted by restart")); err != nil {
			return false, err
		}
		return true, nil
	default:
		return true, nil
	}
}

func planTables(tasks []*task) []string {
	seen := make(map[string]bool)
	var tables []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	for _, t := range tasks {
		if t.merge != nil {
			for _, name := range t.merge.Tables() {
				add(name)
			}
			continue
		}
		add(t.load.Table)
	}
	sort.Strings(tables)
	return tables
}

// descendants lists all child tables below root, depth-first.
func descendants(sch *schema.Schema, root string) []*schema.Table {
	var out []*schema.Table
	var walk func(string)
	walk = func(name string) {
		for _, c := range sch.ChildTables(name) {
			out = append(out, c)
			walk(c.Name)
		}
	}
	walk(root)
	return out
}

// prepare creates destination tables before any job runs, retrying
// transient failures.
func (s *Scheduler) prepare(ctx context.Context, sch *schema.Schema, tables []string) error {
	for attempt := 1; ; attempt++ {
		err := s.client.PrepareSchema(ctx, sch, tables)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) || s.retry.Exhausted(attempt) {
			return err
		}
		s.log.Warn("schema preparation failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		if serr := s.retry.Sleep(ctx, attempt); serr != nil {
			return serr
		}
	}
}

// runTask drives one job through its attempts until completed, failed, or
// cancelled. Returns ok=false with the cause on failure; the job's
// durable state always reflects the outcome.
func (s *Scheduler) runTask(ctx context.Context, pkg *Package, t *task) (bool, error) {
	j := t.job
	log := s.log.With(zap.String("job", j.ID()))
	metrics.ActiveJobs.WithLabelValues(s.dest).Inc()
	defer metrics.ActiveJobs.WithLabelValues(s.dest).Dec()

	for {
		s.waitMemory(ctx)
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := pkg.JobRunning(j); err != nil {
			return false, err
		}
		metrics.JobTransitions.WithLabelValues(s.dest, string(JobRunning)).Inc()

		started := time.Now()
		res := s.invoke(ctx, t)
		elapsed := time.Since(started)

		switch res.Outcome {
		case core.OutcomeCompleted:
			if err := pkg.JobCompleted(j, res.Rows, res.Bytes); err != nil {
				return false, err
			}
			metrics.JobTransitions.WithLabelValues(s.dest, string(JobCompleted)).Inc()
			metrics.JobDuration.WithLabelValues(s.dest, s.dispositionLabel(t)).Observe(elapsed.Seconds())
			if t.load != nil {
				metrics.BytesLoaded.WithLabelValues(s.dest, j.Table).Add(float64(j.Bytes))
			}
			log.Info("job completed",
				zap.Int64("rows", j.Rows),
				zap.Int("attempts", j.Attempts),
				zap.Duration("elapsed", elapsed))
			return true, nil

		case core.OutcomeTransient:
			if err := pkg.JobRetry(j, res.Err); err != nil {
				return false, err
			}
			metrics.JobTransitions.WithLabelValues(s.dest, string(JobRetry)).Inc()
			if s.retry.Exhausted(j.Attempts) {
				if err := pkg.JobFailed(j, res.Err); err != nil {
					return false, err
				}
				metrics.JobTransitions.WithLabelValues(s.dest, string(JobFailed)).Inc()
				log.Error("job failed, retries exhausted",
					zap.Int("attempts", j.Attempts), zap.Error(res.Err))
				return false, res.Err
			}
			log.Warn("job attempt failed, will retry",
				zap.Int("attempt", j.Attempts), zap.Error(res.Err))
			if err := s.retry.Sleep(ctx, j.Attempts); err != nil {
				// Left in state retry; the next run resumes it.
				return false, err
			}

		default:
			if err := pkg.JobFailed(j, res.Err); err != nil {
				return false, err
			}
			metrics.JobTransitions.WithLabelValues(s.dest, string(JobFailed)).Inc()
			log.Error("job failed", zap.Error(res.Err))
			return false, res.Err
		}
	}
}

// invoke performs one destination call behind the rate limiter and
// circuit breaker.
func (s *Scheduler) invoke(ctx context.Context, t *task) *core.JobResult {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return core.Transient(err)
		}
	}

	var res *core.JobResult
	call := func() error {
		if t.merge != nil {
			res = s.client.MergeTable(ctx, t.merge)
		} else {
			res = s.client.LoadFile(ctx, t.load)
		}
		if res == nil {
			res = core.Failed(errors.New(errors.ErrorTypeInternal, "destination returned no job result"))
		}
		if res.Ok() {
			return nil
		}
		return res.Err
	}

	if s.breaker == nil {
		call()
		return res
	}
	if err := s.breaker.Execute(call); err != nil && res == nil {
		// Circuit open, the call never ran.
		return core.Transient(err)
	}
	return res
}

func (s *Scheduler) waitMemory(ctx context.Context) {
	if s.guard == nil {
		return
	}
	logged := false
	for s.guard.Exceeded() {
		if !logged {
			s.log.Warn("memory watermark exceeded, deferring job")
			logged = true
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// finalize folds final job states into the result totals.
func (s *Scheduler) finalize(res *Result) {
	for _, j := range res.Jobs {
		switch j.State {
		case JobCompleted:
			res.Completed++
			if j.Kind == JobKindFile {
				res.RowsLoaded[j.Table] += j.Rows
				res.BytesLoaded += j.Bytes
			}
		case JobFailed:
			res.Failed++
			if res.FirstError == nil {
				res.FirstError = errors.Newf(errors.ErrorTypeData, "job %s failed: %s", j.ID(), j.LastError)
			}
		default:
			res.Pending++
		}
	}
}

func (s *Scheduler) dispositionLabel(t *task) string {
	if t.merge != nil {
		if t.merge.Strategy != "" {
			return t.merge.Strategy
		}
		return string(schema.DispositionMerge)
	}
	if def := t.load.TableDef(); def != nil {
		return string(def.Disposition)
	}
	return string(schema.DispositionAppend)
}
