// Package pipeline drives one configured pipeline end to end: recover
// packages a previous run left behind, extract a fresh package from the
// source, normalize it against the stored schema head, load it through the
// job scheduler, and commit cursors, schema head, and load id in one state
// write. Every stage persists its progress under the working directory
// before it becomes visible, so a crash at any point is resumed by the
// next run instead of repeated.
package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/registry"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/extract"
	"github.com/ajitpratap0/strata/pkg/load"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/normalize"
	"github.com/ajitpratap0/strata/pkg/schema"
	"github.com/ajitpratap0/strata/pkg/state"
)

// Pipeline executes runs for one pipeline configuration. It is safe to
// reuse across runs but a single working directory admits one run at a
// time; the state lock rejects the rest.
type Pipeline struct {
	cfg        *config.PipelineConfig
	workingDir string
	client     core.DestinationClient
	source     core.SourceConnector
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithDestination injects a destination client instead of resolving one
// from the registry by config type. The pipeline still opens and closes it
// per run.
func WithDestination(client core.DestinationClient) Option {
	return func(p *Pipeline) { p.client = client }
}

// WithSource injects a default source used when Run is called with nil.
func WithSource(source core.SourceConnector) Option {
	return func(p *Pipeline) { p.source = source }
}

// New builds a pipeline from configuration. Defaults are applied and the
// configuration validated, so a hand-built config works the same as one
// from LoadPipeline.
func New(cfg *config.PipelineConfig, opts ...Option) (*Pipeline, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid pipeline configuration")
	}
	workingDir, err := cfg.ResolveWorkingDir()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid pipeline configuration")
	}
	p := &Pipeline{cfg: cfg, workingDir: workingDir}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// WorkingDir returns the resolved working directory for this pipeline.
func (p *Pipeline) WorkingDir() string { return p.workingDir }

// runState bundles the handles one Run call threads through its stages.
type runState struct {
	run      *core.RunContext
	store    *state.Store
	client   core.DestinationClient
	schemas  *schema.Store
	mgr      *load.Manager
	info     *LoadInfo
	maxIdent int
}

// Run executes one pipeline run. Interrupted packages from previous runs
// are finished first, oldest first, then a fresh package is extracted from
// source. A nil source resolves the configured source type from the
// registry. The returned LoadInfo describes every package the run touched;
// the error reports what stopped the run, if anything did.
func (p *Pipeline) Run(ctx context.Context, source core.SourceConnector) (*LoadInfo, error) {
	run := core.NewRunContext(p.cfg.Name, "")
	info := &LoadInfo{
		Pipeline:    p.cfg.Name,
		RunID:       run.RunID,
		Destination: p.cfg.Destination.Type,
		Dataset:     p.cfg.Destination.Dataset,
		StartedAt:   time.Now().UTC(),
	}
	log := run.Logger()

	store, err := state.Open(p.workingDir, p.cfg.Name)
	if err != nil {
		info.fail(err)
		return info.finish(), err
	}
	defer store.Close()

	client := p.client
	if client == nil {
		if client, err = registry.CreateDestination(p.cfg.Destination.Type); err != nil {
			info.fail(err)
			return info.finish(), err
		}
	}
	if err := client.Open(ctx, &p.cfg.Destination); err != nil {
		info.fail(err)
		return info.finish(), err
	}
	defer func() {
		if cerr := client.Close(ctx); cerr != nil {
			log.Warn("destination close failed", zap.Error(cerr))
		}
	}()

	maxIdent := p.cfg.Normalize.MaxIdentifierLength
	if maxIdent == 0 {
		maxIdent = client.Capabilities().MaxIdentifierLength
	}
	rs := &runState{
		run:      run,
		store:    store,
		client:   client,
		schemas:  schema.NewStore(filepath.Join(p.workingDir, "schemas")),
		mgr:      load.NewManager(p.workingDir, p.cfg.Name),
		info:     info,
		maxIdent: maxIdent,
	}

	log.Info("pipeline run started",
		zap.String("destination", p.cfg.Destination.Type),
		zap.String("working_dir", p.workingDir),
		zap.String("last_load_id", store.LastLoadID()))

	if err := p.recoverPackages(ctx, rs); err != nil {
		info.fail(err)
		return info.finish(), err
	}

	pkg, pi, err := p.extractFresh(ctx, rs, source)
	if err != nil {
		info.fail(err)
		return info.finish(), err
	}
	if err := p.processPackage(ctx, rs, pkg, pi); err != nil {
		info.fail(err)
		return info.finish(), err
	}

	if pruned, err := rs.mgr.Prune(p.cfg.Load.PackageRetention); err != nil {
		log.Warn("package prune failed", zap.Error(err))
	} else {
		info.Pruned = pruned
	}

	log.Info("pipeline run finished",
		zap.Strings("loaded", info.Loaded()),
		zap.Int64("rows", info.TotalRows()),
		zap.Duration("elapsed", time.Since(info.StartedAt)))
	return info.finish(), nil
}

// recoverPackages finishes packages an interrupted run left behind, oldest
// first, before the source is touched. Extracted packages are normalized
// from their raw chunks after discarding any partial data files; normalized
// packages go straight to load. The first failed recovery stops the run so
// packages commit in creation order.
func (p *Pipeline) recoverPackages(ctx context.Context, rs *runState) error {
	for _, st := range []string{load.StateExtracted, load.StateNormalized} {
		pkgs, err := rs.mgr.List(st)
		if err != nil {
			return err
		}
		for _, pkg := range pkgs {
			pi := &PackageInfo{
				LoadID:     pkg.LoadID,
				Recovered:  true,
				State:      pkg.State(),
				SchemaName: pkg.Manifest.SchemaName,
			}
			rs.info.Packages = append(rs.info.Packages, pi)
			rs.run.Logger().Info("recovering interrupted package",
				zap.String("load_id", pkg.LoadID),
				zap.String("state", pkg.State()))
			if pkg.State() == load.StateExtracted {
				// Partial data files from the interrupted normalize are not
				// trustworthy; raw chunks are, so rebuild from those.
				if err := pkg.ResetData(); err != nil {
					return err
				}
			}
			if err := p.processPackage(ctx, rs, pkg, pi); err != nil {
				return err
			}
		}
	}
	return nil
}

// extractFresh opens the source and drains it into a new package. The
// package is created before any records flow so its manifest carries the
// effective hints from the first moment raw chunks exist.
func (p *Pipeline) extractFresh(ctx context.Context, rs *runState, source core.SourceConnector) (*load.Package, *PackageInfo, error) {
	src := source
	if src == nil {
		src = p.source
	}
	if src == nil {
		var err error
		if src, err = registry.CreateSource(p.cfg.Source.Type); err != nil {
			return nil, nil, err
		}
	}
	if err := src.Open(ctx, &p.cfg.Source); err != nil {
		return nil, nil, err
	}
	defer func() {
		if cerr := src.Close(ctx); cerr != nil {
			rs.run.Logger().Warn("source close failed", zap.Error(cerr))
		}
	}()

	codec, err := compression.ParseAlgorithm(p.cfg.Normalize.Compression)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid normalize compression")
	}
	extractor := extract.New(rs.run, src, &p.cfg.Source, rs.store, extract.Options{
		ChunkRows: p.cfg.Normalize.MaxRowsPerFile,
		Codec:     codec,
	})

	pkg, err := rs.mgr.Create(p.cfg.Name, extractor.Hints())
	if err != nil {
		return nil, nil, err
	}
	pi := &PackageInfo{
		LoadID:     pkg.LoadID,
		State:      pkg.State(),
		SchemaName: pkg.Manifest.SchemaName,
	}
	rs.info.Packages = append(rs.info.Packages, pi)

	run := rs.run.WithLoadID(pkg.LoadID)
	started := time.Now()
	var sum *extract.Summary
	err = run.Tracer.TraceStage(ctx, "extract", func(ctx context.Context) error {
		var xerr error
		sum, xerr = extractor.Run(ctx, pkg)
		return xerr
	})
	pi.Timings.Extract = time.Since(started)
	pi.Extract = sum
	if err != nil {
		return nil, nil, p.abortPackage(rs, pkg, pi, err)
	}
	return pkg, pi, nil
}

// processPackage drives one package from its current state to loaded and
// committed, or aborts it. Shared by recovery and the fresh-extract path.
func (p *Pipeline) processPackage(ctx context.Context, rs *runState, pkg *load.Package, pi *PackageInfo) error {
	run := rs.run.WithLoadID(pkg.LoadID)

	if pkg.State() == load.StateExtracted {
		if err := p.normalizePackage(ctx, run, rs, pkg, pi); err != nil {
			return p.abortPackage(rs, pkg, pi, err)
		}
		pi.State = pkg.State()
	}

	if err := p.loadPackage(ctx, run, rs, pkg, pi); err != nil {
		return p.abortPackage(rs, pkg, pi, err)
	}

	return p.commitPackage(ctx, run, rs, pkg, pi)
}

// normalizePackage flattens the package's raw chunks into typed per-table
// data files, evolving the schema loaded from the store. The evolved
// schema is written into the package; the store head moves only at commit.
func (p *Pipeline) normalizePackage(ctx context.Context, run *core.RunContext, rs *runState, pkg *load.Package, pi *PackageInfo) error {
	started := time.Now()
	defer func() { pi.Timings.Normalize = time.Since(started) }()

	return run.Tracer.TraceStage(ctx, "normalize", func(ctx context.Context) error {
		base, err := rs.schemas.Load(pkg.Manifest.SchemaName)
		if err != nil {
			if !errors.IsType(err, errors.ErrorTypeNotFound) {
				return err
			}
			base = schema.NewSchema(pkg.Manifest.SchemaName)
		}
		naming := schema.NewNaming(p.cfg.Normalize.NamingConvention, rs.maxIdent)
		engine := schema.NewEngine(base, naming, schema.Contract(p.cfg.Normalize.Contract))
		normalizer := normalize.New(run, engine, &p.cfg.Normalize, pkg.Manifest.Hints)

		files := make([]normalize.RawFile, 0, len(pkg.Manifest.RawChunks))
		for _, c := range pkg.Manifest.RawChunks {
			files = append(files, normalize.RawFile{Resource: c.Resource, Path: pkg.RawChunkPath(c)})
		}
		sum, err := normalizer.Run(ctx, files, packageSink{pkg})
		if err != nil {
			return err
		}
		sch := normalizer.Commit()
		if err := pkg.WriteSchema(sch); err != nil {
			return err
		}
		pi.Normalize = sum
		return pkg.MarkNormalized()
	})
}

// loadPackage runs the package's jobs through the scheduler. Job failures
// surface as the returned error once retries are exhausted; the Result is
// recorded on the PackageInfo either way.
func (p *Pipeline) loadPackage(ctx context.Context, run *core.RunContext, rs *runState, pkg *load.Package, pi *PackageInfo) error {
	sch, err := pkg.Schema()
	if err != nil {
		return err
	}
	pi.SchemaVersion = sch.Version
	pi.SchemaHash = sch.VersionHash

	started := time.Now()
	var res *load.Result
	err = run.Tracer.TraceStage(ctx, "load", func(ctx context.Context) error {
		var lerr error
		res, lerr = load.NewScheduler(run, rs.client, p.cfg.Destination.Type, &p.cfg.Load).Load(ctx, pkg, sch)
		return lerr
	})
	pi.Timings.Load = time.Since(started)
	pi.Load = res
	if err != nil {
		return err
	}
	if !res.Ok() {
		if res.FirstError != nil {
			return res.FirstError
		}
		return errors.Newf(errors.ErrorTypeInternal,
			"package %s finished with %d pending jobs", pkg.LoadID, res.Pending)
	}

	if sec := pi.Timings.Load.Seconds(); sec > 0 {
		var rows int64
		for _, n := range res.RowsLoaded {
			rows += n
		}
		metrics.Throughput.WithLabelValues(p.cfg.Name, p.cfg.Destination.Type).Set(float64(rows) / sec)
	}
	return nil
}

// commitPackage makes the package's effects durable: schema snapshot in
// the store, then cursors, schema head, and load id in one state commit,
// then the directory rename to loaded. The state commit comes first so a
// crash after it is healed by an idempotent re-load and re-commit of the
// same package, whereas committing after the rename would strand committed
// data behind lost cursors.
func (p *Pipeline) commitPackage(ctx context.Context, run *core.RunContext, rs *runState, pkg *load.Package, pi *PackageInfo) error {
	sch, err := pkg.Schema()
	if err != nil {
		return err
	}
	if _, err := rs.schemas.Save(sch); err != nil {
		return err
	}

	// Cursors come from the manifest, not extractor memory, so recovered
	// packages commit the cursor positions staged when they were extracted.
	for resource, cr := range pkg.Manifest.Cursors {
		rs.store.Stage(resource, cr.Cursor)
		rs.store.StageBoundaryKeys(resource, cr.BoundaryKeys)
	}
	rs.store.StageSchemaHash(sch.VersionHash)
	if err := rs.store.Commit(pkg.LoadID); err != nil {
		if errors.IsType(err, errors.ErrorTypeStateConflict) {
			metrics.StateCommits.WithLabelValues(p.cfg.Name, "conflict").Inc()
		}
		return err
	}
	metrics.StateCommits.WithLabelValues(p.cfg.Name, "committed").Inc()
	pi.Committed = true

	if err := pkg.MarkLoaded(); err != nil {
		return err
	}
	pi.State = pkg.State()

	commit := &core.LoadCommit{
		LoadID:     pkg.LoadID,
		SchemaName: pkg.Manifest.SchemaName,
		Schema:     sch,
		Status:     load.StateLoaded,
		StartedAt:  pkg.Manifest.CreatedAt,
		FinishedAt: time.Now().UTC(),
	}
	if err := rs.client.CompleteLoad(ctx, commit); err != nil {
		// State is already committed; a missing bookkeeping row must not
		// fail the run or roll back cursors.
		run.Logger().Warn("failed to record load in destination system tables",
			zap.String("load_id", pkg.LoadID), zap.Error(err))
	}

	run.Logger().Info("package committed",
		zap.String("load_id", pkg.LoadID),
		zap.Int("schema_version", sch.Version),
		zap.String("schema_hash", sch.VersionHash))
	return nil
}

// abortPackage rolls back staged cursors, parks the package in aborted,
// and returns the cause so the run stops here.
func (p *Pipeline) abortPackage(rs *runState, pkg *load.Package, pi *PackageInfo, cause error) error {
	rs.store.Rollback()
	metrics.StateCommits.WithLabelValues(p.cfg.Name, "rolled_back").Inc()
	if err := pkg.MarkAborted(cause.Error()); err != nil {
		rs.run.Logger().Warn("failed to mark package aborted",
			zap.String("load_id", pkg.LoadID), zap.Error(err))
	}
	pi.State = pkg.State()
	rs.run.Logger().Error("package aborted",
		zap.String("load_id", pkg.LoadID), zap.Error(cause))
	return cause
}

// packageSink adapts a load package to the normalizer's sink contract.
type packageSink struct {
	pkg *load.Package
}

func (s packageSink) NewDataFile(table, ext string) (normalize.DataFile, error) {
	return s.pkg.NewDataFile(table, ext)
}

func (s packageSink) QuarantineFile(resource string) (io.WriteCloser, error) {
	return s.pkg.QuarantineFile(resource)
}
