// Package load owns the durable side of a pipeline run: load packages on
// disk, the per-job state machine persisted in sidecar records, and the
// scheduler that drives destination clients through a package's jobs with
// retries, rate limiting, and crash-safe resume.
package load

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// Package states. The state is the parent directory under packages/ and
// every transition is an atomic directory rename.
const (
	StateExtracted  = "extracted"
	StateNormalized = "normalized"
	StateLoaded     = "loaded"
	StateAborted    = "aborted"
)

var packageStates = []string{StateExtracted, StateNormalized, StateLoaded, StateAborted}

const (
	manifestFile  = "package.json"
	schemaFile    = "schema.json"
	rawDir        = "raw"
	dataDir       = "data"
	quarantineDir = "quarantine"
)

// Manifest is the package.json document describing one load package.
type Manifest struct {
	LoadID     string    `json:"load_id"`
	Pipeline   string    `json:"pipeline"`
	SchemaName string    `json:"schema_name"`
	CreatedAt  time.Time `json:"created_at"`
	// Hints are the effective per-resource load hints at extraction time,
	// so a crashed package can be normalized without reopening the source.
	Hints map[string]config.ResourceHints `json:"hints,omitempty"`
	// Cursors are the incremental cursor positions staged at extraction
	// time. Recovery re-stages them, so a crashed run's cursor advance
	// still commits once its package finishes loading.
	Cursors      map[string]*CursorRecord `json:"cursors,omitempty"`
	RawChunks    []RawChunk               `json:"raw_chunks,omitempty"`
	NormalizedAt *time.Time               `json:"normalized_at,omitempty"`
	LoadedAt     *time.Time               `json:"loaded_at,omitempty"`
	AbortReason  string                   `json:"abort_reason,omitempty"`
}

// CursorRecord is one resource's staged cursor persisted in the manifest.
type CursorRecord struct {
	Cursor       interface{} `json:"cursor,omitempty"`
	BoundaryKeys []string    `json:"boundary_keys,omitempty"`
}

// RawChunk is one extracted chunk file recorded in the manifest.
type RawChunk struct {
	Resource string `json:"resource"`
	File     string `json:"file"`
	Records  int64  `json:"records"`
}

// Manager creates, opens, and prunes load packages under a pipeline
// working directory.
type Manager struct {
	pipeline string
	root     string
	log      *zap.Logger
}

// NewManager returns a Manager rooted at the pipeline working directory.
func NewManager(workingDir, pipeline string) *Manager {
	return &Manager{
		pipeline: pipeline,
		root:     workingDir,
		log: logger.Get().With(
			zap.String("component", "package_manager"),
			zap.String("pipeline", pipeline),
		),
	}
}

func (m *Manager) stateDir(state string) string {
	return filepath.Join(m.root, "packages", state)
}

func (m *Manager) packageDir(state, loadID string) string {
	return filepath.Join(m.stateDir(state), loadID)
}

func (m *Manager) exists(loadID string) bool {
	for _, state := range packageStates {
		if _, err := os.Stat(m.packageDir(state, loadID)); err == nil {
			return true
		}
	}
	return false
}

// newLoadID derives a sortable load id from the wall clock, with a
// sequence suffix on collision.
func (m *Manager) newLoadID() string {
	base := strconv.FormatInt(time.Now().UnixNano(), 10)
	id := base
	for seq := 1; m.exists(id); seq++ {
		id = base + "-" + strconv.Itoa(seq)
	}
	return id
}

// Create starts a fresh package in state extracted.
func (m *Manager) Create(schemaName string, hints map[string]config.ResourceHints) (*Package, error) {
	loadID := m.newLoadID()
	dir := m.packageDir(StateExtracted, loadID)
	for _, sub := range []string{rawDir, dataDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create package %s", loadID)
		}
	}

	p := &Package{
		LoadID: loadID,
		Manifest: &Manifest{
			LoadID:     loadID,
			Pipeline:   m.pipeline,
			SchemaName: schemaName,
			CreatedAt:  time.Now().UTC(),
			Hints:      hints,
		},
		state:    StateExtracted,
		dir:      dir,
		root:     filepath.Join(m.root, "packages"),
		chunkSeq: make(map[string]int),
		log:      m.log.With(zap.String("load_id", loadID)),
	}
	if err := p.saveManifest(); err != nil {
		return nil, err
	}
	metrics.PackageTransitions.WithLabelValues(m.pipeline, StateExtracted).Inc()
	m.log.Info("package created", zap.String("load_id", loadID))
	return p, nil
}

// Open loads an existing package in the given state.
func (m *Manager) Open(state, loadID string) (*Package, error) {
	dir := m.packageDir(state, loadID)
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "package %s not found in state %s", loadID, state)
	}

	p := &Package{
		LoadID:   loadID,
		state:    state,
		dir:      dir,
		root:     filepath.Join(m.root, "packages"),
		chunkSeq: make(map[string]int),
		log:      m.log.With(zap.String("load_id", loadID)),
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read manifest of package %s", loadID)
	}
	p.Manifest = &Manifest{}
	if err := jsonpool.Unmarshal(data, p.Manifest); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "manifest of package %s is corrupt", loadID)
	}

	p.jobSeq = p.scanJobSeq()
	return p, nil
}

// Find locates a package by load id across all states.
func (m *Manager) Find(loadID string) (*Package, error) {
	for _, state := range packageStates {
		if _, err := os.Stat(m.packageDir(state, loadID)); err == nil {
			return m.Open(state, loadID)
		}
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "package %s not found", loadID)
}

// List returns packages in one state, oldest first.
func (m *Manager) List(state string) ([]*Package, error) {
	entries, err := os.ReadDir(m.stateDir(state))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to list %s packages", state)
	}

	var pkgs []*Package
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := m.Open(state, e.Name())
		if err != nil {
			m.log.Warn("skipping unreadable package", zap.String("load_id", e.Name()), zap.Error(err))
			continue
		}
		pkgs = append(pkgs, p)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].LoadID < pkgs[j].LoadID })
	return pkgs, nil
}

// All returns every package across all states, oldest first per state.
func (m *Manager) All() ([]*Package, error) {
	var all []*Package
	for _, state := range packageStates {
		pkgs, err := m.List(state)
		if err != nil {
			return nil, err
		}
		all = append(all, pkgs...)
	}
	return all, nil
}

// Prune removes all but the newest keep packages from the loaded and
// aborted pools and returns the removed load ids. keep <= 0 keeps all.
func (m *Manager) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	var removed []string
	for _, state := range []string{StateLoaded, StateAborted} {
		pkgs, err := m.List(state)
		if err != nil {
			return removed, err
		}
		if len(pkgs) <= keep {
			continue
		}
		for _, p := range pkgs[:len(pkgs)-keep] {
			if err := os.RemoveAll(p.dir); err != nil {
				return removed, errors.Wrapf(err, errors.ErrorTypeFile, "failed to prune package %s", p.LoadID)
			}
			removed = append(removed, p.LoadID)
			m.log.Info("package pruned", zap.String("load_id", p.LoadID), zap.String("state", state))
		}
	}
	return removed, nil
}

// Package is one load package on disk.
type Package struct {
	LoadID   string
	Manifest *Manifest

	state string
	dir   string
	root  string
	log   *zap.Logger

	mu       sync.Mutex
	jobSeq   int
	chunkSeq map[string]int
}

// State returns the package's current state.
func (p *Package) State() string { return p.state }

// Dir returns the package's current directory.
func (p *Package) Dir() string { return p.dir }

// RawChunkPath returns the absolute path of a manifest raw chunk.
func (p *Package) RawChunkPath(c RawChunk) string {
	return filepath.Join(p.dir, rawDir, c.File)
}

func (p *Package) saveManifest() error {
	return writeJSONAtomic(filepath.Join(p.dir, manifestFile), p.Manifest)
}

// SetCursor durably records a resource's staged cursor in the manifest.
func (p *Package) SetCursor(resource string, cursor interface{}, boundaryKeys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Manifest.Cursors == nil {
		p.Manifest.Cursors = make(map[string]*CursorRecord)
	}
	p.Manifest.Cursors[resource] = &CursorRecord{Cursor: cursor, BoundaryKeys: boundaryKeys}
	return p.saveManifest()
}

// WriteSchema freezes the schema version the package is loaded under.
func (p *Package) WriteSchema(sch *schema.Schema) error {
	return writeJSONAtomic(filepath.Join(p.dir, schemaFile), sch)
}

// Schema reads the package's frozen schema.
func (p *Package) Schema() (*schema.Schema, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, schemaFile))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read schema of package %s", p.LoadID)
	}
	var sch schema.Schema
	if err := jsonpool.Unmarshal(data, &sch); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "schema of package %s is corrupt", p.LoadID)
	}
	return &sch, nil
}

// safeName maps a resource label to a filename-safe token.
func safeName(resource string) string {
	var b strings.Builder
	b.Grow(len(resource))
	for _, r := range strings.ToLower(resource) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// RawChunkWriter streams one extracted chunk into the package.
type RawChunkWriter struct {
	p        *Package
	resource string
	file     string
	tmp      string
	f        *os.File
	cw       io.WriteCloser
	done     bool
}

// NewRawChunk opens a raw chunk file for a resource. The caller writes
// JSONL records and must Commit or Abort.
func (p *Package) NewRawChunk(resource string, codec compression.Algorithm) (*RawChunkWriter, error) {
	p.mu.Lock()
	safe := safeName(resource)
	p.chunkSeq[safe]++
	seq := p.chunkSeq[safe]
	p.mu.Unlock()

	file := safe + "." + pad4(seq) + ".jsonl" + codec.Extension()
	tmp := filepath.Join(p.dir, rawDir, ".tmp-"+file)
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create raw chunk for %s", resource)
	}
	cw, err := compression.WrapWriter(codec, f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to wrap raw chunk writer")
	}
	return &RawChunkWriter{p: p, resource: resource, file: file, tmp: tmp, f: f, cw: cw}, nil
}

func (w *RawChunkWriter) Write(b []byte) (int, error) {
	return w.cw.Write(b)
}

// Commit finalizes the chunk and records it in the manifest.
func (w *RawChunkWriter) Commit(records int64) error {
	if w.done {
		return nil
	}
	w.done = true

	err := w.cw.Close()
	if serr := w.f.Sync(); err == nil {
		err = serr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.tmp, filepath.Join(w.p.dir, rawDir, w.file))
	}
	if err != nil {
		os.Remove(w.tmp)
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to commit raw chunk %s", w.file)
	}

	w.p.mu.Lock()
	w.p.Manifest.RawChunks = append(w.p.Manifest.RawChunks, RawChunk{
		Resource: w.resource,
		File:     w.file,
		Records:  records,
	})
	merr := w.p.saveManifest()
	w.p.mu.Unlock()
	return merr
}

// Abort discards the partially written chunk.
func (w *RawChunkWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.cw.Close()
	w.f.Close()
	return os.Remove(w.tmp)
}

// DataFile is one normalized data file being written into the package.
// Commit renames it into place and creates the load job's sidecar record.
type DataFile struct {
	p     *Package
	table string
	jobID string
	file  string
	tmp   string
	f     *os.File
	done  bool
}

// NewDataFile opens a data file for a table and assigns it a job id.
func (p *Package) NewDataFile(table, ext string) (*DataFile, error) {
	p.mu.Lock()
	p.jobSeq++
	jobID := pad6(p.jobSeq)
	p.mu.Unlock()

	file := table + "." + jobID + ext
	tmp := filepath.Join(p.dir, dataDir, ".tmp-"+file)
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create data file for table %s", table)
	}
	return &DataFile{p: p, table: table, jobID: jobID, file: file, tmp: tmp, f: f}, nil
}

func (df *DataFile) Write(b []byte) (int, error) { return df.f.Write(b) }

// JobID identifies the load job created for this file.
func (df *DataFile) JobID() string { return df.jobID }

// Commit finalizes the data file and persists its job in state new.
func (df *DataFile) Commit(rows, bytes int64) error {
	if df.done {
		return nil
	}
	df.done = true

	err := df.f.Sync()
	if cerr := df.f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(df.tmp, filepath.Join(df.p.dir, dataDir, df.file))
	}
	if err != nil {
		os.Remove(df.tmp)
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to commit data file %s", df.file)
	}

	job := &Job{
		JobID: df.jobID,
		Table: df.table,
		Kind:  JobKindFile,
		File:  df.file,
		Rows:  rows,
		Bytes: bytes,
		State: JobNew,
	}
	return df.p.SaveJob(job)
}

// Abort discards the partially written data file.
func (df *DataFile) Abort() error {
	if df.done {
		return nil
	}
	df.done = true
	df.f.Close()
	return os.Remove(df.tmp)
}

// QuarantineFile opens the append-only quarantine file for a resource.
func (p *Package) QuarantineFile(resource string) (*os.File, error) {
	dir := filepath.Join(p.dir, quarantineDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create quarantine directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(resource)+".jsonl"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open quarantine file for %s", resource)
	}
	return f, nil
}

// ResetData clears normalized output so a crashed package in state
// extracted can be re-normalized from its raw chunks.
func (p *Package) ResetData() error {
	for _, sub := range []string{dataDir, quarantineDir} {
		dir := filepath.Join(p.dir, sub)
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to reset %s of package %s", sub, p.LoadID)
		}
	}
	if err := os.MkdirAll(filepath.Join(p.dir, dataDir), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to recreate data directory")
	}
	os.Remove(filepath.Join(p.dir, schemaFile))

	p.mu.Lock()
	p.jobSeq = 0
	p.mu.Unlock()
	return nil
}

// MarkNormalized transitions the package extracted → normalized.
func (p *Package) MarkNormalized() error {
	now := time.Now().UTC()
	p.Manifest.NormalizedAt = &now
	return p.transition(StateExtracted, StateNormalized)
}

// MarkLoaded transitions the package normalized → loaded.
func (p *Package) MarkLoaded() error {
	now := time.Now().UTC()
	p.Manifest.LoadedAt = &now
	return p.transition(StateNormalized, StateLoaded)
}

// MarkAborted moves the package to aborted from whatever state it is in.
func (p *Package) MarkAborted(reason string) error {
	p.Manifest.AbortReason = reason
	return p.transition(p.state, StateAborted)
}

func (p *Package) transition(from, to string) error {
	if p.state != from {
		return errors.Newf(errors.ErrorTypeInternal,
			"package %s is %s, cannot transition %s -> %s", p.LoadID, p.state, from, to)
	}
	if err := p.saveManifest(); err != nil {
		return err
	}

	dst := filepath.Join(p.root, to, p.LoadID)
	if err := os.MkdirAll(filepath.Join(p.root, to), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create package state directory")
	}
	if err := os.Rename(p.dir, dst); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to move package %s to %s", p.LoadID, to)
	}

	p.state = to
	p.dir = dst
	metrics.PackageTransitions.WithLabelValues(p.Manifest.Pipeline, to).Inc()
	p.log.Info("package transitioned", zap.String("state", to))
	return nil
}

func pad4(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

func pad6(n int) string {
	s := strconv.Itoa(n)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// writeJSONAtomic persists a JSON document via temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := jsonpool.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeInternal, "failed to encode %s", filepath.Base(path))
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp file")
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write %s", filepath.Base(path))
	}
	return nil
}
