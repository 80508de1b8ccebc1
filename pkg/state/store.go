// Package state persists per-pipeline extraction state: resource cursors,
// boundary dedup keys, the last committed load id, and the schema head.
// Writes are staged in memory during a run and published atomically on
// commit, so a crashed run never advances a cursor for data that was not
// fully loaded.
package state

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/logger"
)

const (
	stateFile = "state.json"
	lockFile  = ".state.lock"
)

// Blob is the persisted pipeline state document.
type Blob struct {
	Pipeline string `json:"pipeline"`
	// LastLoadID is the load id of the last fully loaded package.
	LastLoadID string `json:"last_load_id,omitempty"`
	// SchemaHash is the schema version hash the state was committed under.
	SchemaHash string `json:"schema_hash,omitempty"`
	// Resources maps resource name to its cursor state.
	Resources map[string]*ResourceState `json:"resources,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// ResourceState is one resource's incremental cursor.
type ResourceState struct {
	// Cursor is the last committed cursor value. Values round-trip through
	// JSON; numbers come back as jsonpool.Number.
	Cursor interface{} `json:"cursor,omitempty"`
	// BoundaryKeys are row-key hashes of records seen at the cursor
	// boundary, used to suppress re-reads on resume.
	BoundaryKeys []string `json:"boundary_keys,omitempty"`
}

func (rs *ResourceState) clone() *ResourceState {
	if rs == nil {
		return nil
	}
	cp := &ResourceState{Cursor: rs.Cursor}
	cp.BoundaryKeys = append(cp.BoundaryKeys, rs.BoundaryKeys...)
	return cp
}

type lockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Store owns a pipeline's state file for the duration of a run. Open
// acquires an exclusive advisory lock; a second run against the same
// working directory fails fast with a state conflict.
type Store struct {
	dir      string
	path     string
	lockPath string
	log      *zap.Logger

	mu        sync.Mutex
	committed *Blob
	baseLoad  string
	staged    map[string]*ResourceState
	schema    string
	closed    bool
}

// Open loads the pipeline state under dir, creating it on first run, and
// acquires the run lock.
func Open(dir, pipeline string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to create state directory %s", dir)
	}

	s := &Store{
		dir:      dir,
		path:     filepath.Join(dir, stateFile),
		lockPath: filepath.Join(dir, lockFile),
		staged:   make(map[string]*ResourceState),
		log: logger.Get().With(
			zap.String("component", "state_store"),
			zap.String("pipeline", pipeline),
		),
	}

	if err := s.acquireLock(); err != nil {
		return nil, err
	}

	blob, err := readBlob(s.path)
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	if blob == nil {
		blob = &Blob{Pipeline: pipeline}
	}
	s.committed = blob
	s.baseLoad = blob.LastLoadID

	s.log.Debug("state opened",
		zap.String("last_load_id", blob.LastLoadID),
		zap.Int("resources", len(blob.Resources)))
	return s, nil
}

// Peek reads the state blob without taking the lock. For inspection
// commands only; returns nil when no state exists yet.
func Peek(dir string) (*Blob, error) {
	return readBlob(filepath.Join(dir, stateFile))
}

// Get returns the cursor for a resource: the staged value when this run
// staged one, the committed value otherwise.
func (s *Store) Get(resource string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.staged[resource]; ok {
		return rs.Cursor, rs.Cursor != nil
	}
	if rs, ok := s.committed.Resources[resource]; ok && rs.Cursor != nil {
		return rs.Cursor, true
	}
	return nil, false
}

// BoundaryKeys returns the committed boundary dedup hashes for a resource.
func (s *Store) BoundaryKeys(resource string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.committed.Resources[resource]; ok {
		return append([]string(nil), rs.BoundaryKeys...)
	}
	return nil
}

// Stage records a cursor value visible only to this run until Commit.
func (s *Store) Stage(resource string, cursor interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedState(resource).Cursor = cursor
}

// StageBoundaryKeys records the boundary dedup hashes accompanying a
// staged cursor.
func (s *Store) StageBoundaryKeys(resource string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedState(resource).BoundaryKeys = append([]string(nil), keys...)
}

func (s *Store) stagedState(resource string) *ResourceState {
	rs := s.staged[resource]
	if rs == nil {
		rs = s.committed.Resources[resource].clone()
		if rs == nil {
			rs = &ResourceState{}
		}
		s.staged[resource] = rs
	}
	return rs
}

// StageSchemaHash records the schema head the next commit publishes.
func (s *Store) StageSchemaHash(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = hash
}

// LastLoadID returns the load id of the last committed package.
func (s *Store) LastLoadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.LastLoadID
}

// Commit atomically publishes all staged cursors together with the load
// id of the package that was just loaded. The persisted blob is re-read
// first; if another run committed since this one started, Commit fails
// with a state conflict and publishes nothing.
func (s *Store) Commit(loadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk, err := readBlob(s.path)
	if err != nil {
		return err
	}
	if onDisk == nil {
		onDisk = &Blob{Pipeline: s.committed.Pipeline}
	}
	if onDisk.LastLoadID != s.baseLoad {
		return errors.Newf(errors.ErrorTypeStateConflict,
			"state advanced from load %q to %q during this run; refusing to overwrite",
			s.baseLoad, onDisk.LastLoadID)
	}

	if onDisk.Resources == nil {
		onDisk.Resources = make(map[string]*ResourceState, len(s.staged))
	}
	for resource, rs := range s.staged {
		onDisk.Resources[resource] = rs.clone()
	}
	onDisk.LastLoadID = loadID
	if s.schema != "" {
		onDisk.SchemaHash = s.schema
	}
	onDisk.UpdatedAt = time.Now().UTC()

	if err := writeBlob(s.path, onDisk); err != nil {
		return err
	}

	s.committed = onDisk
	s.baseLoad = loadID
	s.staged = make(map[string]*ResourceState)
	s.log.Info("state committed",
		zap.String("load_id", loadID),
		zap.Int("resources", len(onDisk.Resources)))
	return nil
}

// Rollback discards all staged values.
func (s *Store) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.staged) > 0 {
		s.log.Debug("staged state discarded", zap.Int("resources", len(s.staged)))
	}
	s.staged = make(map[string]*ResourceState)
	s.schema = ""
}

// Close releases the run lock. Staged values not committed are lost.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.releaseLock()
}

func (s *Store) acquireLock() error {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(s.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
			info.Host, _ = os.Hostname()
			data, _ := jsonpool.MarshalIndent(info, "", "  ")
			_, werr := f.Write(data)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(s.lockPath)
				return errors.Wrap(werr, errors.ErrorTypeFile, "failed to write state lock")
			}
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrapf(err, errors.ErrorTypeFile, "failed to create state lock %s", s.lockPath)
		}

		holder, herr := readLock(s.lockPath)
		if attempt == 0 && herr == nil && staleLock(holder) {
			s.log.Warn("removing stale state lock",
				zap.Int("pid", holder.PID),
				zap.Time("acquired_at", holder.AcquiredAt))
			if os.Remove(s.lockPath) == nil {
				continue
			}
		}
		if herr == nil {
			return errors.Newf(errors.ErrorTypeStateConflict,
				"pipeline is locked by pid %d on %s since %s; remove %s if that run is gone",
				holder.PID, holder.Host, holder.AcquiredAt.Format(time.RFC3339), s.lockPath)
		}
		return errors.Newf(errors.ErrorTypeStateConflict,
			"pipeline is locked; remove %s if no run is active", s.lockPath)
	}
}

func (s *Store) releaseLock() error {
	if err := os.Remove(s.lockPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to release state lock")
	}
	return nil
}

func readLock(path string) (*lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := jsonpool.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// staleLock reports whether the lock holder process is provably gone.
func staleLock(info *lockInfo) bool {
	if info.PID <= 0 {
		return true
	}
	host, _ := os.Hostname()
	if info.Host != "" && info.Host != host {
		return false
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) == syscall.ESRCH
}

func readBlob(path string) (*Blob, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read state file %s", path)
	}
	var blob Blob
	if err := jsonpool.UnmarshalUseNumber(data, &blob); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "state file %s is corrupt", path)
	}
	return &blob, nil
}

// writeBlob persists the blob via temp file, fsync, and atomic rename.
func writeBlob(path string, blob *Blob) error {
	data, err := jsonpool.MarshalIndent(blob, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode state")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create state temp file")
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
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write state file %s", path)
	}
	return nil
}
