package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
)

// Store persists schema snapshots as an append-only history on disk. Each
// committed version is one JSON document named
// "<schema>.<version>.<hash8>.json"; snapshots are never rewritten.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir (usually <working_dir>/schemas).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// SnapshotInfo identifies one stored schema version.
type SnapshotInfo struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	HashTag string `json:"hash_tag"`
	Path    string `json:"path"`
}

// Save writes the schema snapshot if this version is not stored yet.
// Returns the snapshot path.
func (s *Store) Save(sch *Schema) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to create schema store directory")
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s.%d.%s.json", sch.Name, sch.Version, sch.HashTag()))
	if _, err := os.Stat(path); err == nil {
		// Version hashes are content-derived, same name means same content.
		return path, nil
	}

	raw, err := jsonpool.MarshalIndent(sch, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize schema")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to write schema snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeFile, "failed to publish schema snapshot")
	}

	return path, nil
}

// Load returns the latest stored version of the named schema.
func (s *Store) Load(name string) (*Schema, error) {
	infos, err := s.History(name)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no stored schema named %q", name)
	}
	return s.read(infos[len(infos)-1].Path)
}

// LoadVersion returns one specific stored version of the named schema.
func (s *Store) LoadVersion(name string, version int) (*Schema, error) {
	infos, err := s.History(name)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Version == version {
			return s.read(info.Path)
		}
	}
	return nil, errors.Newf(errors.ErrorTypeNotFound, "schema %q has no stored version %d", name, version)
}

// History lists stored versions of the named schema, oldest first.
func (s *Store) History(name string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read schema store directory")
	}

	prefix := name + "."
	var infos []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, ok := parseSnapshotName(entry.Name())
		if !ok || info.Name != name {
			continue
		}
		info.Path = filepath.Join(s.dir, entry.Name())
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Version < infos[j].Version })
	return infos, nil
}

// ExportYAML renders a schema as YAML for inspection and editing.
func ExportYAML(sch *Schema) ([]byte, error) {
	// Round-trip through JSON so the YAML field names match the snapshots.
	raw, err := jsonpool.Marshal(sch)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize schema")
	}
	var doc map[string]interface{}
	if err := jsonpool.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode schema document")
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to render schema YAML")
	}
	return out, nil
}

func (s *Store) read(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read schema snapshot")
	}
	var sch Schema
	if err := jsonpool.Unmarshal(raw, &sch); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "corrupt schema snapshot %s", filepath.Base(path))
	}
	if sch.Tables == nil {
		sch.Tables = make(map[string]*Table)
	}
	return &sch, nil
}

// parseSnapshotName splits "<name>.<version>.<hash8>.json" from the right
// so schema names containing dots still parse.
func parseSnapshotName(filename string) (SnapshotInfo, bool) {
	base, ok := strings.CutSuffix(filename, ".json")
	if !ok {
		return SnapshotInfo{}, false
	}

	hashIdx := strings.LastIndexByte(base, '.')
	if hashIdx <= 0 {
		return SnapshotInfo{}, false
	}
	hashTag := base[hashIdx+1:]

	rest := base[:hashIdx]
	versionIdx := strings.LastIndexByte(rest, '.')
	if versionIdx <= 0 {
		return SnapshotInfo{}, false
	}

	version, err := strconv.Atoi(rest[versionIdx+1:])
	if err != nil {
		return SnapshotInfo{}, false
	}

	return SnapshotInfo{
		Name:    rest[:versionIdx],
		Version: version,
		HashTag: hashTag,
	}, true
}
