package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	jsonpool "github.com/ajitpratap0/strata/pkg/json"
)

// Canonical structural views used for hashing. Tables and columns are
// sorted by name so the hash is independent of discovery order; version
// numbers, hashes, and timestamps are excluded so the hash reflects
// structure only.
type canonicalColumn struct {
	Name       string   `json:"name"`
	Source     string   `json:"source"`
	Type       DataType `json:"type"`
	Nullable   bool     `json:"nullable"`
	PrimaryKey bool     `json:"primary_key"`
	MergeKey   bool     `json:"merge_key"`
	Linkage    bool     `json:"linkage"`
	Discarded  bool     `json:"discarded"`
	Precision  int      `json:"precision"`
	Scale      int      `json:"scale"`
}

type canonicalTable struct {
	Name        string            `json:"name"`
	Parent      string            `json:"parent"`
	Resource    string            `json:"resource"`
	Disposition WriteDisposition  `json:"disposition"`
	Columns     []canonicalColumn `json:"columns"`
}

type canonicalSchema struct {
	Name   string           `json:"name"`
	Tables []canonicalTable `json:"tables"`
}

// ContentHash computes the deterministic structural hash of the schema.
// Identical content always yields an identical hash regardless of the
// order tables and columns were discovered in.
func (s *Schema) ContentHash() string {
	canonical := canonicalSchema{
		Name:   s.Name,
		Tables: make([]canonicalTable, 0, len(s.Tables)),
	}

	for _, name := range s.TableNames() {
		t := s.Tables[name]
		ct := canonicalTable{
			Name:        t.Name,
			Parent:      t.Parent,
			Resource:    t.Resource,
			Disposition: t.Disposition,
			Columns:     make([]canonicalColumn, 0, len(t.Columns)),
		}
		for _, c := range t.Columns {
			ct.Columns = append(ct.Columns, canonicalColumn{
				Name:       c.Name,
				Source:     c.Source(),
				Type:       c.Type,
				Nullable:   c.Nullable,
				PrimaryKey: c.PrimaryKey,
				MergeKey:   c.MergeKey,
				Linkage:    c.Linkage,
				Discarded:  c.Discarded,
				Precision:  c.Precision,
				Scale:      c.Scale,
			})
		}
		sort.Slice(ct.Columns, func(i, j int) bool {
			return ct.Columns[i].Name < ct.Columns[j].Name
		})
		canonical.Tables = append(canonical.Tables, ct)
	}

	raw, err := jsonpool.Marshal(canonical)
	if err != nil {
		// canonicalSchema contains only marshalable fields
		panic(err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Bump recomputes the content hash and, when structure changed, records the
// superseded hash and increments the version number. Returns true when a
// new version was minted.
func (s *Schema) Bump() bool {
	h := s.ContentHash()
	if h == s.VersionHash {
		return false
	}

	if s.VersionHash != "" {
		s.PreviousHashes = append(s.PreviousHashes, s.VersionHash)
	}
	s.VersionHash = h
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	return true
}

// HashTag returns the first 8 characters of the version hash, used in
// snapshot file names.
func (s *Schema) HashTag() string {
	if len(s.VersionHash) < 8 {
		return s.VersionHash
	}
	return s.VersionHash[:8]
}
