// Package schema owns table and column definitions: type inference, naming
// rules, schema contracts, and deterministic versioning. The Engine is the
// single writer for schema mutation; normalization workers read immutable
// snapshots and submit structural deltas through Merge.
package schema

import (
	"sort"
	"time"
)

// EngineVersion is the schema document format version, recorded in
// snapshots and destination _strata_version rows.
const EngineVersion = 1

// DataType is the inferred column type.
type DataType string

// Column data types, in inference precedence order.
const (
	TypeUnknown   DataType = ""
	TypeBool      DataType = "bool"
	TypeInt       DataType = "int"
	TypeFloat     DataType = "float"
	TypeDecimal   DataType = "decimal"
	TypeTimestamp DataType = "timestamp"
	TypeDate      DataType = "date"
	TypeTime      DataType = "time"
	TypeText      DataType = "text"
	TypeBinary    DataType = "binary"
	TypeComplex   DataType = "complex"
)

// typeRank orders types for promotion. Within a family the higher rank is
// the wider type.
var typeRank = map[DataType]int{
	TypeBool:      1,
	TypeInt:       2,
	TypeFloat:     3,
	TypeDecimal:   4,
	TypeTimestamp: 5,
	TypeDate:      6,
	TypeTime:      7,
	TypeText:      8,
	TypeBinary:    9,
	TypeComplex:   10,
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	_, ok := typeRank[t]
	return ok || t == TypeUnknown
}

func isNumeric(t DataType) bool {
	return t == TypeInt || t == TypeFloat || t == TypeDecimal
}

func isDated(t DataType) bool {
	return t == TypeDate || t == TypeTimestamp
}

// Promote returns the least common supertype of a and b. Numeric types widen
// along int < float < decimal; date joins timestamp as timestamp. Types with
// no common scalar supertype promote to complex, which absorbs everything.
// Promotion is monotonic: Promote(Promote(a,b), b) == Promote(a,b).
func Promote(a, b DataType) DataType {
	if a == b {
		return a
	}
	if a == TypeUnknown {
		return b
	}
	if b == TypeUnknown {
		return a
	}
	if a == TypeComplex || b == TypeComplex {
		return TypeComplex
	}
	if isNumeric(a) && isNumeric(b) {
		if typeRank[a] > typeRank[b] {
			return a
		}
		return b
	}
	if isDated(a) && isDated(b) {
		return TypeTimestamp
	}
	return TypeComplex
}

// WriteDisposition controls how a table's new rows relate to existing
// destination data.
type WriteDisposition string

const (
	// DispositionAppend adds rows to existing data.
	DispositionAppend WriteDisposition = "append"
	// DispositionReplace replaces the table's data each load.
	DispositionReplace WriteDisposition = "replace"
	// DispositionMerge upserts rows by merge key via stage-then-merge.
	DispositionMerge WriteDisposition = "merge"
)

// Valid reports whether d is a known disposition.
func (d WriteDisposition) Valid() bool {
	switch d {
	case DispositionAppend, DispositionReplace, DispositionMerge:
		return true
	}
	return false
}

// Column is one destination column.
type Column struct {
	// Name is the normalized, destination-safe identifier.
	Name string `json:"name"`
	// SourceName is the original field label when it differs from Name.
	SourceName string `json:"source_name,omitempty"`
	// Type is the inferred data type.
	Type DataType `json:"data_type"`
	// Nullable is true once a null has been observed or the column was
	// absent from any record.
	Nullable bool `json:"nullable"`
	// PrimaryKey marks primary key columns.
	PrimaryKey bool `json:"primary_key,omitempty"`
	// MergeKey marks columns used for merge-disposition deduplication.
	MergeKey bool `json:"merge_key,omitempty"`
	// Linkage marks synthetic id columns added by the normalizer.
	Linkage bool `json:"linkage,omitempty"`
	// Discarded marks columns admitted under the discard contract whose
	// values are stripped from rows.
	Discarded bool `json:"discarded,omitempty"`
	// Precision and Scale apply to decimal columns when known.
	Precision int `json:"precision,omitempty"`
	Scale     int `json:"scale,omitempty"`
}

// Source returns the original field label the column was discovered under.
func (c *Column) Source() string {
	if c.SourceName != "" {
		return c.SourceName
	}
	return c.Name
}

// Clone returns a copy of the column.
func (c *Column) Clone() *Column {
	cp := *c
	return &cp
}

// Table is one destination table definition. Column order is preserved as
// first seen; it determines data file and DDL column order.
type Table struct {
	// Name is the normalized table identifier.
	Name string `json:"name"`
	// Parent names the parent table for exploded list children.
	Parent string `json:"parent,omitempty"`
	// Resource names the source resource for root tables.
	Resource string `json:"resource,omitempty"`
	// Disposition is how loads treat existing destination data.
	Disposition WriteDisposition `json:"write_disposition"`
	// Columns in first-seen order.
	Columns []*Column `json:"columns"`
}

// NewTable creates a table with the given disposition.
func NewTable(name string, disposition WriteDisposition) *Table {
	if disposition == "" {
		disposition = DispositionAppend
	}
	return &Table{Name: name, Disposition: disposition}
}

// Column returns the column with the given normalized name, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnBySource returns the column discovered under the given source
// label. When ci is true the lookup folds case.
func (t *Table) ColumnBySource(source string, ci bool) *Column {
	for _, c := range t.Columns {
		if c.Source() == source {
			return c
		}
		if ci && equalFold(c.Source(), source) {
			return c
		}
	}
	return nil
}

// AddColumn appends a column, preserving discovery order.
func (t *Table) AddColumn(c *Column) {
	t.Columns = append(t.Columns, c)
}

// MergeKeys returns the merge key column names in column order.
func (t *Table) MergeKeys() []string {
	var keys []string
	for _, c := range t.Columns {
		if c.MergeKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// PrimaryKeys returns the primary key column names in column order.
func (t *Table) PrimaryKeys() []string {
	var keys []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// IsChild reports whether the table was created for an exploded list field.
func (t *Table) IsChild() bool {
	return t.Parent != ""
}

// ColumnNames returns column names in column order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	cp := &Table{
		Name:        t.Name,
		Parent:      t.Parent,
		Resource:    t.Resource,
		Disposition: t.Disposition,
		Columns:     make([]*Column, len(t.Columns)),
	}
	for i, c := range t.Columns {
		cp.Columns[i] = c.Clone()
	}
	return cp
}

// Schema is a versioned set of tables. Instances handed out by the Engine
// are immutable snapshots; mutation happens on clones inside Merge.
type Schema struct {
	Name string `json:"name"`
	// Version increases only when structural content changes.
	Version int `json:"version"`
	// VersionHash is the deterministic content hash of the structure.
	VersionHash string `json:"version_hash"`
	// PreviousHashes records superseded version hashes, oldest first.
	PreviousHashes []string `json:"previous_hashes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tables map[string]*Table `json:"tables"`
}

// NewSchema creates an empty version-1 schema.
func NewSchema(name string) *Schema {
	now := time.Now().UTC()
	s := &Schema{
		Name:      name,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Tables:    make(map[string]*Table),
	}
	s.VersionHash = s.ContentHash()
	return s
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	return s.Tables[name]
}

// TableNames returns table names sorted lexicographically.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChildTables returns the tables whose Parent is the given table, sorted
// by name.
func (s *Schema) ChildTables(parent string) []*Table {
	var children []*Table
	for _, name := range s.TableNames() {
		if s.Tables[name].Parent == parent {
			children = append(children, s.Tables[name])
		}
	}
	return children
}

// RootOf follows parent references to the table's root ancestor.
func (s *Schema) RootOf(name string) string {
	t := s.Tables[name]
	for t != nil && t.Parent != "" {
		name = t.Parent
		t = s.Tables[name]
	}
	return name
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	cp := &Schema{
		Name:           s.Name,
		Version:        s.Version,
		VersionHash:    s.VersionHash,
		PreviousHashes: append([]string(nil), s.PreviousHashes...),
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Tables:         make(map[string]*Table, len(s.Tables)),
	}
	for name, t := range s.Tables {
		cp.Tables[name] = t.Clone()
	}
	return cp
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
