// Package normalize turns raw extracted records into typed relational rows:
// nested mappings flatten into compound columns, list fields explode into
// child tables, and newly discovered structure evolves the schema through
// the engine under the configured contract. Normalized rows are written
// into the load package as rotating compressed JSONL files, one load job
// per file.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ajitpratap0/strata/pkg/config"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// cell is one column value discovered on a flattened row. The identity is
// the original label (dotted path for nested fields) used for schema
// matching; the candidate is the pre-normalized column name.
type cell struct {
	identity   string
	candidate  string
	value      interface{}
	typ        schema.DataType
	nullable   bool
	linkage    bool
	mergeKey   bool
	primaryKey bool
}

// flatRow is one table row before schema resolution, with its exploded
// child rows attached.
type flatRow struct {
	table    string
	parent   string
	resource string
	listIdx  int
	rowID    string
	rootID   string
	cells    []cell
	children []*flatRow
}

// flattener explodes records of one resource. It is immutable after
// construction and safe for concurrent use.
type flattener struct {
	naming      schema.Naming
	maxDepth    int
	resource    string
	rootTable   string
	disposition schema.WriteDisposition
	keyFields   []string
	mergeKeys   map[string]bool
	primKeys    map[string]bool
	rootMerge   bool
}

func newFlattener(naming schema.Naming, cfg *config.NormalizeConfig, resource string, hints config.ResourceHints) *flattener {
	disposition := schema.WriteDisposition(hints.WriteDisposition)
	if disposition == "" {
		disposition = schema.DispositionAppend
	}
	f := &flattener{
		naming:      naming,
		maxDepth:    cfg.MaxNestingDepth,
		resource:    resource,
		rootTable:   naming.NormalizeIdentifier(resource),
		disposition: disposition,
		keyFields:   hints.Keys(),
		mergeKeys:   labelSet(hints.Keys()),
		primKeys:    labelSet(hints.PrimaryKey),
		rootMerge:   disposition == schema.DispositionMerge,
	}
	return f
}

func labelSet(labels []string) map[string]bool {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return set
}

// flatten explodes one record into its root row and child rows.
func (f *flattener) flatten(data models.Row) *flatRow {
	root := &flatRow{
		table:    f.rootTable,
		resource: f.resource,
		listIdx:  -1,
	}
	root.rowID = f.rootID(data)
	root.rootID = root.rowID

	f.walkMap(root, nil, data, 1)

	root.cells = append(root.cells, linkCell(models.RowIDColumn, root.rowID))
	return root
}

// rootID derives the root row id: deterministic from the merge key values
// when the resource declares one (stable across retries, which makes merge
// idempotent), random otherwise. Keyless row identity is not stable across
// runs.
func (f *flattener) rootID(data models.Row) string {
	if len(f.keyFields) == 0 {
		return uuid.NewString()
	}
	parts := make([]string, len(f.keyFields))
	for i, k := range f.keyFields {
		parts[i] = keyString(data[k])
	}
	return deterministicRowID(f.rootTable, parts...)
}

// walkMap flattens a mapping's fields onto row. The path holds the raw
// ancestor field names for nested mappings; depth is the nesting level of
// the fields being walked, starting at 1.
func (f *flattener) walkMap(row *flatRow, path []string, m map[string]interface{}, depth int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]interface{}:
			if f.tooDeep(depth) {
				f.addCell(row, path, k, v, schema.TypeComplex)
				continue
			}
			f.walkMap(row, childPath(path, k), v, depth+1)
		case []interface{}:
			if f.tooDeep(depth) {
				f.addCell(row, path, k, v, schema.TypeComplex)
				continue
			}
			table := f.childTable(row.table, path, k)
			for i, elem := range v {
				row.children = append(row.children, f.listElement(table, row, i, elem, depth+1))
			}
		default:
			f.addCell(row, path, k, v, schema.InferType(v))
		}
	}
}

// listElement builds the child row for one list element.
func (f *flattener) listElement(table string, parent *flatRow, idx int, elem interface{}, depth int) *flatRow {
	row := &flatRow{
		table:   table,
		parent:  parent.table,
		listIdx: idx,
		rowID:   deterministicRowID(table, parent.rowID, strconv.Itoa(idx)),
		rootID:  parent.rootID,
	}

	switch e := elem.(type) {
	case map[string]interface{}:
		f.walkMap(row, nil, e, depth)
	case []interface{}:
		if f.tooDeep(depth) {
			row.cells = append(row.cells, cell{
				identity: valueColumn, candidate: valueColumn,
				value: e, typ: schema.TypeComplex,
			})
			break
		}
		inner := f.naming.Shorten(table + schema.NestingSeparator + valueColumn)
		for i, el := range e {
			row.children = append(row.children, f.listElement(inner, row, i, el, depth+1))
		}
	default:
		row.cells = append(row.cells, cell{
			identity: valueColumn, candidate: valueColumn,
			value: e, typ: schema.InferType(e), nullable: e == nil,
		})
	}

	row.cells = append(row.cells, linkCell(models.ParentIDColumn, parent.rowID))
	if f.rootMerge {
		row.cells = append(row.cells, linkCell(models.RootIDColumn, row.rootID))
	}
	row.cells = append(row.cells, linkCell(models.RowIDColumn, row.rowID))
	row.cells = append(row.cells, cell{
		identity: models.ListIdxColumn, candidate: models.ListIdxColumn,
		value: idx, typ: schema.TypeInt, linkage: true,
	})
	return row
}

// valueColumn holds scalar list elements in child tables.
const valueColumn = "value"

// tooDeep reports whether expanding a subtree at this depth would exceed
// the nesting limit; the subtree is stored as a complex value instead.
// A zero limit disables the check.
func (f *flattener) tooDeep(depth int) bool {
	return f.maxDepth > 0 && depth+1 > f.maxDepth
}

func (f *flattener) addCell(row *flatRow, path []string, field string, v interface{}, typ schema.DataType) {
	c := cell{
		identity:  dotIdentity(path, field),
		candidate: f.columnName(path, field),
		value:     v,
		typ:       typ,
		nullable:  v == nil,
	}
	if row.parent == "" && len(path) == 0 {
		c.mergeKey = f.mergeKeys[field]
		c.primaryKey = f.primKeys[field]
	}
	row.cells = append(row.cells, c)
}

// columnName builds the normalized column name for a (possibly nested)
// field.
func (f *flattener) columnName(path []string, field string) string {
	if len(path) == 0 {
		return f.naming.NormalizeIdentifier(field)
	}
	return f.naming.NormalizePath(childPath(path, field)...)
}

// childTable names the child table spawned by a list field at a nested
// path.
func (f *flattener) childTable(parent string, path []string, field string) string {
	return f.naming.Shorten(parent + schema.NestingSeparator + f.columnName(path, field))
}

func linkCell(name, id string) cell {
	return cell{identity: name, candidate: name, value: id, typ: schema.TypeText, linkage: true}
}

// dotIdentity is the field's identity label: the raw name, or the dotted
// raw path for nested fields.
func dotIdentity(path []string, field string) string {
	if len(path) == 0 {
		return field
	}
	return strings.Join(path, ".") + "." + field
}

// childPath copies path and appends segments; the copy keeps recursion
// levels from aliasing one backing array.
func childPath(path []string, segments ...string) []string {
	p := make([]string, 0, len(path)+len(segments))
	p = append(p, path...)
	return append(p, segments...)
}

// collectRows lists the row tree depth-first, root first.
func collectRows(root *flatRow, out []*flatRow) []*flatRow {
	out = append(out, root)
	for _, c := range root.children {
		out = collectRows(c, out)
	}
	return out
}

// deterministicRowID hashes a table name and id parts into a stable 32-hex
// row id.
func deterministicRowID(table string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(table))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// keyString canonicalizes a merge key value for id derivation.
func keyString(v interface{}) string {
	raw, err := jsonpool.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
