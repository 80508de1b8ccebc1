package schema

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/logger"
)

// Contract is the policy governing automatic schema evolution.
type Contract string

const (
	// ContractEvolve applies all discovered tables, columns, and type
	// promotions.
	ContractEvolve Contract = "evolve"
	// ContractFreeze rejects any structural change with a contract
	// violation, leaving the stored schema untouched.
	ContractFreeze Contract = "freeze"
	// ContractDiscard admits new columns into the schema but flags them so
	// their values are stripped from rows; rows for unknown tables are
	// dropped wholesale and nonconforming values are nulled.
	ContractDiscard Contract = "discard"
)

// Delta is a structural discovery submitted to Merge: tables and columns
// observed in records, with inferred types and original source labels.
type Delta struct {
	Tables []*TableDelta
}

// TableDelta describes one table's discovered structure.
type TableDelta struct {
	// Name is the normalized table name.
	Name string
	// Parent and Resource are set when the table is first discovered.
	Parent   string
	Resource string
	// Disposition applies when the table is created.
	Disposition WriteDisposition
	// Columns discovered in this delta. When SourceName is set, Name is a
	// pre-normalized candidate (flattened paths keep their separators) and
	// SourceName is the field's identity label; otherwise Name is the raw
	// label and the engine normalizes it. Type is the inferred value type.
	Columns []*Column
}

// Table returns the delta entry for a table, creating it on first use.
func (d *Delta) Table(name string) *TableDelta {
	for _, td := range d.Tables {
		if td.Name == name {
			return td
		}
	}
	td := &TableDelta{Name: name}
	d.Tables = append(d.Tables, td)
	return td
}

// Empty reports whether the delta carries no structure.
func (d *Delta) Empty() bool {
	if d == nil {
		return true
	}
	for _, td := range d.Tables {
		if len(td.Columns) > 0 {
			return false
		}
	}
	return len(d.Tables) == 0
}

// Applied reports what Merge did with a delta, including the final column
// name for every submitted source label.
type Applied struct {
	// Changed is true when the working schema was structurally modified.
	Changed bool
	// NewTables lists tables created by this merge.
	NewTables []string
	// DroppedTables lists tables whose rows must be dropped wholesale
	// (discard contract, table unknown to the schema).
	DroppedTables []string
	// NewColumns, Promoted, Discarded, and Stripped map table name to
	// affected column names. Discarded columns were admitted but flagged;
	// Stripped columns keep their type and lose nonconforming values.
	NewColumns map[string][]string
	Promoted   map[string][]string
	Discarded  map[string][]string
	Stripped   map[string][]string
	// Names maps table name to source label to final column name.
	Names map[string]map[string]string
}

func newApplied() *Applied {
	return &Applied{
		NewColumns: make(map[string][]string),
		Promoted:   make(map[string][]string),
		Discarded:  make(map[string][]string),
		Stripped:   make(map[string][]string),
		Names:      make(map[string]map[string]string),
	}
}

func (a *Applied) names(table string) map[string]string {
	m := a.Names[table]
	if m == nil {
		m = make(map[string]string)
		a.Names[table] = m
	}
	return m
}

// TableDropped reports whether rows for the table must be dropped.
func (a *Applied) TableDropped(table string) bool {
	for _, t := range a.DroppedTables {
		if t == table {
			return true
		}
	}
	return false
}

// Engine owns the mutable schema. Mutation is single-writer: Merge and
// Commit serialize on one lock held only for the diff-and-merge step, while
// Snapshot hands out immutable schema snapshots lock-free.
type Engine struct {
	naming   Naming
	contract Contract
	log      *zap.Logger

	writeMu sync.Mutex
	current atomic.Pointer[Schema]
}

// NewEngine creates an engine around an existing schema snapshot.
func NewEngine(sch *Schema, naming Naming, contract Contract) *Engine {
	if contract == "" {
		contract = ContractEvolve
	}
	e := &Engine{
		naming:   naming,
		contract: contract,
		log: logger.Get().With(
			zap.String("component", "schema_engine"),
			zap.String("schema", sch.Name),
		),
	}
	e.current.Store(sch)
	return e
}

// Snapshot returns the current immutable schema snapshot.
func (e *Engine) Snapshot() *Schema {
	return e.current.Load()
}

// Naming returns the engine's naming rules.
func (e *Engine) Naming() Naming {
	return e.naming
}

// Contract returns the engine's contract mode.
func (e *Engine) Contract() Contract {
	return e.contract
}

// Merge applies a structural delta to the schema under the configured
// contract. Under freeze, any new table, new column, or type promotion
// returns a contract violation and the stored schema is left untouched.
// The returned Applied carries final column names for every source label
// in the delta.
func (e *Engine) Merge(delta *Delta) (*Applied, error) {
	if delta.Empty() {
		return newApplied(), nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.current.Load()

	if e.contract == ContractFreeze {
		if err := e.checkFrozen(cur, delta); err != nil {
			return nil, err
		}
		return e.resolveKnown(cur, delta), nil
	}

	next := cur.Clone()
	applied := newApplied()

	for _, td := range delta.Tables {
		table := next.Table(td.Name)
		if table == nil {
			if e.contract == ContractDiscard {
				applied.DroppedTables = append(applied.DroppedTables, td.Name)
				e.log.Debug("dropping rows for table outside schema contract",
					zap.String("table", td.Name))
				continue
			}

			table = NewTable(td.Name, td.Disposition)
			table.Parent = td.Parent
			table.Resource = td.Resource
			next.Tables[td.Name] = table
			applied.NewTables = append(applied.NewTables, td.Name)
			applied.Changed = true
		}

		names := applied.names(td.Name)

		for _, col := range td.Columns {
			source := col.Source()

			if existing := table.ColumnBySource(source, e.naming.CaseFold); existing != nil {
				names[source] = existing.Name
				if col.Nullable && !existing.Nullable {
					existing.Nullable = true
					applied.Changed = true
				}
				if promoted := Promote(existing.Type, col.Type); promoted != existing.Type {
					if e.contract == ContractDiscard {
						applied.Stripped[td.Name] = append(applied.Stripped[td.Name], existing.Name)
						e.log.Debug("stripping values outside column type",
							zap.String("table", td.Name),
							zap.String("column", existing.Name),
							zap.String("column_type", string(existing.Type)),
							zap.String("value_type", string(col.Type)))
					} else {
						existing.Type = promoted
						applied.Promoted[td.Name] = append(applied.Promoted[td.Name], existing.Name)
						applied.Changed = true
					}
				}
				continue
			}

			base := col.Name
			if col.SourceName == "" {
				base = e.naming.NormalizeIdentifier(col.Name)
			}
			final := resolveCollision(table, e.naming, base)
			nc := col.Clone()
			nc.Name = final
			if final != source {
				nc.SourceName = source
			} else {
				nc.SourceName = ""
			}

			if e.contract == ContractDiscard {
				nc.Discarded = true
				applied.Discarded[td.Name] = append(applied.Discarded[td.Name], final)
				e.log.Debug("admitting discarded column",
					zap.String("table", td.Name),
					zap.String("column", final))
			} else {
				applied.NewColumns[td.Name] = append(applied.NewColumns[td.Name], final)
			}

			table.AddColumn(nc)
			names[source] = final
			applied.Changed = true
		}
	}

	if applied.Changed {
		e.current.Store(next)
	}

	return applied, nil
}

// Commit bumps the schema version if structure changed since the last
// commit and returns the resulting snapshot.
func (e *Engine) Commit() (*Schema, bool) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.current.Load()
	next := cur.Clone()
	if !next.Bump() {
		return cur, false
	}

	e.current.Store(next)
	e.log.Info("schema version bumped",
		zap.Int("version", next.Version),
		zap.String("version_hash", next.HashTag()))
	return next, true
}

// checkFrozen validates a delta against a frozen schema without mutating
// anything.
func (e *Engine) checkFrozen(cur *Schema, delta *Delta) error {
	for _, td := range delta.Tables {
		table := cur.Table(td.Name)
		if table == nil {
			return errors.Newf(errors.ErrorTypeContract,
				"schema contract violation: table %q is not defined in frozen schema %q", td.Name, cur.Name)
		}
		for _, col := range td.Columns {
			source := col.Source()
			existing := table.ColumnBySource(source, e.naming.CaseFold)
			if existing == nil {
				return errors.Newf(errors.ErrorTypeContract,
					"schema contract violation: column %q is not defined in frozen table %q", source, td.Name)
			}
			if promoted := Promote(existing.Type, col.Type); promoted != existing.Type {
				return errors.Newf(errors.ErrorTypeContract,
					"schema contract violation: %s value does not fit column %q (%s) in frozen table %q",
					col.Type, existing.Name, existing.Type, td.Name)
			}
		}
	}
	return nil
}

// resolveKnown maps every delta source label to its existing column under
// a frozen schema.
func (e *Engine) resolveKnown(cur *Schema, delta *Delta) *Applied {
	applied := newApplied()
	for _, td := range delta.Tables {
		table := cur.Table(td.Name)
		if table == nil {
			continue
		}
		names := applied.names(td.Name)
		for _, col := range td.Columns {
			if existing := table.ColumnBySource(col.Source(), e.naming.CaseFold); existing != nil {
				names[col.Source()] = existing.Name
			}
		}
	}
	return applied
}

// resolveCollision picks the final name for a new column: the candidate
// itself, or the first free deterministic numeric suffix when another
// source label already claimed it.
func resolveCollision(t *Table, naming Naming, candidate string) string {
	if t.Column(candidate) == nil {
		return candidate
	}
	for i := 2; ; i++ {
		suffixed := naming.Shorten(fmt.Sprintf("%s_%d", candidate, i))
		if t.Column(suffixed) == nil {
			return suffixed
		}
	}
}
