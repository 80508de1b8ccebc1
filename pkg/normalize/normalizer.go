package normalize

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// TableRow is one normalized output row.
type TableRow struct {
	Table string
	Row   models.Row
}

// Normalizer flattens records and evolves the schema through the engine.
// It is safe for concurrent use; workers share the engine's snapshot and
// only records carrying new structure take the merge lock.
type Normalizer struct {
	engine *schema.Engine
	cfg    *config.NormalizeConfig
	hints  map[string]config.ResourceHints
	run    *core.RunContext
	log    *zap.Logger

	mu         sync.Mutex
	flatteners map[string]*flattener
}

// New creates a Normalizer. The hints are the effective per-resource load
// hints recorded in the package manifest at extraction time.
func New(run *core.RunContext, engine *schema.Engine, cfg *config.NormalizeConfig, hints map[string]config.ResourceHints) *Normalizer {
	return &Normalizer{
		engine:     engine,
		cfg:        cfg,
		hints:      hints,
		run:        run,
		log:        run.Logger().With(zap.String("component", "normalizer")),
		flatteners: make(map[string]*flattener),
	}
}

// NormalizeRecord flattens one record into rows for its root table and any
// child tables. New structure is merged into the schema under the
// configured contract; a contract violation fails the record and leaves
// the schema untouched.
func (n *Normalizer) NormalizeRecord(rec *models.Record) ([]TableRow, error) {
	fl := n.flattenerFor(rec.Resource)
	root := fl.flatten(rec.Data)
	rows := collectRows(root, make([]*flatRow, 0, 4))

	snap := n.engine.Snapshot()
	applied, snap, err := n.resolve(snap, rows, fl)
	if err != nil {
		return nil, err
	}

	out := make([]TableRow, 0, len(rows))
	for _, row := range rows {
		if applied != nil && applied.TableDropped(row.table) {
			continue
		}
		if projected := n.project(snap, applied, row); projected != nil {
			out = append(out, TableRow{Table: row.table, Row: projected})
		}
	}

	metrics.RecordsNormalized.WithLabelValues(n.run.Pipeline, fl.rootTable).Inc()
	return out, nil
}

// Commit bumps the schema version if this run discovered new structure and
// returns the schema the package is loaded under.
func (n *Normalizer) Commit() *schema.Schema {
	sch, bumped := n.engine.Commit()
	if bumped {
		metrics.SchemaVersionBumps.WithLabelValues(n.run.Pipeline, sch.Name).Inc()
	}
	return sch
}

func (n *Normalizer) flattenerFor(resource string) *flattener {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fl, ok := n.flatteners[resource]; ok {
		return fl
	}
	fl := newFlattener(n.engine.Naming(), n.cfg, resource, n.hints[resource])
	n.flatteners[resource] = fl
	return fl
}

// resolve maps the rows' cells onto schema columns. The fast path resolves
// everything against the current snapshot without locking; records
// carrying new structure build a delta and go through Merge.
func (n *Normalizer) resolve(snap *schema.Schema, rows []*flatRow, fl *flattener) (*schema.Applied, *schema.Schema, error) {
	if n.structureKnown(snap, rows) {
		return nil, snap, nil
	}

	delta := n.buildDelta(rows, fl)
	applied, err := n.engine.Merge(delta)
	if err != nil {
		return nil, nil, err
	}
	return applied, n.engine.Snapshot(), nil
}

func (n *Normalizer) structureKnown(snap *schema.Schema, rows []*flatRow) bool {
	fold := n.engine.Naming().CaseFold
	for _, row := range rows {
		t := snap.Table(row.table)
		if t == nil {
			return false
		}
		for i := range row.cells {
			c := &row.cells[i]
			col := t.ColumnBySource(c.identity, fold)
			if col == nil {
				return false
			}
			if c.nullable && !col.Nullable {
				return false
			}
			if !schema.Conforms(c.typ, col.Type) {
				return false
			}
		}
	}
	return true
}

func (n *Normalizer) buildDelta(rows []*flatRow, fl *flattener) *schema.Delta {
	delta := &schema.Delta{}
	seen := make(map[string]map[string]bool)

	for _, row := range rows {
		td := delta.Table(row.table)
		if row.parent != "" {
			td.Parent = row.parent
		} else {
			td.Resource = row.resource
		}
		// Child tables load under the root's disposition.
		td.Disposition = fl.disposition

		cols := seen[row.table]
		if cols == nil {
			cols = make(map[string]bool)
			seen[row.table] = cols
		}
		for i := range row.cells {
			c := &row.cells[i]
			if cols[c.identity] {
				continue
			}
			cols[c.identity] = true

			col := &schema.Column{
				Name:       c.candidate,
				Type:       c.typ,
				Nullable:   c.nullable,
				Linkage:    c.linkage,
				MergeKey:   c.mergeKey,
				PrimaryKey: c.primaryKey,
			}
			if c.identity != c.candidate {
				col.SourceName = c.identity
			}
			td.Columns = append(td.Columns, col)
		}
	}
	return delta
}

// project renders a flat row against the resolved schema, dropping values
// for discarded columns and nulling values the column type does not admit.
func (n *Normalizer) project(snap *schema.Schema, applied *schema.Applied, row *flatRow) models.Row {
	t := snap.Table(row.table)
	if t == nil {
		return nil
	}

	fold := n.engine.Naming().CaseFold
	var names map[string]string
	if applied != nil {
		names = applied.Names[row.table]
	}

	out := make(models.Row, len(row.cells))
	for i := range row.cells {
		c := &row.cells[i]

		var col *schema.Column
		if final, ok := names[c.identity]; ok {
			col = t.Column(final)
		} else {
			col = t.ColumnBySource(c.identity, fold)
		}
		if col == nil || col.Discarded {
			continue
		}
		if c.value == nil || !schema.Conforms(c.typ, col.Type) {
			continue
		}
		out[col.Name] = c.value
	}
	return out
}
