package sqlbase

import (
	"strings"

	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// rowNumberAlias is the dedup rank column in merge inserts. Normalized
// data columns never start with an underscore, so it cannot collide.
const rowNumberAlias = "_strata_rn"

// CreateTableSQL builds idempotent DDL for a table. Columns are created
// nullable: later packages may legitimately deliver nulls for a column
// that has only held values so far, and relaxing NOT NULL afterwards is
// not portable.
func CreateTableSQL(d Dialect, dataset, name string, t *schema.Table) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(QuoteQualified(d, dataset, name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c.Name))
		b.WriteByte(' ')
		b.WriteString(d.TypeDDL(c))
	}
	b.WriteString(")")
	return b.String()
}

// AddColumnSQL builds DDL adding one column to an existing table.
func AddColumnSQL(d Dialect, dataset, table string, c *schema.Column) string {
	return "ALTER TABLE " + QuoteQualified(d, dataset, table) +
		" ADD COLUMN " + d.Quote(c.Name) + " " + d.TypeDDL(c)
}

// InsertSQL builds a multi-row INSERT over cols with rows value tuples.
func InsertSQL(d Dialect, qualified string, cols []string, rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified)
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Quote(c))
	}
	b.WriteString(") VALUES ")
	pos := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(pos))
			pos++
		}
		b.WriteString(")")
	}
	return b.String()
}

// MergeSQL builds the delete-insert merge for one root family. Returns
// the statements to run inside the coordinator transaction and the
// staging drops to run after commit (DROP TABLE forces an implicit
// commit on some engines).
//
// Children are deleted through the root id linkage before the root rows,
// so a re-merged root whose lists emptied loses its stale child rows.
// Inserts dedup staged rows with ROW_NUMBER over the merge key; the root
// row id is key-derived, so re-loaded staging files collapse to one row.
func MergeSQL(d Dialect, dataset, staging string, task *core.MergeTask) (stmts, cleanup []string) {
	rootStaging := QuoteQualified(d, staging, StagingTable(d, task.Table.Name, task.LoadID))
	rootFinal := QuoteQualified(d, dataset, task.Table.Name)
	keys := mergeKeyColumns(task.Table)

	for _, child := range task.Children {
		childFinal := QuoteQualified(d, dataset, child.Name)
		stmts = append(stmts,
			"DELETE FROM "+childFinal+" WHERE EXISTS (SELECT 1 FROM "+rootStaging+
				" s WHERE s."+d.Quote(models.RowIDColumn)+" = "+childFinal+"."+d.Quote(models.RootIDColumn)+")")
	}

	var match []string
	for _, k := range keys {
		match = append(match, "s."+d.Quote(k)+" = "+rootFinal+"."+d.Quote(k))
	}
	stmts = append(stmts,
		"DELETE FROM "+rootFinal+" WHERE EXISTS (SELECT 1 FROM "+rootStaging+
			" s WHERE "+strings.Join(match, " AND ")+")")

	stmts = append(stmts, dedupInsertSQL(d, rootFinal, rootStaging, task.Table, keys))
	for _, child := range task.Children {
		childStaging := QuoteQualified(d, staging, StagingTable(d, child.Name, task.LoadID))
		childFinal := QuoteQualified(d, dataset, child.Name)
		stmts = append(stmts, dedupInsertSQL(d, childFinal, childStaging, child, []string{models.RowIDColumn}))
	}

	return stmts, dropStagingSQL(d, staging, task)
}

// dedupInsertSQL inserts staged rows keeping one row per key.
func dedupInsertSQL(d Dialect, final, staging string, t *schema.Table, keys []string) string {
	cols := ColumnNames(t)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = d.Quote(k)
	}
	list := strings.Join(quoted, ", ")
	return "INSERT INTO " + final + " (" + list + ") SELECT " + list +
		" FROM (SELECT " + list + ", ROW_NUMBER() OVER (PARTITION BY " + strings.Join(parts, ", ") +
		" ORDER BY " + d.Quote(models.RowIDColumn) + ") AS " + d.Quote(rowNumberAlias) +
		" FROM " + staging + ") s WHERE s." + d.Quote(rowNumberAlias) + " = 1"
}

// StagedReplaceSQL builds the atomic swap finishing an insert-from-staging
// replace: transactional deletes plus insert-selects, with staging drops
// deferred past commit.
func StagedReplaceSQL(d Dialect, dataset, staging string, task *core.MergeTask) (stmts, cleanup []string) {
	tables := append([]*schema.Table{task.Table}, task.Children...)
	for _, t := range tables {
		stmts = append(stmts, "DELETE FROM "+QuoteQualified(d, dataset, t.Name))
	}
	for _, t := range tables {
		cols := ColumnNames(t)
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = d.Quote(c)
		}
		list := strings.Join(quoted, ", ")
		stmts = append(stmts,
			"INSERT INTO "+QuoteQualified(d, dataset, t.Name)+" ("+list+") SELECT "+list+
				" FROM "+QuoteQualified(d, staging, StagingTable(d, t.Name, task.LoadID)))
	}
	return stmts, dropStagingSQL(d, staging, task)
}

// TruncateStatements clears a replace family ahead of its file jobs.
func TruncateStatements(d Dialect, dataset string, task *core.MergeTask) []string {
	stmts := make([]string, 0, 1+len(task.Children))
	stmts = append(stmts, d.TruncateSQL(QuoteQualified(d, dataset, task.Table.Name)))
	for _, child := range task.Children {
		stmts = append(stmts, d.TruncateSQL(QuoteQualified(d, dataset, child.Name)))
	}
	return stmts
}

func dropStagingSQL(d Dialect, staging string, task *core.MergeTask) []string {
	drops := make([]string, 0, 1+len(task.Children))
	drops = append(drops, "DROP TABLE IF EXISTS "+QuoteQualified(d, staging, StagingTable(d, task.Table.Name, task.LoadID)))
	for _, child := range task.Children {
		drops = append(drops, "DROP TABLE IF EXISTS "+QuoteQualified(d, staging, StagingTable(d, child.Name, task.LoadID)))
	}
	return drops
}

// LoadsTableDef defines the _strata_loads system table.
func LoadsTableDef() *schema.Table {
	return &schema.Table{
		Name: models.LoadsTable,
		Columns: []*schema.Column{
			{Name: "load_id", Type: schema.TypeText},
			{Name: "schema_name", Type: schema.TypeText},
			{Name: "status", Type: schema.TypeText},
			{Name: "inserted_at", Type: schema.TypeTimestamp},
			{Name: "schema_version_hash", Type: schema.TypeText},
		},
	}
}

// VersionTableDef defines the _strata_version system table.
func VersionTableDef() *schema.Table {
	return &schema.Table{
		Name: models.VersionTable,
		Columns: []*schema.Column{
			{Name: "version", Type: schema.TypeInt},
			{Name: "engine_version", Type: schema.TypeInt},
			{Name: "inserted_at", Type: schema.TypeTimestamp},
			{Name: "schema_name", Type: schema.TypeText},
			{Name: "version_hash", Type: schema.TypeText},
			{Name: "schema", Type: schema.TypeComplex},
		},
	}
}
