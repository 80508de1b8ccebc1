package sqlbase

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// testDialect is a minimal ANSI-ish dialect for asserting statement text.
type testDialect struct {
	schemas  bool
	maxIdent int
}

func (testDialect) Name() string             { return "test" }
func (testDialect) Quote(s string) string    { return `"` + s + `"` }
func (testDialect) Placeholder(p int) string { return "$" + strconv.Itoa(p) }

func (testDialect) TypeDDL(c *schema.Column) string {
	switch c.Type {
	case schema.TypeInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

func (d testDialect) SupportsSchemas() bool { return d.schemas }

func (d testDialect) CreateSchemaSQL(name string) string {
	if !d.schemas {
		return ""
	}
	return "CREATE SCHEMA IF NOT EXISTS " + d.Quote(name)
}

func (testDialect) TruncateSQL(qualified string) string { return "TRUNCATE TABLE " + qualified }

func (testDialect) ColumnsQuery(schemaName, table string) (string, []interface{}) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2",
		[]interface{}{schemaName, table}
}

func (testDialect) MaxParams() int       { return 1000 }
func (d testDialect) MaxIdentifier() int { return d.maxIdent }
func (testDialect) NativeTemporal() bool { return true }

func mergeFamily() (*schema.Table, *schema.Table) {
	orders := schema.NewTable("orders", schema.DispositionMerge)
	orders.AddColumn(&schema.Column{Name: "id", Type: schema.TypeInt, MergeKey: true})
	orders.AddColumn(&schema.Column{Name: "total", Type: schema.TypeFloat, Nullable: true})
	orders.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})

	items := schema.NewTable("orders__items", schema.DispositionAppend)
	items.Parent = "orders"
	items.AddColumn(&schema.Column{Name: "sku", Type: schema.TypeText, Nullable: true})
	items.AddColumn(&schema.Column{Name: models.ParentIDColumn, Type: schema.TypeText, Linkage: true})
	items.AddColumn(&schema.Column{Name: models.RootIDColumn, Type: schema.TypeText, Linkage: true})
	items.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})
	return orders, items
}

func TestCreateTableSQL(t *testing.T) {
	orders, _ := mergeFamily()

	t.Run("qualified", func(t *testing.T) {
		got := CreateTableSQL(testDialect{schemas: true}, "analytics", orders.Name, orders)
		assert.Equal(t,
			`CREATE TABLE IF NOT EXISTS "analytics"."orders" ("id" BIGINT, "total" DOUBLE PRECISION, "_row_id" TEXT)`,
			got)
	})

	t.Run("no schema support", func(t *testing.T) {
		got := CreateTableSQL(testDialect{}, "analytics", orders.Name, orders)
		assert.True(t, strings.HasPrefix(got, `CREATE TABLE IF NOT EXISTS "orders" (`), got)
	})
}

func TestAddColumnSQL(t *testing.T) {
	got := AddColumnSQL(testDialect{schemas: true}, "analytics", "orders",
		&schema.Column{Name: "note", Type: schema.TypeText, Nullable: true})
	assert.Equal(t, `ALTER TABLE "analytics"."orders" ADD COLUMN "note" TEXT`, got)
}

func TestInsertSQLNumbersPlaceholdersAcrossRows(t *testing.T) {
	got := InsertSQL(testDialect{}, `"orders"`, []string{"id", "total"}, 3)
	assert.Equal(t,
		`INSERT INTO "orders" ("id", "total") VALUES ($1, $2), ($3, $4), ($5, $6)`,
		got)
}

func TestMergeSQL(t *testing.T) {
	orders, items := mergeFamily()
	d := testDialect{schemas: true}
	task := &core.MergeTask{LoadID: "1700", Table: orders, Children: []*schema.Table{items}}

	stmts, cleanup := MergeSQL(d, "analytics", "stage", task)
	require.Len(t, stmts, 4)

	// Children are deleted through the root linkage before the root rows.
	assert.Contains(t, stmts[0], `DELETE FROM "analytics"."orders__items" WHERE EXISTS`)
	assert.Contains(t, stmts[0], `s."_row_id" = "analytics"."orders__items"."_root_id"`)
	assert.Contains(t, stmts[1], `DELETE FROM "analytics"."orders" WHERE EXISTS`)
	assert.Contains(t, stmts[1], `s."id" = "analytics"."orders"."id"`)

	// Root insert dedups by merge key; child insert dedups by row id.
	assert.Contains(t, stmts[2], `INSERT INTO "analytics"."orders"`)
	assert.Contains(t, stmts[2], `ROW_NUMBER() OVER (PARTITION BY "id" ORDER BY "_row_id")`)
	assert.Contains(t, stmts[2], `WHERE s."_strata_rn" = 1`)
	assert.Contains(t, stmts[3], `INSERT INTO "analytics"."orders__items"`)
	assert.Contains(t, stmts[3], `PARTITION BY "_row_id"`)

	require.Len(t, cleanup, 2)
	assert.Equal(t, `DROP TABLE IF EXISTS "stage"."orders__staging_1700"`, cleanup[0])
	assert.Equal(t, `DROP TABLE IF EXISTS "stage"."orders__items__staging_1700"`, cleanup[1])
}

func TestMergeSQLKeyFallback(t *testing.T) {
	d := testDialect{}

	pk := schema.NewTable("users", schema.DispositionMerge)
	pk.AddColumn(&schema.Column{Name: "uid", Type: schema.TypeInt, PrimaryKey: true})
	pk.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})
	stmts, _ := MergeSQL(d, "", "stage", &core.MergeTask{LoadID: "1", Table: pk})
	assert.Contains(t, stmts[0], `s."uid" = "users"."uid"`)

	bare := schema.NewTable("logs", schema.DispositionMerge)
	bare.AddColumn(&schema.Column{Name: "msg", Type: schema.TypeText, Nullable: true})
	bare.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})
	stmts, _ = MergeSQL(d, "", "stage", &core.MergeTask{LoadID: "1", Table: bare})
	assert.Contains(t, stmts[0], `s."_row_id" = "logs"."_row_id"`)
}

func TestStagedReplaceSQL(t *testing.T) {
	orders, items := mergeFamily()
	d := testDialect{schemas: true}
	task := &core.MergeTask{LoadID: "1700", Table: orders, Children: []*schema.Table{items}}

	stmts, cleanup := StagedReplaceSQL(d, "analytics", "stage", task)
	require.Len(t, stmts, 4)
	assert.Equal(t, `DELETE FROM "analytics"."orders"`, stmts[0])
	assert.Equal(t, `DELETE FROM "analytics"."orders__items"`, stmts[1])
	assert.Contains(t, stmts[2], `INSERT INTO "analytics"."orders" (`)
	assert.Contains(t, stmts[2], `FROM "stage"."orders__staging_1700"`)
	assert.Contains(t, stmts[3], `FROM "stage"."orders__items__staging_1700"`)
	assert.Len(t, cleanup, 2)
}

func TestTruncateStatements(t *testing.T) {
	orders, items := mergeFamily()
	got := TruncateStatements(testDialect{schemas: true}, "analytics",
		&core.MergeTask{Table: orders, Children: []*schema.Table{items}})
	assert.Equal(t, []string{
		`TRUNCATE TABLE "analytics"."orders"`,
		`TRUNCATE TABLE "analytics"."orders__items"`,
	}, got)
}

func TestStagingTable(t *testing.T) {
	d := testDialect{maxIdent: 30}

	assert.Equal(t, "orders__staging_1700", StagingTable(d, "orders", "1700"))
	// Load ids sanitize to identifier-safe characters.
	assert.Equal(t, "orders__staging_17_00_a", StagingTable(d, "orders", "17-00.A"))

	long := StagingTable(d, "a_very_long_table_name", "1700000000000000001")
	assert.Len(t, long, 30)
	assert.NotContains(t, long, "1700000000000000001")

	// Distinct long names stay distinct after shortening.
	other := StagingTable(d, "a_very_long_table_name", "1700000000000000002")
	assert.Len(t, other, 30)
	assert.NotEqual(t, long, other)

	// No limit means no shortening.
	free := StagingTable(testDialect{}, "a_very_long_table_name", "1700000000000000001")
	assert.Equal(t, "a_very_long_table_name__staging_1700000000000000001", free)
}

func TestSystemTableDefs(t *testing.T) {
	loads := LoadsTableDef()
	assert.Equal(t, models.LoadsTable, loads.Name)
	require.NotNil(t, loads.Column("load_id"))
	require.NotNil(t, loads.Column("schema_version_hash"))

	ver := VersionTableDef()
	assert.Equal(t, models.VersionTable, ver.Name)
	require.NotNil(t, ver.Column("version_hash"))
	assert.Equal(t, schema.TypeComplex, ver.Column("schema").Type)
}
