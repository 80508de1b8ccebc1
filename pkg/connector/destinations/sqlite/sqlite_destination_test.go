package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

func TestDialectDDL(t *testing.T) {
	d := dialect{}
	assert.Equal(t, "INTEGER", d.TypeDDL(&schema.Column{Type: schema.TypeInt}))
	assert.Equal(t, "INTEGER", d.TypeDDL(&schema.Column{Type: schema.TypeBool}))
	assert.Equal(t, "REAL", d.TypeDDL(&schema.Column{Type: schema.TypeFloat}))
	assert.Equal(t, "BLOB", d.TypeDDL(&schema.Column{Type: schema.TypeBinary}))
	assert.Equal(t, "TEXT", d.TypeDDL(&schema.Column{Type: schema.TypeDecimal}))
	assert.Equal(t, "TEXT", d.TypeDDL(&schema.Column{Type: schema.TypeTimestamp}))

	assert.Equal(t, `"odd""name"`, d.Quote(`odd"name`))
	assert.Equal(t, `DELETE FROM "orders"`, d.TruncateSQL(`"orders"`))
	assert.False(t, d.SupportsSchemas())
	assert.False(t, d.NativeTemporal())
}

func mergeSchema() *schema.Schema {
	sch := schema.NewSchema("shop")

	orders := schema.NewTable("orders", schema.DispositionMerge)
	orders.Resource = "orders"
	orders.AddColumn(&schema.Column{Name: "id", Type: schema.TypeInt, MergeKey: true})
	orders.AddColumn(&schema.Column{Name: "total", Type: schema.TypeFloat, Nullable: true})
	orders.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})
	sch.Tables[orders.Name] = orders

	items := schema.NewTable("orders__items", schema.DispositionAppend)
	items.Parent = "orders"
	items.Resource = "orders"
	items.AddColumn(&schema.Column{Name: "sku", Type: schema.TypeText, Nullable: true})
	items.AddColumn(&schema.Column{Name: models.ParentIDColumn, Type: schema.TypeText, Linkage: true})
	items.AddColumn(&schema.Column{Name: models.RootIDColumn, Type: schema.TypeText, Linkage: true})
	items.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})
	sch.Tables[items.Name] = items

	sch.VersionHash = sch.ContentHash()
	return sch
}

func openTestDestination(t *testing.T) *Destination {
	t.Helper()
	cfg := &config.DestinationConfig{
		Type:         "sqlite",
		Credentials:  map[string]string{"path": filepath.Join(t.TempDir(), "test.db")},
		SystemTables: true,
	}
	dest := New()
	require.NoError(t, dest.Open(context.Background(), cfg))
	t.Cleanup(func() { _ = dest.Close(context.Background()) })
	return dest
}

func writeDataFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func stage(t *testing.T, dest *Destination, sch *schema.Schema, loadID, table string, lines ...string) {
	t.Helper()
	res := dest.LoadFile(context.Background(), &core.LoadJob{
		LoadID:  loadID,
		Table:   table,
		JobID:   "job-" + table,
		Path:    writeDataFile(t, lines...),
		Codec:   compression.None,
		Schema:  sch,
		Staging: true,
	})
	require.True(t, res.Ok(), "stage %s: %v", table, res.Err)
}

func tableCount(t *testing.T, dest *Destination, table string) int {
	t.Helper()
	var n int
	require.NoError(t, dest.DB().QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestDestinationMergeRoundTrip(t *testing.T) {
	dest := openTestDestination(t)
	sch := mergeSchema()
	ctx := context.Background()

	require.NoError(t, dest.PrepareSchema(ctx, sch, sch.TableNames()))
	// Preparing again is a no-op.
	require.NoError(t, dest.PrepareSchema(ctx, sch, sch.TableNames()))

	task := &core.MergeTask{
		LoadID:   "100",
		Schema:   sch,
		Table:    sch.Table("orders"),
		Children: []*schema.Table{sch.Table("orders__items")},
	}

	// The root file carries a duplicated staged row; merge keeps one.
	stage(t, dest, sch, "100", "orders",
		`{"id":1,"total":9.5,"_row_id":"r1"}`,
		`{"id":1,"total":9.5,"_row_id":"r1"}`,
		`{"id":2,"total":3.25,"_row_id":"r2"}`)
	stage(t, dest, sch, "100", "orders__items",
		`{"sku":"a","_parent_id":"r1","_root_id":"r1","_row_id":"i1"}`,
		`{"sku":"b","_parent_id":"r1","_root_id":"r1","_row_id":"i2"}`)

	res := dest.MergeTable(ctx, task)
	require.True(t, res.Ok(), "merge: %v", res.Err)

	assert.Equal(t, 2, tableCount(t, dest, "orders"))
	assert.Equal(t, 2, tableCount(t, dest, "orders__items"))

	var total float64
	require.NoError(t, dest.DB().QueryRow(`SELECT "total" FROM "orders" WHERE "id" = 1`).Scan(&total))
	assert.Equal(t, 9.5, total)

	// A later package updates order 1 and drops its items. The child rows
	// vanish through the root linkage.
	task2 := &core.MergeTask{
		LoadID:   "200",
		Schema:   sch,
		Table:    sch.Table("orders"),
		Children: []*schema.Table{sch.Table("orders__items")},
	}
	stage(t, dest, sch, "200", "orders", `{"id":1,"total":11,"_row_id":"r1"}`)
	res = dest.MergeTable(ctx, task2)
	require.True(t, res.Ok(), "second merge: %v", res.Err)

	assert.Equal(t, 2, tableCount(t, dest, "orders"))
	assert.Equal(t, 0, tableCount(t, dest, "orders__items"))
	require.NoError(t, dest.DB().QueryRow(`SELECT "total" FROM "orders" WHERE "id" = 1`).Scan(&total))
	assert.Equal(t, 11.0, total)

	// Staging tables are dropped after the swap.
	var stagings int
	require.NoError(t, dest.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE '%__staging_%'`).Scan(&stagings))
	assert.Zero(t, stagings)
}

func TestPrepareSchemaAddsNewColumns(t *testing.T) {
	dest := openTestDestination(t)
	sch := mergeSchema()
	ctx := context.Background()

	require.NoError(t, dest.PrepareSchema(ctx, sch, []string{"orders"}))

	sch.Table("orders").AddColumn(&schema.Column{Name: "status", Type: schema.TypeText, Nullable: true})
	require.NoError(t, dest.PrepareSchema(ctx, sch, []string{"orders"}))

	var n int
	require.NoError(t, dest.DB().QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('orders') WHERE name = 'status'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestCompleteLoadIsIdempotentPerLoad(t *testing.T) {
	dest := openTestDestination(t)
	sch := mergeSchema()
	ctx := context.Background()

	commit := &core.LoadCommit{
		LoadID:     "100",
		SchemaName: "shop",
		Schema:     sch,
		Status:     "loaded",
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, dest.CompleteLoad(ctx, commit))
	// Recovery re-commits the same package after a crash.
	require.NoError(t, dest.CompleteLoad(ctx, commit))

	assert.Equal(t, 1, tableCount(t, dest, models.LoadsTable))
	assert.Equal(t, 1, tableCount(t, dest, models.VersionTable))

	var hash string
	require.NoError(t, dest.DB().QueryRow(
		`SELECT "schema_version_hash" FROM "_strata_loads" WHERE "load_id" = '100'`).Scan(&hash))
	assert.Equal(t, sch.VersionHash, hash)
}

func TestCompleteLoadRespectsSystemTablesToggle(t *testing.T) {
	cfg := &config.DestinationConfig{
		Type:        "sqlite",
		Credentials: map[string]string{"path": filepath.Join(t.TempDir(), "bare.db")},
	}
	dest := New()
	require.NoError(t, dest.Open(context.Background(), cfg))
	defer dest.Close(context.Background())

	sch := mergeSchema()
	require.NoError(t, dest.CompleteLoad(context.Background(), &core.LoadCommit{
		LoadID: "1", SchemaName: "shop", Schema: sch, Status: "loaded",
	}))

	var n int
	require.NoError(t, dest.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE name = '_strata_loads'`).Scan(&n))
	assert.Zero(t, n)
}
