package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

func testDestination(t *testing.T) (*Destination, string) {
	t.Helper()
	root := t.TempDir()
	d := New()
	cfg := &config.DestinationConfig{
		Type:         "filesystem",
		Dataset:      "analytics",
		Credentials:  map[string]string{"uri": root},
		SystemTables: true,
	}
	require.NoError(t, d.Open(context.Background(), cfg))
	t.Cleanup(func() { d.Close(context.Background()) })
	return d, root
}

func writeDataFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func ordersSchema() *schema.Schema {
	sch := schema.NewSchema("analytics")
	orders := schema.NewTable("orders", schema.DispositionReplace)
	orders.AddColumn(&schema.Column{Name: "id", SourceName: "id", Type: schema.TypeInt})
	orders.AddColumn(&schema.Column{Name: models.RowIDColumn, Type: schema.TypeText, Linkage: true})
	sch.Tables[orders.Name] = orders

	items := schema.NewTable("orders__items", schema.DispositionAppend)
	items.Parent = "orders"
	items.AddColumn(&schema.Column{Name: "sku", SourceName: "sku", Type: schema.TypeText, Nullable: true})
	sch.Tables[items.Name] = items

	sch.VersionHash = sch.ContentHash()
	return sch
}

func TestSplitURI(t *testing.T) {
	tests := []struct {
		raw    string
		scheme string
		bucket string
		prefix string
	}{
		{"/var/strata/out", "file", "/var/strata/out", ""},
		{"file:///var/strata/out", "file", "/var/strata/out", ""},
		{"s3://warehouse/raw/strata", "s3", "warehouse", "raw/strata"},
		{"s3://warehouse", "s3", "warehouse", ""},
		{"gs://lake/exports/", "gs", "lake", "exports"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			scheme, bucket, prefix, err := splitURI(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.prefix, prefix)
		})
	}
}

func TestSplitURIRejectsMissingBucket(t *testing.T) {
	_, _, _, err := splitURI("s3://")
	require.Error(t, err)
}

func TestOpenRequiresURI(t *testing.T) {
	err := New().Open(context.Background(), &config.DestinationConfig{Dataset: "analytics"})
	require.Error(t, err)
	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeConfig, typed.Type)
}

func TestLoadFileWritesDeterministicObject(t *testing.T) {
	d, root := testDestination(t)
	data := writeDataFile(t, t.TempDir(), "000001.jsonl", `{"id":1}`+"\n")

	job := &core.LoadJob{
		LoadID: "1755432000000000000",
		Table:  "orders",
		JobID:  "000001",
		Path:   data,
		Codec:  compression.None,
		Rows:   1,
		Bytes:  9,
	}

	res := d.LoadFile(context.Background(), job)
	require.True(t, res.Ok(), "load failed: %v", res.Err)
	assert.Equal(t, int64(1), res.Rows)

	object := filepath.Join(root, "analytics", "orders", "1755432000000000000.000001.jsonl")
	content, err := os.ReadFile(object)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`+"\n", string(content))

	// A rerun of the same job overwrites the same object.
	res = d.LoadFile(context.Background(), job)
	require.True(t, res.Ok())
	entries, err := os.ReadDir(filepath.Join(root, "analytics", "orders"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadFileKeepsCodecExtension(t *testing.T) {
	d, root := testDestination(t)
	data := writeDataFile(t, t.TempDir(), "000001.jsonl.gz", "compressed-bytes")

	res := d.LoadFile(context.Background(), &core.LoadJob{
		LoadID: "1755432000000000000",
		Table:  "events",
		JobID:  "000001",
		Path:   data,
		Codec:  compression.Gzip,
		Rows:   3,
	})
	require.True(t, res.Ok())

	_, err := os.Stat(filepath.Join(root, "analytics", "events", "1755432000000000000.000001.jsonl.gz"))
	require.NoError(t, err)
}

func TestLoadFileRejectsStaging(t *testing.T) {
	d, _ := testDestination(t)
	res := d.LoadFile(context.Background(), &core.LoadJob{
		LoadID: "1", Table: "orders", JobID: "000001", Staging: true,
	})
	assert.Equal(t, core.OutcomeTerminal, res.Outcome)
}

func TestReplaceClearsTablePrefixes(t *testing.T) {
	d, root := testDestination(t)
	sch := ordersSchema()
	dir := t.TempDir()

	load := func(loadID, table string) {
		data := writeDataFile(t, dir, loadID+"."+table+".jsonl", `{"id":1}`)
		res := d.LoadFile(context.Background(), &core.LoadJob{
			LoadID: loadID, Table: table, JobID: "000001", Path: data, Codec: compression.None, Rows: 1,
		})
		require.True(t, res.Ok())
	}
	load("100", "orders")
	load("100", "orders__items")
	load("100", "orders_audit")

	res := d.MergeTable(context.Background(), &core.MergeTask{
		LoadID:   "200",
		Schema:   sch,
		Table:    sch.Table("orders"),
		Children: []*schema.Table{sch.Table("orders__items")},
		Strategy: config.ReplaceTruncateInsert,
	})
	require.True(t, res.Ok(), "replace failed: %v", res.Err)

	_, err := os.Stat(filepath.Join(root, "analytics", "orders"))
	assert.True(t, os.IsNotExist(err), "orders prefix should be cleared")
	_, err = os.Stat(filepath.Join(root, "analytics", "orders__items"))
	assert.True(t, os.IsNotExist(err), "child prefix should be cleared")

	// Similarly named sibling tables survive a replace.
	_, err = os.Stat(filepath.Join(root, "analytics", "orders_audit"))
	assert.NoError(t, err)
}

func TestMergeStrategyIsTerminal(t *testing.T) {
	d, _ := testDestination(t)
	sch := ordersSchema()

	res := d.MergeTable(context.Background(), &core.MergeTask{
		LoadID: "1", Schema: sch, Table: sch.Table("orders"),
	})
	assert.Equal(t, core.OutcomeTerminal, res.Outcome)
	typed, ok := errors.As(res.Err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeCapability, typed.Type)
}

func TestCompleteLoadWritesSystemObjects(t *testing.T) {
	d, root := testDestination(t)
	sch := ordersSchema()
	sch.Version = 3

	err := d.CompleteLoad(context.Background(), &core.LoadCommit{
		LoadID:     "1755432000000000000",
		SchemaName: "analytics",
		Schema:     sch,
		Status:     "loaded",
	})
	require.NoError(t, err)

	record, err := os.ReadFile(filepath.Join(root, "analytics", "_strata", "loads", "1755432000000000000.json"))
	require.NoError(t, err)
	assert.Contains(t, string(record), `"status": "loaded"`)
	assert.Contains(t, string(record), sch.VersionHash)

	_, err = os.Stat(filepath.Join(root, "analytics", "_strata", "schema", "v3_"+sch.VersionHash+".json"))
	require.NoError(t, err)
}

func TestCompleteLoadSkippedWithoutSystemTables(t *testing.T) {
	root := t.TempDir()
	d := New()
	cfg := &config.DestinationConfig{
		Dataset:     "analytics",
		Credentials: map[string]string{"uri": root},
	}
	require.NoError(t, d.Open(context.Background(), cfg))
	defer d.Close(context.Background())

	require.NoError(t, d.CompleteLoad(context.Background(), &core.LoadCommit{
		LoadID: "1", SchemaName: "analytics", Schema: ordersSchema(), Status: "loaded",
	}))
	_, err := os.Stat(filepath.Join(root, "analytics", "_strata"))
	assert.True(t, os.IsNotExist(err))
}

func TestCapabilitiesAdvertiseNoMerge(t *testing.T) {
	caps := New().Capabilities()
	assert.False(t, caps.SupportsMerge)
	assert.False(t, caps.SupportsStagedReplace)
	assert.True(t, caps.SupportsSystemTables)
}
