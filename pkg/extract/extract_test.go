package extract

import (
	"bufio"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/load"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/state"
	"github.com/ajitpratap0/strata/pkg/testutil"
)

type fakeSource struct {
	resources []string
	data      map[string][]models.Row
	hints     map[string]config.ResourceHints
	cursors   map[string]interface{}
	batchSize int
	readErr   error
}

func (f *fakeSource) Open(ctx context.Context, cfg *config.SourceConfig) error { return nil }

func (f *fakeSource) Resources() []string { return f.resources }

func (f *fakeSource) Read(ctx context.Context, resource string, cursor interface{}) (core.RecordBatchIterator, error) {
	if f.cursors == nil {
		f.cursors = make(map[string]interface{})
	}
	f.cursors[resource] = cursor
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &sliceIterator{resource: resource, rows: f.data[resource], batch: f.batchSize}, nil
}

func (f *fakeSource) Close(ctx context.Context) error { return nil }

func (f *fakeSource) Hints(resource string) config.ResourceHints {
	return f.hints[resource]
}

type sliceIterator struct {
	resource string
	rows     []models.Row
	batch    int
	pos      int
}

func (it *sliceIterator) Next(ctx context.Context) (*models.RecordBatch, error) {
	if it.pos >= len(it.rows) {
		return nil, nil
	}
	n := it.batch
	if n <= 0 {
		n = 2
	}
	b := models.NewRecordBatch(n)
	for ; it.pos < len(it.rows) && b.Size() < n; it.pos++ {
		b.Add(models.NewRecord(it.resource, it.rows[it.pos]))
	}
	return b, nil
}

func (it *sliceIterator) Close() error { return nil }

func testRun(t *testing.T) *core.RunContext {
	t.Helper()
	return testutil.TestRunContext(t, "analytics", "1700000000000000000")
}

func newPackage(t *testing.T, dir string) *load.Package {
	t.Helper()
	pkg, err := load.NewManager(dir, "analytics").Create("analytics", nil)
	require.NoError(t, err)
	return pkg
}

// readChunks decodes every committed raw chunk back into records.
func readChunks(t *testing.T, pkg *load.Package) map[string][]models.Row {
	t.Helper()
	out := make(map[string][]models.Row)
	for _, c := range pkg.Manifest.RawChunks {
		f, err := os.Open(pkg.RawChunkPath(c))
		require.NoError(t, err)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var row models.Row
			require.NoError(t, jsonpool.UnmarshalUseNumber(scanner.Bytes(), &row))
			out[c.Resource] = append(out[c.Resource], row)
		}
		require.NoError(t, scanner.Err())
		require.NoError(t, f.Close())
	}
	return out
}

func TestExtractorDrainsResources(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{
		resources: []string{"users", "orders"},
		data: map[string][]models.Row{
			"orders": {{"id": 1, "total": 9.5}, {"id": 2, "total": 3.0}},
			"users":  {{"id": 7, "name": "ada"}},
		},
	}
	pkg := newPackage(t, dir)

	ex := New(testRun(t), src, &config.SourceConfig{}, nil, Options{})
	sum, err := ex.Run(context.Background(), pkg)
	require.NoError(t, err)

	assert.Equal(t, int64(3), sum.Records)
	require.Contains(t, sum.Resources, "orders")
	assert.Equal(t, int64(2), sum.Resources["orders"].Records)
	assert.Equal(t, 1, sum.Resources["orders"].Chunks)
	assert.Nil(t, sum.Resources["orders"].Cursor)

	chunks := readChunks(t, pkg)
	require.Len(t, chunks["orders"], 2)
	assert.Equal(t, jsonpool.Number("1"), chunks["orders"][0]["id"])
	assert.Equal(t, jsonpool.Number("9.5"), chunks["orders"][0]["total"])
	require.Len(t, chunks["users"], 1)
	assert.Equal(t, "ada", chunks["users"][0]["name"])

	// Without incremental config the source is read from scratch.
	assert.Nil(t, src.cursors["orders"])
}

func TestExtractorHonorsResourceSubset(t *testing.T) {
	src := &fakeSource{
		resources: []string{"a", "b", "c"},
		data:      map[string][]models.Row{"b": {{"x": 1}}},
	}
	cfg := &config.SourceConfig{Resources: []string{"b"}}
	ex := New(testRun(t), src, cfg, nil, Options{})
	assert.Equal(t, []string{"b"}, ex.Resources())

	pkg := newPackage(t, t.TempDir())
	sum, err := ex.Run(context.Background(), pkg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Records)
	assert.Len(t, sum.Resources, 1)
}

func TestExtractorRotatesChunks(t *testing.T) {
	rows := make([]models.Row, 5)
	for i := range rows {
		rows[i] = models.Row{"id": i}
	}
	src := &fakeSource{resources: []string{"events"}, data: map[string][]models.Row{"events": rows}, batchSize: 3}
	pkg := newPackage(t, t.TempDir())

	ex := New(testRun(t), src, &config.SourceConfig{}, nil, Options{ChunkRows: 2})
	sum, err := ex.Run(context.Background(), pkg)
	require.NoError(t, err)

	assert.Equal(t, int64(5), sum.Records)
	assert.Equal(t, 3, sum.Resources["events"].Chunks)
	require.Len(t, pkg.Manifest.RawChunks, 3)
	assert.Equal(t, "events.0001.jsonl", pkg.Manifest.RawChunks[0].File)
	assert.Equal(t, int64(2), pkg.Manifest.RawChunks[0].Records)
	assert.Equal(t, int64(1), pkg.Manifest.RawChunks[2].Records)

	chunks := readChunks(t, pkg)
	assert.Len(t, chunks["events"], 5)
}

func TestExtractorEffectiveHints(t *testing.T) {
	src := &fakeSource{
		resources: []string{"orders", "events", "logs"},
		hints: map[string]config.ResourceHints{
			"orders": {WriteDisposition: "merge", PrimaryKey: []string{"id"}},
			"events": {WriteDisposition: "append"},
		},
	}
	cfg := &config.SourceConfig{
		Hints: map[string]config.ResourceHints{
			"orders": {WriteDisposition: "replace"},
		},
		Incremental: map[string]config.IncrementalConfig{
			"events": {CursorPath: "ts", PrimaryKey: []string{"event_id"}},
		},
	}

	hints := New(testRun(t), src, cfg, nil, Options{}).Hints()

	// Config overrides the source hint field-by-field.
	require.Contains(t, hints, "orders")
	assert.Equal(t, "replace", hints["orders"].WriteDisposition)
	assert.Equal(t, []string{"id"}, hints["orders"].PrimaryKey)

	// The incremental primary key backfills a missing hint key.
	require.Contains(t, hints, "events")
	assert.Equal(t, []string{"event_id"}, hints["events"].PrimaryKey)

	assert.NotContains(t, hints, "logs")
}

func TestExtractorSourceErrorKeepsType(t *testing.T) {
	src := &fakeSource{
		resources: []string{"a"},
		readErr:   errors.New(errors.ErrorTypeRateLimit, "slow down"),
	}
	pkg := newPackage(t, t.TempDir())
	_, err := New(testRun(t), src, &config.SourceConfig{}, nil, Options{}).Run(context.Background(), pkg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
	assert.True(t, errors.IsRetryable(err))
}

func incrementalCfg(pk ...string) config.IncrementalConfig {
	return config.IncrementalConfig{CursorPath: "updated_at", PrimaryKey: pk}
}

func TestIncrementalFirstRun(t *testing.T) {
	dir := t.TempDir()
	st, err := state.Open(dir, "analytics")
	require.NoError(t, err)
	defer st.Close()

	src := &fakeSource{
		resources: []string{"orders"},
		data: map[string][]models.Row{"orders": {
			{"id": 1, "updated_at": 5},
			{"id": 2, "updated_at": 15},
			{"id": 3, "updated_at": 20},
			{"id": 4, "updated_at": 20},
		}},
	}
	cfg := &config.SourceConfig{Incremental: map[string]config.IncrementalConfig{
		"orders": {CursorPath: "updated_at", InitialValue: 10, PrimaryKey: []string{"id"}},
	}}
	pkg := newPackage(t, dir)

	sum, err := New(testRun(t), src, cfg, st, Options{}).Run(context.Background(), pkg)
	require.NoError(t, err)

	rs := sum.Resources["orders"]
	assert.Equal(t, int64(3), rs.Records)
	assert.Equal(t, int64(1), rs.Filtered, "below initial_value")
	assert.Zero(t, rs.Duplicates)
	assert.Equal(t, 10, src.cursors["orders"], "first run reads from the initial value")
	assert.Equal(t, 20, rs.Cursor)

	v, ok := st.Get("orders")
	require.True(t, ok)
	assert.Equal(t, 20, v)

	// Both boundary rows are remembered for the next run.
	require.NoError(t, st.Commit("load-1"))
	blob, err := state.Peek(dir)
	require.NoError(t, err)
	require.Contains(t, blob.Resources, "orders")
	assert.Len(t, blob.Resources["orders"].BoundaryKeys, 2)
}

func TestIncrementalResumeSuppressesBoundary(t *testing.T) {
	dir := t.TempDir()

	run1 := func() {
		st, err := state.Open(dir, "analytics")
		require.NoError(t, err)
		defer st.Close()
		src := &fakeSource{
			resources: []string{"orders"},
			data: map[string][]models.Row{"orders": {
				{"id": 1, "updated_at": 10},
				{"id": 2, "updated_at": 30},
			}},
		}
		cfg := &config.SourceConfig{Incremental: map[string]config.IncrementalConfig{"orders": incrementalCfg("id")}}
		pkg := newPackage(t, dir)
		_, err = New(testRun(t), src, cfg, st, Options{}).Run(context.Background(), pkg)
		require.NoError(t, err)
		require.NoError(t, st.Commit("load-1"))
	}
	run1()

	st, err := state.Open(dir, "analytics")
	require.NoError(t, err)
	defer st.Close()

	// The source resumes at the boundary: the committed row comes back,
	// plus a new row at the same cursor value and a newer one.
	src := &fakeSource{
		resources: []string{"orders"},
		data: map[string][]models.Row{"orders": {
			{"id": 2, "updated_at": 30},
			{"id": 9, "updated_at": 30},
			{"id": 4, "updated_at": 40},
			{"id": 1, "updated_at": 10},
		}},
	}
	cfg := &config.SourceConfig{Incremental: map[string]config.IncrementalConfig{"orders": incrementalCfg("id")}}
	pkg := newPackage(t, dir)

	sum, err := New(testRun(t), src, cfg, st, Options{}).Run(context.Background(), pkg)
	require.NoError(t, err)

	rs := sum.Resources["orders"]
	assert.Equal(t, int64(2), rs.Records, "only the unseen rows pass")
	assert.Equal(t, int64(2), rs.Duplicates, "boundary re-read and stale row suppressed")
	assert.Equal(t, jsonpool.Number("30"), src.cursors["orders"], "resume from the committed cursor")

	chunks := readChunks(t, pkg)
	require.Len(t, chunks["orders"], 2)
	assert.Equal(t, jsonpool.Number("9"), chunks["orders"][0]["id"])
	assert.Equal(t, jsonpool.Number("4"), chunks["orders"][1]["id"])

	v, _ := st.Get("orders")
	assert.Equal(t, 40, v)

	require.NoError(t, st.Commit("load-2"))
	blob, err := state.Peek(dir)
	require.NoError(t, err)
	assert.Len(t, blob.Resources["orders"].BoundaryKeys, 1, "only the new boundary row is remembered")
}

func TestIncrementalStationaryCursorKeepsOldBoundary(t *testing.T) {
	dir := t.TempDir()

	st, err := state.Open(dir, "analytics")
	require.NoError(t, err)
	src := &fakeSource{
		resources: []string{"orders"},
		data:      map[string][]models.Row{"orders": {{"id": 1, "updated_at": 30}}},
	}
	cfg := &config.SourceConfig{Incremental: map[string]config.IncrementalConfig{"orders": incrementalCfg("id")}}
	_, err = New(testRun(t), src, cfg, st, Options{}).Run(context.Background(), newPackage(t, dir))
	require.NoError(t, err)
	require.NoError(t, st.Commit("load-1"))
	require.NoError(t, st.Close())

	st, err = state.Open(dir, "analytics")
	require.NoError(t, err)
	defer st.Close()

	// One new row at the unchanged cursor value: both rows' keys must
	// survive for the next run.
	src = &fakeSource{
		resources: []string{"orders"},
		data: map[string][]models.Row{"orders": {
			{"id": 1, "updated_at": 30},
			{"id": 2, "updated_at": 30},
		}},
	}
	sum, err := New(testRun(t), src, cfg, st, Options{}).Run(context.Background(), newPackage(t, dir))
	require.NoError(t, err)

	rs := sum.Resources["orders"]
	assert.Equal(t, int64(1), rs.Records)
	assert.Equal(t, int64(1), rs.Duplicates)

	require.NoError(t, st.Commit("load-2"))
	blob, err := state.Peek(dir)
	require.NoError(t, err)
	assert.Len(t, blob.Resources["orders"].BoundaryKeys, 2, "old and new boundary keys are unioned")
}

func TestIncrementalNoRecordsLeavesStateAlone(t *testing.T) {
	dir := t.TempDir()
	st, err := state.Open(dir, "analytics")
	require.NoError(t, err)
	defer st.Close()

	src := &fakeSource{resources: []string{"orders"}, data: map[string][]models.Row{}}
	cfg := &config.SourceConfig{Incremental: map[string]config.IncrementalConfig{"orders": incrementalCfg()}}
	sum, err := New(testRun(t), src, cfg, st, Options{}).Run(context.Background(), newPackage(t, dir))
	require.NoError(t, err)

	assert.Zero(t, sum.Records)
	_, ok := st.Get("orders")
	assert.False(t, ok, "no cursor staged for an empty read")
}

func TestIncrementalMinCursor(t *testing.T) {
	inc, err := NewIncremental("jobs", config.IncrementalConfig{
		CursorPath:    "priority",
		LastValueFunc: "min",
		InitialValue:  100,
	}, nil)
	require.NoError(t, err)

	admit := func(row models.Row) Admission {
		a, err := inc.Admit(models.NewRecord("jobs", row))
		require.NoError(t, err)
		return a
	}

	assert.Equal(t, SkipBelowInitial, admit(models.Row{"priority": 150}), "beyond the initial bound for min")
	assert.Equal(t, AdmitRecord, admit(models.Row{"priority": 50}))
	assert.Equal(t, AdmitRecord, admit(models.Row{"priority": 20}))
	assert.Equal(t, AdmitRecord, admit(models.Row{"priority": 80}))

	assert.True(t, inc.Advanced())
	assert.Equal(t, 20, inc.Cursor())
}

func TestIncrementalMissingCursorField(t *testing.T) {
	inc, err := NewIncremental("orders", incrementalCfg(), nil)
	require.NoError(t, err)

	_, aerr := inc.Admit(models.NewRecord("orders", models.Row{"id": 1}))
	require.Error(t, aerr)
	assert.True(t, errors.IsType(aerr, errors.ErrorTypeData))
}

func TestIncrementalNestedCursorPath(t *testing.T) {
	inc, err := NewIncremental("orders", config.IncrementalConfig{CursorPath: "meta.updated_at"}, nil)
	require.NoError(t, err)

	a, aerr := inc.Admit(models.NewRecord("orders", models.Row{
		"meta": map[string]interface{}{"updated_at": 7},
	}))
	require.NoError(t, aerr)
	assert.Equal(t, AdmitRecord, a)
	assert.Equal(t, 7, inc.Cursor())
}

func TestIncrementalConfigValidation(t *testing.T) {
	_, err := NewIncremental("orders", config.IncrementalConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = NewIncremental("orders", config.IncrementalConfig{CursorPath: "x", LastValueFunc: "median"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestCompareCursors(t *testing.T) {
	cases := []struct {
		name string
		a, b interface{}
		want int
	}{
		{"ints", 1, 2, -1},
		{"int and float", 3, 2.5, 1},
		{"json numbers", jsonpool.Number("10"), 9, 1},
		{"big ints stay exact", jsonpool.Number("9007199254740993"), jsonpool.Number("9007199254740992"), 1},
		{"strings", "2024-01-01", "2024-01-02", -1},
		{"equal strings", "a", "a", 0},
		{"times", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), -1},
		{"time vs rfc3339 string", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "2024-01-01T00:00:00Z", 1},
		{"date string vs time", "2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := compareCursors(tc.a, tc.b)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := compareCursors(1, "abc")
	require.Error(t, err)
	_, err = compareCursors(true, 1)
	require.Error(t, err)
}
