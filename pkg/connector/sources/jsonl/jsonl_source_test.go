package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/models"
)

func writeFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	file, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer file.Close()

	w, err := compression.WrapWriter(compression.AlgorithmForPath(name), file)
	require.NoError(t, err)
	for _, line := range lines {
		_, err := w.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func openSource(t *testing.T, dir string, options map[string]string) *Source {
	t.Helper()
	if options == nil {
		options = map[string]string{}
	}
	options["path"] = dir
	s := New()
	require.NoError(t, s.Open(context.Background(), &config.SourceConfig{Type: "jsonl", Options: options}))
	return s
}

func drain(t *testing.T, s *Source, resource string) []*models.Record {
	t.Helper()
	it, err := s.Read(context.Background(), resource, nil)
	require.NoError(t, err)
	defer it.Close()

	var records []*models.Record
	for {
		batch, err := it.Next(context.Background())
		require.NoError(t, err)
		if batch == nil {
			return records
		}
		records = append(records, batch.Records...)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	err := New().Open(context.Background(), &config.SourceConfig{Type: "jsonl"})
	require.Error(t, err)
	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeConfig, typed.Type)
}

func TestResourcesFromFileStems(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl", `{"id":1}`)
	writeFile(t, dir, "customers.jsonl.gz", `{"id":1}`)
	writeFile(t, dir, "notes.txt", "not data")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive.jsonl"), 0o755))

	s := openSource(t, dir, nil)
	assert.Equal(t, []string{"customers", "orders"}, s.Resources())
}

func TestDuplicateStemRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl", `{"id":1}`)
	writeFile(t, dir, "orders.jsonl.gz", `{"id":1}`)

	err := New().Open(context.Background(), &config.SourceConfig{
		Type:    "jsonl",
		Options: map[string]string{"path": dir},
	})
	require.Error(t, err)
	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeConfig, typed.Type)
	assert.Contains(t, typed.Message, "orders")
}

func TestReadDecodesRecords(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl",
		`{"id":1,"total":"10.50"}`,
		"",
		`{"id":2,"total":"3.99"}`,
	)

	records := drain(t, openSource(t, dir, nil), "orders")
	require.Len(t, records, 2)

	assert.Equal(t, jsonpool.Number("1"), records[0].Data["id"])
	assert.Equal(t, "10.50", records[0].Data["total"])
	assert.Equal(t, int64(0), records[0].Metadata.Offset)
	assert.Equal(t, int64(1), records[1].Metadata.Offset)
	assert.Equal(t, "jsonl", records[1].Metadata.Source)
}

func TestReadCompressedFile(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		lines = append(lines, `{"seq":`+strconv.Itoa(i)+`}`)
	}
	writeFile(t, dir, "events.jsonl.gz", lines...)

	records := drain(t, openSource(t, dir, nil), "events")
	assert.Len(t, records, 50)
}

func TestBatchSizeSplitsBatches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl", `{"id":1}`, `{"id":2}`, `{"id":3}`)

	s := openSource(t, dir, map[string]string{"batch_size": "2"})
	it, err := s.Read(context.Background(), "orders", nil)
	require.NoError(t, err)
	defer it.Close()

	var sizes []int
	for {
		batch, err := it.Next(context.Background())
		require.NoError(t, err)
		if batch == nil {
			break
		}
		sizes = append(sizes, batch.Size())
	}
	assert.Equal(t, []int{2, 1}, sizes)
}

func TestMalformedLineReportsPosition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl", `{"id":1}`, `{"id":`)

	s := openSource(t, dir, nil)
	it, err := s.Read(context.Background(), "orders", nil)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next(context.Background())
	require.Error(t, err)
	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeData, typed.Type)
	assert.Contains(t, typed.Message, "line 2")
}

func TestReadUnknownResource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl", `{"id":1}`)

	s := openSource(t, dir, nil)
	_, err := s.Read(context.Background(), "customers", nil)
	require.Error(t, err)
	typed, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeNotFound, typed.Type)
}

func TestResourceForNames(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		ok       bool
	}{
		{"orders.jsonl", "orders", true},
		{"orders.jsonl.gz", "orders", true},
		{"orders.jsonl.zst", "orders", true},
		{"line_items.jsonl.s2", "line_items", true},
		{"orders.json", "", false},
		{"orders.csv", "", false},
		{".jsonl", "", false},
		{"orders.gz", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource, ok := resourceFor(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.resource, resource)
			}
		})
	}
}

func TestBlankAndWhitespaceLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.jsonl", "", "   ", `{"id":1}`, strings.Repeat(" ", 4))

	records := drain(t, openSource(t, dir, nil), "orders")
	require.Len(t, records, 1)
	assert.Equal(t, jsonpool.Number("1"), records[0].Data["id"])
}
