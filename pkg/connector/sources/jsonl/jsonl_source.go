// Package jsonl provides a source connector over a directory of
// newline-delimited JSON files. Each file serves one resource named by
// its stem: orders.jsonl and orders.jsonl.gz both serve "orders", with
// compression inferred from the extension. Files are re-read in full on
// every run; on incremental resources the extractor's cursor admission
// suppresses already-loaded records.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/models"
)

const defaultBatchSize = 1000

// Source reads resources out of one directory of .jsonl[.codec] files.
type Source struct {
	dir   string
	files map[string]string
	batch int
}

// New builds an unopened jsonl source.
func New() *Source {
	return &Source{batch: defaultBatchSize}
}

// Open scans the configured directory for data files. Options: path
// (directory, required), batch_size.
func (s *Source) Open(_ context.Context, cfg *config.SourceConfig) error {
	dir := cfg.Option("path", "")
	if dir == "" {
		return errors.New(errors.ErrorTypeConfig, "jsonl source requires a path option")
	}
	if raw := cfg.Option("batch_size", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "jsonl source batch_size must be a positive integer, got %q", raw)
		}
		s.batch = n
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to list jsonl source path %s", dir)
	}
	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		resource, ok := resourceFor(entry.Name())
		if !ok {
			continue
		}
		if prev, exists := files[resource]; exists {
			return errors.Newf(errors.ErrorTypeConfig,
				"jsonl source resource %q is served by both %s and %s", resource, filepath.Base(prev), entry.Name())
		}
		files[resource] = filepath.Join(dir, entry.Name())
	}
	s.dir = dir
	s.files = files
	return nil
}

// resourceFor maps a file name to its resource stem, dropping the
// compression extension and the .jsonl suffix.
func resourceFor(name string) (string, bool) {
	base := strings.TrimSuffix(name, compression.AlgorithmForPath(name).Extension())
	if !strings.HasSuffix(base, ".jsonl") {
		return "", false
	}
	stem := strings.TrimSuffix(base, ".jsonl")
	return stem, stem != ""
}

// Resources returns the resource stems found in the directory, sorted.
func (s *Source) Resources() []string {
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read opens the resource's file for streaming. The cursor is ignored;
// the whole file is served every run.
func (s *Source) Read(_ context.Context, resource string, _ interface{}) (core.RecordBatchIterator, error) {
	path, ok := s.files[resource]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "jsonl source has no resource %q under %s", resource, s.dir)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", filepath.Base(path))
	}
	rc, err := compression.WrapReader(compression.AlgorithmForPath(path), bufio.NewReaderSize(file, 256<<10))
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read %s", filepath.Base(path))
	}
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64<<10), 32<<20)
	return &iterator{
		resource: resource,
		path:     path,
		file:     file,
		rc:       rc,
		scanner:  scanner,
		batch:    s.batch,
	}, nil
}

// Close releases nothing; open iterators own their files.
func (s *Source) Close(context.Context) error { return nil }

type iterator struct {
	resource string
	path     string
	file     *os.File
	rc       io.ReadCloser
	scanner  *bufio.Scanner
	batch    int
	line     int64
	offset   int64
}

func (it *iterator) Next(ctx context.Context) (*models.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := models.NewRecordBatch(it.batch)
	now := time.Now().UTC()
	for batch.Size() < it.batch && it.scanner.Scan() {
		it.line++
		raw := it.scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var data map[string]interface{}
		if err := jsonpool.UnmarshalUseNumber(raw, &data); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData,
				"malformed record at %s line %d", filepath.Base(it.path), it.line)
		}
		rec := models.NewRecord(it.resource, data)
		rec.Metadata = models.RecordMetadata{Source: "jsonl", ExtractedAt: now, Offset: it.offset}
		it.offset++
		batch.Add(rec)
	}
	if batch.Size() > 0 {
		return batch, nil
	}
	if err := it.scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to scan %s", filepath.Base(it.path))
	}
	return nil, nil
}

func (it *iterator) Close() error {
	it.rc.Close()
	return it.file.Close()
}
