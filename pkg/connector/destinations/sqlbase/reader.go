package sqlbase

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/models"
)

// RowReader streams decoded rows out of one package data file. Numbers
// decode as jsonpool.Number so integer precision survives the round trip.
type RowReader struct {
	file    *os.File
	rc      io.ReadCloser
	scanner *bufio.Scanner
	path    string
}

// OpenRowReader opens a data file for streaming.
func OpenRowReader(path string, codec compression.Algorithm) (*RowReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open data file %s", filepath.Base(path))
	}
	rc, err := compression.WrapReader(codec, bufio.NewReaderSize(file, 256<<10))
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read data file %s", filepath.Base(path))
	}
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64<<10), 32<<20)
	return &RowReader{file: file, rc: rc, scanner: scanner, path: path}, nil
}

// Next returns the next row, or nil once the file is drained.
func (r *RowReader) Next() (models.Row, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var row models.Row
		if err := jsonpool.UnmarshalUseNumber(line, &row); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData,
				"malformed row in data file %s", filepath.Base(r.path))
		}
		return row, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to scan data file %s", filepath.Base(r.path))
	}
	return nil, nil
}

// Close releases the file.
func (r *RowReader) Close() error {
	r.rc.Close()
	return r.file.Close()
}

// OpenDataFile opens a data file as a plain decompressed byte stream,
// for destinations that ingest the JSONL directly.
func OpenDataFile(path string, codec compression.Algorithm) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open data file %s", filepath.Base(path))
	}
	rc, err := compression.WrapReader(codec, bufio.NewReaderSize(file, 256<<10))
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read data file %s", filepath.Base(path))
	}
	return &dataFile{file: file, rc: rc}, nil
}

type dataFile struct {
	file *os.File
	rc   io.ReadCloser
}

func (f *dataFile) Read(p []byte) (int, error) { return f.rc.Read(p) }

func (f *dataFile) Close() error {
	f.rc.Close()
	return f.file.Close()
}
