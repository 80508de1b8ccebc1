package normalize

import (
	"io"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/models"
)

// DataFile is one package data file being written. The package manager
// hands these out and owns file naming and the job sidecar.
type DataFile interface {
	io.Writer
	// JobID identifies the load job created for this file.
	JobID() string
	// Commit finalizes the file with its row count and uncompressed size.
	Commit(rows, bytes int64) error
	// Abort discards the partially written file.
	Abort() error
}

// Sink hands out package file handles to the normalizer.
type Sink interface {
	// NewDataFile opens a data file for a table; ext is the full file
	// extension including the compression suffix (".jsonl.gz").
	NewDataFile(table, ext string) (DataFile, error)
	// QuarantineFile opens the append-only quarantine file for a resource.
	QuarantineFile(resource string) (io.WriteCloser, error)
}

// Writer streams rows into per-table package data files, compressing and
// rotating by row count and uncompressed size so each table yields one or
// more load jobs. Not safe for concurrent use; each normalize worker owns
// one Writer.
type Writer struct {
	sink     Sink
	codec    compression.Algorithm
	maxRows  int64
	maxBytes int64
	pipeline string

	open map[string]*openFile
	rows map[string]int64
}

type openFile struct {
	df    DataFile
	cw    io.WriteCloser
	rows  int64
	bytes int64
}

// NewWriter creates a Writer over a package sink.
func NewWriter(sink Sink, cfg *config.NormalizeConfig, pipeline string) (*Writer, error) {
	codec, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid normalize compression")
	}
	return &Writer{
		sink:     sink,
		codec:    codec,
		maxRows:  int64(cfg.MaxRowsPerFile),
		maxBytes: cfg.MaxFileBytes,
		pipeline: pipeline,
		open:     make(map[string]*openFile),
		rows:     make(map[string]int64),
	}, nil
}

// WriteRow appends one row to the table's current data file, rotating when
// the file reaches the configured limits.
func (w *Writer) WriteRow(table string, row models.Row) error {
	of := w.open[table]
	if of == nil {
		var err error
		if of, err = w.openFile(table); err != nil {
			return err
		}
	}

	buf, err := jsonpool.MarshalToBuffer(row)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeData, "failed to encode row for table %s", table)
	}
	n := int64(buf.Len())
	_, werr := of.cw.Write(buf.Bytes())
	jsonpool.PutBuffer(buf)
	if werr != nil {
		return errors.Wrapf(werr, errors.ErrorTypeFile, "failed to write row for table %s", table)
	}

	of.rows++
	of.bytes += n
	w.rows[table]++
	metrics.RowsWritten.WithLabelValues(w.pipeline, table).Inc()

	if (w.maxRows > 0 && of.rows >= w.maxRows) || (w.maxBytes > 0 && of.bytes >= w.maxBytes) {
		delete(w.open, table)
		return w.closeFile(of)
	}
	return nil
}

func (w *Writer) openFile(table string) (*openFile, error) {
	df, err := w.sink.NewDataFile(table, ".jsonl"+w.codec.Extension())
	if err != nil {
		return nil, err
	}
	cw, err := compression.WrapWriter(w.codec, df)
	if err != nil {
		df.Abort()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to wrap data file writer")
	}
	of := &openFile{df: df, cw: cw}
	w.open[table] = of
	return of, nil
}

func (w *Writer) closeFile(of *openFile) error {
	if err := of.cw.Close(); err != nil {
		of.df.Abort()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to flush data file")
	}
	return of.df.Commit(of.rows, of.bytes)
}

// Close finalizes all open data files.
func (w *Writer) Close() error {
	var firstErr error
	for table, of := range w.open {
		delete(w.open, table)
		if err := w.closeFile(of); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abort discards all open data files, leaving committed ones in place.
func (w *Writer) Abort() {
	for table, of := range w.open {
		delete(w.open, table)
		of.cw.Close()
		of.df.Abort()
	}
}

// Rows returns rows written per table, rotated files included.
func (w *Writer) Rows() map[string]int64 {
	return w.rows
}
