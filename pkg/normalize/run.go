package normalize

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/models"
)

// RawFile is one extracted chunk file awaiting normalization.
type RawFile struct {
	Resource string
	Path     string
}

// Summary reports what one normalization run produced.
type Summary struct {
	// Records is the count of source records normalized.
	Records int64 `json:"records"`
	// Rows is rows written per table, child tables included.
	Rows map[string]int64 `json:"rows,omitempty"`
	// Violations counts records rejected by the schema contract.
	Violations int64 `json:"violations,omitempty"`
	// Quarantined counts records written to quarantine files.
	Quarantined int64 `json:"quarantined,omitempty"`
}

// Run normalizes raw chunk files on a bounded worker pool. Chunk files are
// independent; workers share only the schema engine. Each worker writes
// its own data files, so tables may produce several load jobs.
func (n *Normalizer) Run(ctx context.Context, files []RawFile, sink Sink) (*Summary, error) {
	summary := &Summary{Rows: make(map[string]int64)}
	if len(files) == 0 {
		return summary, nil
	}

	workers := n.cfg.GetWorkers()
	if workers > len(files) {
		workers = len(files)
	}

	states := make([]*worker, workers)
	for i := range states {
		w, err := newWorker(n, sink)
		if err != nil {
			for _, prev := range states[:i] {
				prev.abort()
			}
			return nil, err
		}
		states[i] = w
	}

	jobs := make(chan RawFile)
	failed := make([]error, workers)
	var wg sync.WaitGroup
	for i, w := range states {
		wg.Add(1)
		go func(i int, w *worker) {
			defer wg.Done()
			// Keep draining after a failure so the feed never blocks.
			for f := range jobs {
				if failed[i] != nil {
					continue
				}
				failed[i] = w.processFile(ctx, f)
			}
		}(i, w)
	}

	for _, f := range files {
		jobs <- f
	}
	close(jobs)
	wg.Wait()

	var firstErr error
	for _, err := range failed {
		if err != nil {
			firstErr = err
			break
		}
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	if firstErr != nil {
		for _, w := range states {
			w.abort()
		}
		return nil, firstErr
	}

	for _, w := range states {
		if err := w.close(); err != nil {
			for _, rest := range states {
				rest.abort()
			}
			return nil, err
		}
		summary.Records += w.records
		summary.Violations += w.violations
		summary.Quarantined += w.quarantined
		for table, count := range w.writer.Rows() {
			summary.Rows[table] += count
		}
	}

	n.log.Info("normalization finished",
		zap.Int64("records", summary.Records),
		zap.Int("tables", len(summary.Rows)),
		zap.Int64("violations", summary.Violations),
		zap.Int64("quarantined", summary.Quarantined))
	return summary, nil
}

type worker struct {
	n          *Normalizer
	sink       Sink
	writer     *Writer
	quarantine map[string]io.WriteCloser

	records     int64
	violations  int64
	quarantined int64
}

func newWorker(n *Normalizer, sink Sink) (*worker, error) {
	writer, err := NewWriter(sink, n.cfg, n.run.Pipeline)
	if err != nil {
		return nil, err
	}
	return &worker{
		n:          n,
		sink:       sink,
		writer:     writer,
		quarantine: make(map[string]io.WriteCloser),
	}, nil
}

func (w *worker) processFile(ctx context.Context, f RawFile) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to open raw chunk %s", filepath.Base(f.Path))
	}
	defer file.Close()

	rc, err := compression.WrapReader(compression.AlgorithmForPath(f.Path), bufio.NewReaderSize(file, 256<<10))
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to read raw chunk %s", filepath.Base(f.Path))
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64<<10), 32<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var data map[string]interface{}
		if err := jsonpool.UnmarshalUseNumber(line, &data); err != nil {
			verr := errors.Wrapf(err, errors.ErrorTypeValidation,
				"malformed record in %s", filepath.Base(f.Path))
			if w.n.cfg.OnValidationError == config.ValidationFail {
				return verr
			}
			w.n.log.Warn("invalid record quarantined",
				zap.String("resource", f.Resource), zap.Error(verr))
			if err := w.quarantineLine(f.Resource, line, verr); err != nil {
				return err
			}
			continue
		}

		rows, err := w.n.NormalizeRecord(&models.Record{Resource: f.Resource, Data: data})
		if err != nil {
			if !errors.IsType(err, errors.ErrorTypeContract) {
				return err
			}
			metrics.ContractViolations.WithLabelValues(w.n.run.Pipeline, f.Resource).Inc()
			w.violations++
			if w.n.cfg.FailFast {
				return err
			}
			w.n.log.Warn("schema contract violation, record quarantined",
				zap.String("resource", f.Resource), zap.Error(err))
			if err := w.quarantineLine(f.Resource, line, err); err != nil {
				return err
			}
			continue
		}

		for _, tr := range rows {
			if err := w.writer.WriteRow(tr.Table, tr.Row); err != nil {
				return err
			}
		}
		w.records++
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to scan raw chunk %s", filepath.Base(f.Path))
	}
	return nil
}

type quarantineEntry struct {
	Resource string      `json:"resource"`
	Error    string      `json:"error"`
	Record   interface{} `json:"record"`
}

func (w *worker) quarantineLine(resource string, line []byte, cause error) error {
	qw := w.quarantine[resource]
	if qw == nil {
		var err error
		if qw, err = w.sink.QuarantineFile(resource); err != nil {
			return err
		}
		w.quarantine[resource] = qw
	}

	entry := quarantineEntry{Resource: resource, Error: cause.Error()}
	var raw jsonpool.RawMessage
	if err := jsonpool.Unmarshal(line, &raw); err == nil {
		entry.Record = raw
	} else {
		entry.Record = string(line)
	}

	buf, err := jsonpool.MarshalToBuffer(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode quarantine entry")
	}
	_, werr := qw.Write(buf.Bytes())
	jsonpool.PutBuffer(buf)
	if werr != nil {
		return errors.Wrap(werr, errors.ErrorTypeFile, "failed to write quarantine entry")
	}
	w.quarantined++
	return nil
}

func (w *worker) close() error {
	var firstErr error
	for resource, qw := range w.quarantine {
		delete(w.quarantine, resource)
		if err := qw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *worker) abort() {
	for resource, qw := range w.quarantine {
		delete(w.quarantine, resource)
		qw.Close()
	}
	w.writer.Abort()
}
