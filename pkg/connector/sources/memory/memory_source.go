// Package memory provides an in-process source connector backed by
// fixtures built in code. Tests and examples seed records under a fixture
// name, point source options at it, and the pipeline reads them like any
// other source. Records are served as-is; callers must not mutate them
// after seeding.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/models"
)

const defaultBatchSize = 500

// Fixture holds the records a memory source serves, keyed by resource.
type Fixture struct {
	resources map[string][]map[string]interface{}
	hints     map[string]config.ResourceHints
}

// NewFixture creates an empty fixture.
func NewFixture() *Fixture {
	return &Fixture{
		resources: make(map[string][]map[string]interface{}),
		hints:     make(map[string]config.ResourceHints),
	}
}

// Add appends records to a resource, creating it on first use.
func (f *Fixture) Add(resource string, records ...map[string]interface{}) *Fixture {
	f.resources[resource] = append(f.resources[resource], records...)
	return f
}

// Hint declares load hints for a resource.
func (f *Fixture) Hint(resource string, hints config.ResourceHints) *Fixture {
	f.hints[resource] = hints
	return f
}

var (
	fixtureMu sync.RWMutex
	fixtures  = make(map[string]*Fixture)
)

// Store publishes a fixture under a name so configuration can reference
// it via the fixture option. Storing under an existing name replaces it.
func Store(name string, f *Fixture) {
	fixtureMu.Lock()
	defer fixtureMu.Unlock()
	fixtures[name] = f
}

// Remove unpublishes a named fixture.
func Remove(name string) {
	fixtureMu.Lock()
	defer fixtureMu.Unlock()
	delete(fixtures, name)
}

func lookup(name string) (*Fixture, bool) {
	fixtureMu.RLock()
	defer fixtureMu.RUnlock()
	f, ok := fixtures[name]
	return f, ok
}

// Source serves records from a fixture. The read cursor is ignored; on
// incremental resources the extractor re-filters what the source yields.
type Source struct {
	fixture *Fixture
	batch   int
}

// Hints participation is what makes fixtures drive merge and replace
// paths in tests, so losing the interface must fail the build.
var (
	_ core.SourceConnector = (*Source)(nil)
	_ core.ResourceHinter  = (*Source)(nil)
)

// New builds a source over a fixture. A nil fixture is resolved from the
// named store when Open runs.
func New(fixture *Fixture) *Source {
	return &Source{fixture: fixture, batch: defaultBatchSize}
}

// Open resolves the fixture and batch size from configuration. Options:
// fixture (store name, default "default"), batch_size.
func (s *Source) Open(_ context.Context, cfg *config.SourceConfig) error {
	if s.fixture == nil {
		name := cfg.Option("fixture", "default")
		f, ok := lookup(name)
		if !ok {
			return errors.Newf(errors.ErrorTypeConfig, "memory source fixture %q is not stored", name)
		}
		s.fixture = f
	}
	if raw := cfg.Option("batch_size", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return errors.Newf(errors.ErrorTypeConfig, "memory source batch_size must be a positive integer, got %q", raw)
		}
		s.batch = n
	}
	return nil
}

// Resources returns the fixture's resource names, sorted.
func (s *Source) Resources() []string {
	if s.fixture == nil {
		return nil
	}
	names := make([]string, 0, len(s.fixture.resources))
	for name := range s.fixture.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hints returns the load hints seeded for a resource.
func (s *Source) Hints(resource string) config.ResourceHints {
	if s.fixture == nil {
		return config.ResourceHints{}
	}
	return s.fixture.hints[resource]
}

// Read returns an iterator over the resource's seeded records.
func (s *Source) Read(_ context.Context, resource string, _ interface{}) (core.RecordBatchIterator, error) {
	if s.fixture == nil {
		return nil, errors.New(errors.ErrorTypeStateConflict, "memory source is not open")
	}
	records, ok := s.fixture.resources[resource]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "memory source has no resource %q", resource)
	}
	return &iterator{resource: resource, records: records, batch: s.batch}, nil
}

// Close releases nothing; the fixture stays usable.
func (s *Source) Close(context.Context) error { return nil }

type iterator struct {
	resource string
	records  []map[string]interface{}
	batch    int
	pos      int
}

func (it *iterator) Next(ctx context.Context) (*models.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.records) {
		return nil, nil
	}
	end := it.pos + it.batch
	if end > len(it.records) {
		end = len(it.records)
	}
	batch := models.NewRecordBatch(end - it.pos)
	now := time.Now().UTC()
	for i := it.pos; i < end; i++ {
		rec := models.NewRecord(it.resource, it.records[i])
		rec.Metadata = models.RecordMetadata{Source: "memory", ExtractedAt: now, Offset: int64(i)}
		batch.Add(rec)
	}
	it.pos = end
	return batch, nil
}

func (it *iterator) Close() error { return nil }
