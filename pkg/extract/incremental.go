package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/state"
)

// Admission classifies one record against the incremental window.
type Admission int

const (
	// AdmitRecord lets the record into the package.
	AdmitRecord Admission = iota
	// SkipBelowInitial drops records on the wrong side of the configured
	// initial value.
	SkipBelowInitial
	// SkipDuplicate drops records already loaded by a previous run: rows
	// behind the committed cursor, and boundary rows whose key hash was
	// recorded at the committed cursor value.
	SkipDuplicate
)

// Incremental tracks one resource's cursor across a run. Sources re-read
// records at the committed cursor value on resume; the tracker suppresses
// the ones a previous run already loaded via stored row-key hashes, and
// stores the hashes at the new boundary for the next run.
type Incremental struct {
	resource  string
	path      []string
	descend   bool
	initial   interface{}
	keyFields []string

	baseline interface{}
	prevKeys map[string]bool

	last     interface{}
	lastKeys []string
}

// NewIncremental builds the tracker for one resource, seeded from the
// state store's committed cursor and boundary keys.
func NewIncremental(resource string, cfg config.IncrementalConfig, store *state.Store) (*Incremental, error) {
	if cfg.CursorPath == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "incremental resource %s has no cursor_path", resource)
	}
	switch cfg.LastValueFunc {
	case "", "max":
	case "min":
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"incremental resource %s: last_value_func must be max or min, got %q", resource, cfg.LastValueFunc)
	}

	inc := &Incremental{
		resource:  resource,
		path:      strings.Split(cfg.CursorPath, "."),
		descend:   cfg.LastValueFunc == "min",
		initial:   cfg.InitialValue,
		keyFields: cfg.PrimaryKey,
		prevKeys:  make(map[string]bool),
	}
	if store != nil {
		if v, ok := store.Get(resource); ok {
			inc.baseline = v
		}
		for _, k := range store.BoundaryKeys(resource) {
			inc.prevKeys[k] = true
		}
	}
	return inc, nil
}

// Start returns the cursor handed to the source: the committed value, or
// the configured initial value on the first run.
func (inc *Incremental) Start() interface{} {
	if inc.baseline != nil {
		return inc.baseline
	}
	return inc.initial
}

// Admit classifies a record and folds its cursor value into the tracked
// window. A record without the cursor field is a data error: the cursor
// could not advance past it and a re-run would duplicate it.
func (inc *Incremental) Admit(rec *models.Record) (Admission, error) {
	v, ok := lookupPath(rec.Data, inc.path)
	if !ok || v == nil {
		return AdmitRecord, errors.Newf(errors.ErrorTypeData,
			"record in resource %s has no cursor field %s", inc.resource, strings.Join(inc.path, "."))
	}

	if inc.initial != nil {
		c, err := compareCursors(v, inc.initial)
		if err != nil {
			return AdmitRecord, errors.Wrapf(err, errors.ErrorTypeData,
				"resource %s cursor is not comparable to initial_value", inc.resource)
		}
		if inc.behind(c) {
			return SkipBelowInitial, nil
		}
	}

	key := inc.rowKey(rec)
	if inc.baseline != nil {
		c, err := compareCursors(v, inc.baseline)
		if err != nil {
			return AdmitRecord, errors.Wrapf(err, errors.ErrorTypeData,
				"resource %s cursor is not comparable to committed cursor", inc.resource)
		}
		if inc.behind(c) {
			return SkipDuplicate, nil
		}
		if c == 0 && inc.prevKeys[key] {
			return SkipDuplicate, nil
		}
	}

	if err := inc.track(v, key); err != nil {
		return AdmitRecord, err
	}
	return AdmitRecord, nil
}

// behind reports whether a comparison result falls on the already-loaded
// side of the window.
func (inc *Incremental) behind(c int) bool {
	if inc.descend {
		return c > 0
	}
	return c < 0
}

func (inc *Incremental) track(v interface{}, key string) error {
	if inc.last == nil {
		inc.last = v
		inc.lastKeys = []string{key}
		return nil
	}
	c, err := compareCursors(v, inc.last)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeData,
			"resource %s cursor values are not mutually comparable", inc.resource)
	}
	switch {
	case !inc.behind(c) && c != 0:
		inc.last = v
		inc.lastKeys = []string{key}
	case c == 0:
		inc.lastKeys = append(inc.lastKeys, key)
	}
	return nil
}

// Advanced reports whether the run observed any cursor value. When false
// the resource's state is left untouched.
func (inc *Incremental) Advanced() bool { return inc.last != nil }

// Cursor returns the value to stage as the resource's new cursor.
func (inc *Incremental) Cursor() interface{} { return inc.last }

// BoundaryKeys returns the sorted row-key hashes of records sitting at
// the new cursor value. When the cursor did not move past the committed
// value, the previous run's keys are carried forward so both runs' rows
// stay suppressed.
func (inc *Incremental) BoundaryKeys() []string {
	if inc.last == nil {
		return nil
	}
	set := make(map[string]bool, len(inc.lastKeys))
	for _, k := range inc.lastKeys {
		set[k] = true
	}
	if inc.baseline != nil {
		if c, err := compareCursors(inc.last, inc.baseline); err == nil && c == 0 {
			for k := range inc.prevKeys {
				set[k] = true
			}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rowKey hashes the record's identity for boundary dedup: the configured
// primary key fields, or the whole record when none are configured.
func (inc *Incremental) rowKey(rec *models.Record) string {
	h := sha256.New()
	h.Write([]byte(inc.resource))
	if len(inc.keyFields) == 0 {
		raw, err := jsonpool.Marshal(rec.Data)
		if err != nil {
			raw = []byte(strings.Join(inc.path, "."))
		}
		h.Write([]byte{0})
		h.Write(raw)
	} else {
		for _, f := range inc.keyFields {
			raw, _ := jsonpool.Marshal(rec.Data[f])
			h.Write([]byte{0})
			h.Write(raw)
		}
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// lookupPath walks a dotted path through nested mappings.
func lookupPath(data models.Row, path []string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(data)
	for _, part := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// compareCursors orders two cursor values. Numbers compare numerically
// (exactly, via decimal), strings lexicographically (ISO-8601 timestamps
// order correctly), time values chronologically; the state store
// round-trips times as RFC 3339 strings, so a time on either side pulls
// the other through time parsing.
func compareCursors(a, b interface{}) (int, error) {
	if at, ok := a.(time.Time); ok {
		bt, err := coerceTime(b)
		if err != nil {
			return 0, err
		}
		return compareTimes(at, bt), nil
	}
	if bt, ok := b.(time.Time); ok {
		at, err := coerceTime(a)
		if err != nil {
			return 0, err
		}
		return compareTimes(at, bt), nil
	}

	if da, ok := toDecimal(a); ok {
		if db, ok := toDecimal(b); ok {
			return da.Cmp(db), nil
		}
	}

	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}

	return 0, errors.Newf(errors.ErrorTypeData, "cursor values %T and %T are not comparable", a, b)
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func coerceTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeData, "cursor value %v (%T) is not a timestamp", v, v)
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case jsonpool.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}
