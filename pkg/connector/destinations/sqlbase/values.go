package sqlbase

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/models"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// BindRow converts one decoded row into bind arguments in cols order.
// Columns absent from the row bind NULL; discarded columns always bind
// NULL.
func BindRow(t *schema.Table, cols []string, row models.Row, nativeTemporal bool) ([]interface{}, error) {
	args := make([]interface{}, len(cols))
	for i, name := range cols {
		c := t.Column(name)
		if c == nil || c.Discarded {
			continue
		}
		v, ok := row[name]
		if !ok || v == nil {
			continue
		}
		bound, err := BindValue(c, v, nativeTemporal)
		if err != nil {
			return nil, err
		}
		args[i] = bound
	}
	return args, nil
}

// BindValue converts one decoded JSON value into a driver bind argument
// for its column. Values written under a narrower type before the column
// promoted coexist in one file with the frozen (promoted) column type, so
// every scalar shape a promotion chain can leave behind converts here.
func BindValue(c *schema.Column, v interface{}, nativeTemporal bool) (interface{}, error) {
	switch c.Type {
	case schema.TypeBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, bindErr(c, v)
			}
			return b, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeInt:
		switch val := v.(type) {
		case jsonpool.Number:
			n, err := val.Int64()
			if err != nil {
				return nil, bindErr(c, v)
			}
			return n, nil
		case bool:
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, bindErr(c, v)
			}
			return n, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeFloat:
		switch val := v.(type) {
		case jsonpool.Number:
			f, err := val.Float64()
			if err != nil {
				return nil, bindErr(c, v)
			}
			return f, nil
		case bool:
			if val {
				return float64(1), nil
			}
			return float64(0), nil
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, bindErr(c, v)
			}
			return f, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeDecimal:
		// Bound as the canonical string so the engine parses at full
		// precision.
		var s string
		switch val := v.(type) {
		case jsonpool.Number:
			s = string(val)
		case string:
			s = val
		case bool:
			if val {
				s = "1"
			} else {
				s = "0"
			}
		default:
			return nil, bindErr(c, v)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, bindErr(c, v)
		}
		return d.String(), nil

	case schema.TypeTimestamp:
		switch val := v.(type) {
		case string:
			if !nativeTemporal {
				return val, nil
			}
			ts, ok := schema.ParseTimestamp(val)
			if !ok {
				// A date promoted into a timestamp column.
				if ts, ok = schema.ParseDate(val); !ok {
					return nil, bindErr(c, v)
				}
			}
			return ts, nil
		case time.Time:
			return val, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeDate:
		switch val := v.(type) {
		case string:
			if !nativeTemporal {
				return val, nil
			}
			ts, ok := schema.ParseDate(val)
			if !ok {
				return nil, bindErr(c, v)
			}
			return ts, nil
		case time.Time:
			return val, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeTime:
		// Time-of-day binds as text on every engine.
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeText:
		switch val := v.(type) {
		case string:
			return val, nil
		case jsonpool.Number:
			return string(val), nil
		case bool:
			return strconv.FormatBool(val), nil
		}
		raw, err := jsonpool.Marshal(v)
		if err != nil {
			return nil, bindErr(c, v)
		}
		return string(raw), nil

	case schema.TypeBinary:
		switch val := v.(type) {
		case string:
			// []byte round-trips through JSON as base64.
			raw, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, bindErr(c, v)
			}
			return raw, nil
		case []byte:
			return val, nil
		}
		return nil, bindErr(c, v)

	case schema.TypeComplex:
		raw, err := jsonpool.Marshal(v)
		if err != nil {
			return nil, bindErr(c, v)
		}
		return string(raw), nil
	}

	return nil, errors.Newf(errors.ErrorTypeData, "column %s has unknown type %q", c.Name, c.Type)
}

func bindErr(c *schema.Column, v interface{}) error {
	return errors.Newf(errors.ErrorTypeData,
		"value %v (%T) does not fit column %s of type %s", v, v, c.Name, c.Type)
}
