package schema

import (
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	jsonpool "github.com/ajitpratap0/strata/pkg/json"
)

// Temporal detection patterns for string values. Only unambiguous ISO 8601
// shapes are detected; everything else stays text.
var (
	timestampPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?$`),
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(\.\d+)?$`),
	}
	datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timePattern = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?$`)
)

// InferType maps a record value to its column data type. Nulls carry no
// type and contribute only nullability.
func InferType(value interface{}) DataType {
	switch v := value.(type) {
	case nil:
		return TypeUnknown
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case jsonpool.Number:
		s := string(v)
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return TypeInt
		}
		if isIntegerLiteral(s) {
			// Integer beyond int64, keep full precision.
			return TypeDecimal
		}
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return TypeFloat
		}
		return TypeDecimal
	case decimal.Decimal, *decimal.Decimal:
		return TypeDecimal
	case time.Time, *time.Time:
		return TypeTimestamp
	case []byte:
		return TypeBinary
	case string:
		return inferString(v)
	case map[string]interface{}, []interface{}:
		return TypeComplex
	default:
		return TypeComplex
	}
}

// isIntegerLiteral reports whether s is an optionally signed run of digits
// with no fraction or exponent.
func isIntegerLiteral(s string) bool {
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func inferString(s string) DataType {
	for _, p := range timestampPatterns {
		if p.MatchString(s) {
			return TypeTimestamp
		}
	}
	if datePattern.MatchString(s) {
		return TypeDate
	}
	if timePattern.MatchString(s) {
		return TypeTime
	}
	return TypeText
}

// Conforms reports whether a value of type vt can be stored in a column of
// type ct without widening the column.
func Conforms(vt, ct DataType) bool {
	if vt == TypeUnknown || vt == ct {
		return true
	}
	return Promote(ct, vt) == ct
}

// ParseTimestamp parses the timestamp string shapes InferType detects.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseDate parses an ISO date string.
func ParseDate(s string) (time.Time, bool) {
	ts, err := time.Parse("2006-01-02", s)
	return ts, err == nil
}
