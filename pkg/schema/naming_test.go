package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	jsonpool "github.com/ajitpratap0/strata/pkg/json"
)

func TestNormalizeIdentifier(t *testing.T) {
	n := NewNaming("snake_case", 0)

	cases := map[string]string{
		"userName":    "user_name",
		"UserName":    "user_name",
		"userID":      "user_id",
		"HTTPStatus":  "http_status",
		"parseURLFor": "parse_url_for",
		"order-date":  "order_date",
		"user name":   "user_name",
		"Total$USD":   "total_usd",
		"a__b":        "a_b",
		"trailing_":   "trailing",
		"1st_place":   "_1st_place",
		"_row_id":     "_row_id",
		"already_ok":  "already_ok",
		"":            "_empty",
		"***":         "_empty",
	}
	for raw, want := range cases {
		assert.Equal(t, want, n.NormalizeIdentifier(raw), "raw %q", raw)
	}
}

func TestNormalizePath(t *testing.T) {
	n := NewNaming("snake_case", 0)
	assert.Equal(t, "payload__user__id", n.NormalizePath("payload", "user", "id"))
	assert.Equal(t, "data__first_name", n.NormalizePath("data", "firstName"))
}

func TestChildTableName(t *testing.T) {
	n := NewNaming("snake_case", 0)
	assert.Equal(t, "root__tags", n.ChildTableName("root", "tags"))
	assert.Equal(t, "root__tags__ids", n.ChildTableName("root__tags", "ids"))
}

func TestShorten(t *testing.T) {
	long := "a_very_long_identifier_emitted_by_a_generated_api_payload"

	n := NewNaming("snake_case", 24)
	short := n.Shorten(long)
	assert.Len(t, short, 24)
	assert.Equal(t, long[:15]+"_", short[:16])
	// Deterministic and collision-resistant against same-prefix inputs.
	assert.Equal(t, short, n.Shorten(long))
	assert.NotEqual(t, short, n.Shorten(long+"_x"))

	assert.Equal(t, "short_name", n.Shorten("short_name"))
	assert.Equal(t, long[:8], NewNaming("snake_case", 8).Shorten(long))
}

func TestSameSource(t *testing.T) {
	cs := NewNaming("snake_case", 0)
	assert.True(t, cs.SameSource("Email", "Email"))
	assert.False(t, cs.SameSource("Email", "EMAIL"))

	ci := NewNaming("snake_case_ci", 0)
	assert.True(t, ci.SameSource("Email", "EMAIL"))
	assert.False(t, ci.SameSource("Email", "EMail2"))
}

func TestInferType(t *testing.T) {
	cases := []struct {
		value interface{}
		want  DataType
	}{
		{nil, TypeUnknown},
		{true, TypeBool},
		{42, TypeInt},
		{int64(-7), TypeInt},
		{uint32(9), TypeInt},
		{3.14, TypeFloat},
		{jsonpool.Number("42"), TypeInt},
		{jsonpool.Number("3.14"), TypeFloat},
		{jsonpool.Number("92233720368547758080"), TypeDecimal},
		{decimal.NewFromInt(5), TypeDecimal},
		{time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), TypeTimestamp},
		{[]byte{0x01}, TypeBinary},
		{"2026-03-05T12:30:00Z", TypeTimestamp},
		{"2026-03-05T12:30:00.123+02:00", TypeTimestamp},
		{"2026-03-05 12:30:00", TypeTimestamp},
		{"2026-03-05", TypeDate},
		{"12:30:00", TypeTime},
		{"hello", TypeText},
		{"2026-13-99x", TypeText},
		{map[string]interface{}{"a": 1}, TypeComplex},
		{[]interface{}{1, 2}, TypeComplex},
		{struct{}{}, TypeComplex},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InferType(tc.value), "value %#v", tc.value)
	}
}

func TestPromote(t *testing.T) {
	cases := []struct {
		a, b, want DataType
	}{
		{TypeInt, TypeInt, TypeInt},
		{TypeInt, TypeFloat, TypeFloat},
		{TypeInt, TypeDecimal, TypeDecimal},
		{TypeFloat, TypeDecimal, TypeDecimal},
		{TypeDate, TypeTimestamp, TypeTimestamp},
		{TypeUnknown, TypeText, TypeText},
		{TypeBool, TypeInt, TypeComplex},
		{TypeInt, TypeText, TypeComplex},
		{TypeTimestamp, TypeTime, TypeComplex},
		{TypeComplex, TypeInt, TypeComplex},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Promote(tc.a, tc.b), "%s + %s", tc.a, tc.b)
		assert.Equal(t, tc.want, Promote(tc.b, tc.a), "%s + %s", tc.b, tc.a)
	}

	// Promotion is monotonic: once widened, re-promoting with either input
	// is a no-op.
	all := []DataType{
		TypeBool, TypeInt, TypeFloat, TypeDecimal, TypeTimestamp,
		TypeDate, TypeTime, TypeText, TypeBinary, TypeComplex,
	}
	for _, a := range all {
		for _, b := range all {
			p := Promote(a, b)
			assert.Equal(t, p, Promote(p, a), "monotonic %s + %s", a, b)
			assert.Equal(t, p, Promote(p, b), "monotonic %s + %s", a, b)
		}
	}
}

func TestConforms(t *testing.T) {
	assert.True(t, Conforms(TypeInt, TypeFloat))
	assert.True(t, Conforms(TypeInt, TypeDecimal))
	assert.True(t, Conforms(TypeUnknown, TypeInt))
	assert.True(t, Conforms(TypeText, TypeComplex))
	assert.True(t, Conforms(TypeDate, TypeTimestamp))

	assert.False(t, Conforms(TypeFloat, TypeInt))
	assert.False(t, Conforms(TypeText, TypeInt))
	assert.False(t, Conforms(TypeTimestamp, TypeDate))
}

func TestParseTemporal(t *testing.T) {
	ts, ok := ParseTimestamp("2026-03-05T12:30:00Z")
	assert.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, ok = ParseTimestamp("not a timestamp")
	assert.False(t, ok)

	d, ok := ParseDate("2026-03-05")
	assert.True(t, ok)
	assert.Equal(t, time.March, d.Month())
}
