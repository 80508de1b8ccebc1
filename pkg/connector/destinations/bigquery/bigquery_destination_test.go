package bigquery

import (
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/schema"
)

func TestDialectTypeDDL(t *testing.T) {
	d := dialect{}

	tests := []struct {
		col *schema.Column
		ddl string
	}{
		{&schema.Column{Type: schema.TypeBool}, "BOOL"},
		{&schema.Column{Type: schema.TypeInt}, "INT64"},
		{&schema.Column{Type: schema.TypeFloat}, "FLOAT64"},
		{&schema.Column{Type: schema.TypeDecimal, Precision: 10, Scale: 2}, "NUMERIC"},
		{&schema.Column{Type: schema.TypeDecimal, Precision: 50, Scale: 12}, "BIGNUMERIC"},
		{&schema.Column{Type: schema.TypeTimestamp}, "TIMESTAMP"},
		{&schema.Column{Type: schema.TypeDate}, "DATE"},
		{&schema.Column{Type: schema.TypeTime}, "TIME"},
		{&schema.Column{Type: schema.TypeBinary}, "BYTES"},
		{&schema.Column{Type: schema.TypeComplex}, "JSON"},
		{&schema.Column{Type: schema.TypeText}, "STRING"},
	}

	for _, tt := range tests {
		t.Run(tt.ddl, func(t *testing.T) {
			assert.Equal(t, tt.ddl, d.TypeDDL(tt.col))
		})
	}
}

func TestFieldTypeMapping(t *testing.T) {
	tests := []struct {
		col *schema.Column
		bq  bigquery.FieldType
	}{
		{&schema.Column{Type: schema.TypeBool}, bigquery.BooleanFieldType},
		{&schema.Column{Type: schema.TypeInt}, bigquery.IntegerFieldType},
		{&schema.Column{Type: schema.TypeFloat}, bigquery.FloatFieldType},
		{&schema.Column{Type: schema.TypeDecimal, Precision: 10, Scale: 2}, bigquery.NumericFieldType},
		{&schema.Column{Type: schema.TypeDecimal, Precision: 50}, bigquery.BigNumericFieldType},
		{&schema.Column{Type: schema.TypeTimestamp}, bigquery.TimestampFieldType},
		{&schema.Column{Type: schema.TypeBinary}, bigquery.BytesFieldType},
		{&schema.Column{Type: schema.TypeComplex}, bigquery.JSONFieldType},
		{&schema.Column{Type: schema.TypeText}, bigquery.StringFieldType},
	}

	for _, tt := range tests {
		t.Run(string(tt.bq), func(t *testing.T) {
			assert.Equal(t, tt.bq, fieldType(tt.col))
		})
	}
}

func TestBQSchemaFieldsNullable(t *testing.T) {
	def := &schema.Table{
		Name: "events",
		Columns: []*schema.Column{
			{Name: "id", Type: schema.TypeInt},
			{Name: "name", Type: schema.TypeText},
		},
	}

	out := bqSchema(def)
	assert.Len(t, out, 2)
	for _, f := range out {
		assert.False(t, f.Required, "field %s must stay nullable", f.Name)
	}
}

func TestLoadJobIDDeterministic(t *testing.T) {
	job := &core.LoadJob{
		LoadID: "1755432000123456789-1",
		Table:  "orders",
		JobID:  "000001",
	}

	first := loadJobID(job)
	assert.Equal(t, first, loadJobID(job))
	assert.Equal(t, "strata_1755432000123456789-1_orders_000001", first)
}

func TestJobIDPartSanitizesInvalidRunes(t *testing.T) {
	assert.Equal(t, "a-b-c_d", jobIDPart("a.b/c_d"))
	assert.Equal(t, "tbl--name", jobIDPart("tbl??name"))
}

func TestLabelCharsetAndLength(t *testing.T) {
	assert.Equal(t, "load-1755432000", label("Load.1755432000"))

	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, label(string(long)), 63)
}

func TestClassifyGoogleAPIErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.ErrorType
	}{
		{"too many requests", &googleapi.Error{Code: http.StatusTooManyRequests}, errors.ErrorTypeRateLimit},
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, errors.ErrorTypeAuthentication},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, errors.ErrorTypePermission},
		{"forbidden rate limited", &googleapi.Error{
			Code:   http.StatusForbidden,
			Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
		}, errors.ErrorTypeRateLimit},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, errors.ErrorTypeData},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, errors.ErrorTypeData},
		{"gateway timeout", &googleapi.Error{Code: http.StatusGatewayTimeout}, errors.ErrorTypeTimeout},
		{"backend unavailable", &googleapi.Error{Code: http.StatusServiceUnavailable}, errors.ErrorTypeConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestClassifyJobErrorReasons(t *testing.T) {
	tests := []struct {
		reason string
		want   errors.ErrorType
	}{
		{"rateLimitExceeded", errors.ErrorTypeRateLimit},
		{"quotaExceeded", errors.ErrorTypeRateLimit},
		{"backendError", errors.ErrorTypeConnection},
		{"accessDenied", errors.ErrorTypePermission},
		{"stopped", errors.ErrorTypeTimeout},
		{"invalid", errors.ErrorTypeData},
		{"somethingElse", errors.ErrorTypeQuery},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(&bigquery.Error{Reason: tt.reason}))
		})
	}
}

func TestCapabilities(t *testing.T) {
	caps := New().Capabilities()
	assert.True(t, caps.SupportsMerge)
	assert.True(t, caps.SupportsStagedReplace)
	assert.True(t, caps.SupportsSystemTables)
	assert.Equal(t, 1024, caps.MaxIdentifierLength)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusConflict}))
	assert.True(t, isConflict(&googleapi.Error{Code: http.StatusConflict}))
	assert.False(t, isConflict(errors.New(errors.ErrorTypeQuery, "plain")))
}
