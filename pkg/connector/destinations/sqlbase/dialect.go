// Package sqlbase is the shared layer under the SQL destinations: a
// dialect interface for engine differences, statement builders for DDL
// and the merge/replace coordinator SQL, JSONL-to-bind-argument value
// conversion, and a generic database/sql client that concrete
// destinations embed.
package sqlbase

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ajitpratap0/strata/pkg/schema"
)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	// Name is the engine name used in logs and error details.
	Name() string
	// Quote returns the identifier in engine quoting.
	Quote(ident string) string
	// Placeholder returns the bind placeholder for the pos-th argument,
	// 1-based.
	Placeholder(pos int) string
	// TypeDDL maps a column to the engine's type expression.
	TypeDDL(c *schema.Column) string
	// SupportsSchemas reports whether tables live inside named schemas.
	SupportsSchemas() bool
	// CreateSchemaSQL returns the statement creating a schema, or "" when
	// schemas need no creation.
	CreateSchemaSQL(name string) string
	// TruncateSQL clears a table.
	TruncateSQL(qualified string) string
	// ColumnsQuery returns the statement listing an existing table's
	// column names, with its bind arguments. No rows means no table.
	ColumnsQuery(schemaName, table string) (string, []interface{})
	// MaxParams caps bind parameters per statement.
	MaxParams() int
	// MaxIdentifier caps identifier length; 0 means unlimited.
	MaxIdentifier() int
	// NativeTemporal reports whether date/time values bind as time.Time.
	// Engines storing temporals as text receive the original strings.
	NativeTemporal() bool
}

// QuoteQualified quotes a possibly schema-qualified table reference.
func QuoteQualified(d Dialect, schemaName, table string) string {
	if schemaName == "" || !d.SupportsSchemas() {
		return d.Quote(table)
	}
	return d.Quote(schemaName) + "." + d.Quote(table)
}

// StagingTable derives the staging table name for one table and load id,
// shortened with a hash tag when it exceeds the dialect's identifier
// limit.
func StagingTable(d Dialect, table, loadID string) string {
	name := table + "__staging_" + sanitizeIdent(loadID)
	if max := d.MaxIdentifier(); max > 0 && len(name) > max {
		sum := sha256.Sum256([]byte(name))
		tag := hex.EncodeToString(sum[:4])
		if max <= len(tag)+1 {
			return tag[:max]
		}
		name = name[:max-len(tag)-1] + "_" + tag
	}
	return name
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ColumnNames returns the table's column names in declaration order.
func ColumnNames(t *schema.Table) []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// mergeKeyColumns returns the columns rows are matched on during merge:
// the merge key, falling back to the primary key, falling back to the
// row id.
func mergeKeyColumns(t *schema.Table) []string {
	if keys := t.MergeKeys(); len(keys) > 0 {
		return keys
	}
	if keys := t.PrimaryKeys(); len(keys) > 0 {
		return keys
	}
	return []string{"_row_id"}
}
