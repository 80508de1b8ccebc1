// Package sqlite is the embedded SQLite destination, the default for
// development and tests. It runs entirely on the shared sqlbase client;
// the dialect stores temporals and decimals as TEXT and binds everything
// through a single connection to keep writers from tripping SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	// Pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/destinations/sqlbase"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// dialect adapts SQLite to the sqlbase statement builders.
type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) TypeDDL(c *schema.Column) string {
	switch c.Type {
	case schema.TypeBool, schema.TypeInt:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeBinary:
		return "BLOB"
	default:
		// Decimals and temporals are stored as TEXT at full precision.
		return "TEXT"
	}
}

func (dialect) SupportsSchemas() bool { return false }

func (dialect) CreateSchemaSQL(string) string { return "" }

func (dialect) TruncateSQL(qualified string) string {
	return "DELETE FROM " + qualified
}

func (dialect) ColumnsQuery(_, table string) (string, []interface{}) {
	return "SELECT name FROM pragma_table_info(?)", []interface{}{table}
}

func (dialect) MaxParams() int { return 32766 }

func (dialect) MaxIdentifier() int { return 0 }

func (dialect) NativeTemporal() bool { return false }

// Destination is the SQLite destination client.
type Destination struct {
	*sqlbase.Client
}

// New creates an unopened SQLite destination.
func New() *Destination {
	return &Destination{
		Client: sqlbase.NewClient(dialect{}, core.DestinationCapabilities{
			SupportsMerge:         true,
			SupportsStagedReplace: true,
			SupportsSystemTables:  true,
		}, classify),
	}
}

// Open opens (or creates) the database file named by the "path"
// credential. A single connection serializes writers; the busy timeout
// covers readers of the same file.
func (d *Destination) Open(ctx context.Context, cfg *config.DestinationConfig) error {
	path := cfg.Credential("path", "strata.db")
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to open sqlite database %s", path)
	}
	db.SetMaxOpenConns(1)
	d.Connect(db, cfg)
	return d.Ping(ctx)
}

// classify maps SQLite failures onto the error taxonomy. Locked and busy
// databases are retryable; everything else falls through to the shared
// heuristic.
func classify(err error) errors.ErrorType {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return errors.ErrorTypeTimeout
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such column"),
		strings.Contains(msg, "constraint"), strings.Contains(msg, "datatype mismatch"):
		return errors.ErrorTypeData
	}
	return sqlbase.Classify(err)
}
