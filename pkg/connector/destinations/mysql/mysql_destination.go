// Package mysql is the MySQL destination. Data files load as multi-row
// INSERT batches through the shared sqlbase client; datasets map to
// MySQL databases and are always referenced fully qualified, so the DSN
// itself selects no database.
package mysql

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/destinations/sqlbase"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// dialect adapts MySQL to the sqlbase statement builders.
type dialect struct{}

func (dialect) Name() string { return "mysql" }

func (dialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) TypeDDL(c *schema.Column) string {
	switch c.Type {
	case schema.TypeBool:
		return "TINYINT(1)"
	case schema.TypeInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeDecimal:
		if c.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", c.Precision, c.Scale)
		}
		return "DECIMAL(38,9)"
	case schema.TypeTimestamp:
		return "DATETIME(6)"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME(6)"
	case schema.TypeBinary:
		return "LONGBLOB"
	case schema.TypeComplex:
		return "JSON"
	default:
		return "TEXT"
	}
}

func (dialect) SupportsSchemas() bool { return true }

func (d dialect) CreateSchemaSQL(name string) string {
	return "CREATE DATABASE IF NOT EXISTS " + d.Quote(name) + " CHARACTER SET utf8mb4"
}

func (dialect) TruncateSQL(qualified string) string {
	return "TRUNCATE TABLE " + qualified
}

func (dialect) ColumnsQuery(schemaName, table string) (string, []interface{}) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?",
		[]interface{}{schemaName, table}
}

func (dialect) MaxParams() int { return 65535 }

func (dialect) MaxIdentifier() int { return 64 }

func (dialect) NativeTemporal() bool { return true }

// Destination is the MySQL destination client.
type Destination struct {
	*sqlbase.Client
}

// New creates an unopened MySQL destination.
func New() *Destination {
	return &Destination{
		Client: sqlbase.NewClient(dialect{}, core.DestinationCapabilities{
			SupportsMerge:         true,
			SupportsStagedReplace: true,
			SupportsSystemTables:  true,
			MaxIdentifierLength:   64,
		}, classify),
	}
}

// Open connects using the host/port/user/password credentials, or a full
// "dsn" credential verbatim. parseTime and loc=UTC keep temporal values
// binding as UTC time.Time.
func (d *Destination) Open(ctx context.Context, cfg *config.DestinationConfig) error {
	dsn := cfg.Credential("dsn", "")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/?parseTime=true&loc=UTC&interpolateParams=true",
			cfg.Credential("user", "root"),
			cfg.Credential("password", ""),
			cfg.Credential("host", "localhost"),
			cfg.Credential("port", "3306"))
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open mysql connection")
	}
	db.SetMaxOpenConns(16)
	d.Connect(db, cfg)
	return d.Ping(ctx)
}

// classify maps MySQL server errors onto the taxonomy by error number.
func classify(err error) errors.ErrorType {
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case 1040: // ER_CON_COUNT_ERROR
			return errors.ErrorTypeRateLimit
		case 1205, 1213: // lock wait timeout, deadlock
			return errors.ErrorTypeTimeout
		case 1044, 1142: // access denied to database/table
			return errors.ErrorTypePermission
		case 1045: // access denied for user
			return errors.ErrorTypeAuthentication
		case 1049, 1054, 1146, 1264, 1292, 1366, 1406:
			// unknown database/column/table, out of range, bad value, too long
			return errors.ErrorTypeData
		}
		return errors.ErrorTypeQuery
	}
	return sqlbase.Classify(err)
}
