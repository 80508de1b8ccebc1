// Package snowflake is the Snowflake destination. Data files PUT to an
// internal stage under deterministic names and COPY INTO the target
// table; Snowflake's per-table load history skips files it has already
// loaded, which makes retried and resumed jobs idempotent. DDL and the
// merge coordinator run through the shared sqlbase client.
package snowflake

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/destinations/sqlbase"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// defaultStage is the internal stage created in the dataset schema.
const defaultStage = "strata_stage"

// dialect adapts Snowflake to the sqlbase statement builders.
type dialect struct{}

func (dialect) Name() string { return "snowflake" }

func (dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) TypeDDL(c *schema.Column) string {
	switch c.Type {
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeInt:
		return "NUMBER(38,0)"
	case schema.TypeFloat:
		return "FLOAT"
	case schema.TypeDecimal:
		if c.Precision > 0 {
			return fmt.Sprintf("NUMBER(%d,%d)", c.Precision, c.Scale)
		}
		return "NUMBER(38,9)"
	case schema.TypeTimestamp:
		return "TIMESTAMP_TZ"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME"
	case schema.TypeBinary:
		return "BINARY"
	case schema.TypeComplex:
		return "VARIANT"
	default:
		return "TEXT"
	}
}

func (dialect) SupportsSchemas() bool { return true }

func (d dialect) CreateSchemaSQL(name string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + d.Quote(name)
}

func (dialect) TruncateSQL(qualified string) string {
	return "TRUNCATE TABLE IF EXISTS " + qualified
}

func (dialect) ColumnsQuery(schemaName, table string) (string, []interface{}) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?",
		[]interface{}{schemaName, table}
}

func (dialect) MaxParams() int { return 16384 }

func (dialect) MaxIdentifier() int { return 255 }

func (dialect) NativeTemporal() bool { return true }

// Destination is the Snowflake destination client.
type Destination struct {
	*sqlbase.Client

	stage   string
	onError string
	staged  bool
}

// New creates an unopened Snowflake destination.
func New() *Destination {
	return &Destination{
		Client: sqlbase.NewClient(dialect{}, core.DestinationCapabilities{
			SupportsMerge:         true,
			SupportsStagedReplace: true,
			SupportsSystemTables:  true,
			MaxIdentifierLength:   255,
		}, classify),
	}
}

// Open connects with the account/user/password/database credentials.
// DSN format: username:password@account/database/schema, warehouse and
// role as query parameters.
func (d *Destination) Open(ctx context.Context, cfg *config.DestinationConfig) error {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s",
		cfg.Credential("user", ""),
		cfg.Credential("password", ""),
		cfg.Credential("account", ""),
		cfg.Credential("database", ""),
		cfg.Dataset)

	params := []string{}
	if wh := cfg.Credential("warehouse", ""); wh != "" {
		params = append(params, "warehouse="+wh)
	}
	if role := cfg.Credential("role", ""); role != "" {
		params = append(params, "role="+role)
	}
	params = append(params,
		"ocspFailOpen=true",
		"validateDefaultParameters=true",
		"clientSessionKeepAlive=true")
	dsn += "?" + strings.Join(params, "&")

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create snowflake connection pool")
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	d.stage = cfg.Option("stage", defaultStage)
	d.onError = cfg.Option("on_error", "ABORT_STATEMENT")
	d.Connect(db, cfg)
	return d.Ping(ctx)
}

// PrepareSchema creates schemas and tables through the shared client,
// then the internal stage files PUT to.
func (d *Destination) PrepareSchema(ctx context.Context, sch *schema.Schema, tables []string) error {
	if err := d.Client.PrepareSchema(ctx, sch, tables); err != nil {
		return err
	}
	if d.staged {
		return nil
	}
	stmt := "CREATE STAGE IF NOT EXISTS " + d.stageRef() + " FILE_FORMAT = (TYPE = JSON)"
	if _, err := d.DB().ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, classify(err), "failed to create stage")
	}
	d.staged = true
	return nil
}

func (d *Destination) stageRef() string {
	return sqlbase.QuoteQualified(d.Dialect(), d.DatasetName(), d.stage)
}

// LoadFile PUTs the data file to the stage and COPYs it into its table.
// Staged files live under the load id; COPY with the default FORCE=FALSE
// skips files the table already loaded, so re-running a job after a
// crash cannot duplicate rows.
func (d *Destination) LoadFile(ctx context.Context, job *core.LoadJob) *core.JobResult {
	def := job.TableDef()
	if def == nil {
		return core.Failed(errors.Newf(errors.ErrorTypeData, "table %s missing from package schema", job.Table))
	}

	dl := d.Dialect()
	target := sqlbase.QuoteQualified(dl, d.DatasetName(), job.Table)
	if job.Staging {
		if err := d.EnsureStaging(ctx, def, job.LoadID); err != nil {
			return core.Failed(err)
		}
		target = sqlbase.QuoteQualified(dl, d.StagingDatasetName(), sqlbase.StagingTable(dl, job.Table, job.LoadID))
	}

	path, compressionName, cleanup, err := d.stageable(job)
	if err != nil {
		return core.Failed(err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	putSQL := "PUT file://" + path + " @" + d.stageRef() + "/" + job.LoadID +
		" AUTO_COMPRESS=false OVERWRITE=true"
	if _, err := d.DB().ExecContext(ctx, putSQL); err != nil {
		return core.Failed(errors.Wrapf(err, classify(err), "failed to stage %s", job.ID()))
	}

	copySQL := "COPY INTO " + target +
		" FROM @" + d.stageRef() + "/" + job.LoadID +
		" FILES = ('" + filepath.Base(path) + "')" +
		" FILE_FORMAT = (TYPE = JSON COMPRESSION = " + compressionName + ")" +
		" MATCH_BY_COLUMN_NAME = CASE_SENSITIVE" +
		" ON_ERROR = '" + d.onError + "' PURGE = TRUE"
	if _, err := d.DB().ExecContext(ctx, copySQL); err != nil {
		return core.Failed(errors.Wrapf(err, classify(err), "failed to copy %s", job.ID()))
	}
	return core.Completed(job.Rows, job.Bytes)
}

// stageable returns a local path Snowflake can ingest. Codecs Snowflake
// reads natively PUT as-is; the rest decompress into a scratch file
// whose name stays deterministic so retries stage the same object.
func (d *Destination) stageable(job *core.LoadJob) (path, compressionName string, cleanup func(), err error) {
	switch job.Codec {
	case compression.None:
		return job.Path, "NONE", nil, nil
	case compression.Gzip:
		return job.Path, "GZIP", nil, nil
	case compression.Zstd:
		return job.Path, "ZSTD", nil, nil
	case compression.Deflate:
		return job.Path, "DEFLATE", nil, nil
	}

	dir := filepath.Join(os.TempDir(), "strata-stage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create staging scratch dir")
	}
	base := filepath.Base(job.Path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	tmp := filepath.Join(dir, job.LoadID+"."+base)

	in, err := os.Open(job.Path)
	if err != nil {
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open data file")
	}
	defer in.Close()
	rc, err := compression.WrapReader(job.Codec, in)
	if err != nil {
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read data file")
	}
	defer rc.Close()
	out, err := os.Create(tmp)
	if err != nil {
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to create staging scratch file")
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to recode data file for staging")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", "", nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to recode data file for staging")
	}
	return tmp, "NONE", func() { os.Remove(tmp) }, nil
}

// classify maps Snowflake errors onto the taxonomy.
func classify(err error) errors.ErrorType {
	var sfErr *sf.SnowflakeError
	if stderrors.As(err, &sfErr) {
		switch sfErr.Number {
		case 390100, 390101, 390102, 390114: // bad credentials, token expired
			return errors.ErrorTypeAuthentication
		case 604: // query canceled
			return errors.ErrorTypeTimeout
		case 390144: // session no longer exists
			return errors.ErrorTypeConnection
		}
		switch {
		case strings.HasPrefix(sfErr.SQLState, "08"):
			return errors.ErrorTypeConnection
		case strings.HasPrefix(sfErr.SQLState, "28"):
			return errors.ErrorTypeAuthentication
		case strings.HasPrefix(sfErr.SQLState, "22"),
			strings.HasPrefix(sfErr.SQLState, "23"),
			strings.HasPrefix(sfErr.SQLState, "42"):
			return errors.ErrorTypeData
		}
		return errors.ErrorTypeQuery
	}
	return sqlbase.Classify(err)
}
