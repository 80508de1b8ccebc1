// Package postgres is the PostgreSQL destination. Data files stream in
// through the COPY protocol on a pgx connection pool; DDL and the merge
// coordinator SQL come from the shared sqlbase builders.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/destinations/sqlbase"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// dialect adapts PostgreSQL to the sqlbase statement builders.
type dialect struct{}

func (dialect) Name() string { return "postgres" }

func (dialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (dialect) Placeholder(pos int) string { return fmt.Sprintf("$%d", pos) }

func (dialect) TypeDDL(c *schema.Column) string {
	switch c.Type {
	case schema.TypeBool:
		return "BOOLEAN"
	case schema.TypeInt:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeDecimal:
		if c.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale)
		}
		return "NUMERIC"
	case schema.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME"
	case schema.TypeBinary:
		return "BYTEA"
	case schema.TypeComplex:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (dialect) SupportsSchemas() bool { return true }

func (d dialect) CreateSchemaSQL(name string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + d.Quote(name)
}

func (dialect) TruncateSQL(qualified string) string {
	return "TRUNCATE TABLE " + qualified
}

func (dialect) ColumnsQuery(schemaName, table string) (string, []interface{}) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2",
		[]interface{}{schemaName, table}
}

func (dialect) MaxParams() int { return 65535 }

func (dialect) MaxIdentifier() int { return 63 }

func (dialect) NativeTemporal() bool { return true }

// Destination is the PostgreSQL destination client.
type Destination struct {
	d    dialect
	pool *pgxpool.Pool
	cfg  *config.DestinationConfig
	log  *zap.Logger

	mu       sync.Mutex
	stagings map[string]bool
}

// New creates an unopened PostgreSQL destination.
func New() *Destination {
	return &Destination{stagings: make(map[string]bool)}
}

// Open connects using the "dsn" credential, or assembles one from
// host/port/user/password/database.
func (d *Destination) Open(ctx context.Context, cfg *config.DestinationConfig) error {
	dsn := cfg.Credential("dsn", "")
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			cfg.Credential("user", "postgres"),
			cfg.Credential("password", ""),
			cfg.Credential("host", "localhost"),
			cfg.Credential("port", "5432"),
			cfg.Credential("database", "postgres"))
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach postgres")
	}
	d.pool = pool
	d.cfg = cfg
	d.log = logger.Get().With(
		zap.String("destination", d.d.Name()),
		zap.String("dataset", cfg.Dataset),
	)
	return nil
}

// Capabilities implements core.DestinationClient.
func (d *Destination) Capabilities() core.DestinationCapabilities {
	return core.DestinationCapabilities{
		SupportsMerge:         true,
		SupportsStagedReplace: true,
		SupportsSystemTables:  true,
		MaxIdentifierLength:   63,
	}
}

// Close releases the pool.
func (d *Destination) Close(ctx context.Context) error {
	if d.pool != nil {
		d.pool.Close()
	}
	return nil
}

// PrepareSchema creates the dataset schemas and tables and adds columns
// the destination lacks.
func (d *Destination) PrepareSchema(ctx context.Context, sch *schema.Schema, tables []string) error {
	for _, name := range []string{d.cfg.Dataset, d.cfg.StagingDataset} {
		if name == "" {
			continue
		}
		if _, err := d.pool.Exec(ctx, d.d.CreateSchemaSQL(name)); err != nil {
			return d.typed(err, "failed to create schema "+name)
		}
	}
	for _, name := range tables {
		def := sch.Table(name)
		if def == nil {
			continue
		}
		if _, err := d.pool.Exec(ctx, sqlbase.CreateTableSQL(d.d, d.cfg.Dataset, name, def)); err != nil {
			return d.typed(err, "failed to create table "+name)
		}
		if err := d.syncColumns(ctx, name, def); err != nil {
			return err
		}
	}
	return nil
}

func (d *Destination) syncColumns(ctx context.Context, name string, def *schema.Table) error {
	query, args := d.d.ColumnsQuery(d.cfg.Dataset, name)
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return d.typed(err, "failed to inspect table "+name)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return d.typed(err, "failed to inspect table "+name)
		}
		existing[col] = true
	}
	if err := rows.Err(); err != nil {
		return d.typed(err, "failed to inspect table "+name)
	}

	for _, col := range def.Columns {
		if existing[col.Name] {
			continue
		}
		if _, err := d.pool.Exec(ctx, sqlbase.AddColumnSQL(d.d, d.cfg.Dataset, name, col)); err != nil {
			return d.typed(err, "failed to add column "+col.Name+" to "+name)
		}
		d.log.Info("column added",
			zap.String("table", name),
			zap.String("column", col.Name),
			zap.String("type", string(col.Type)))
	}
	return nil
}

// LoadFile streams one data file into its table through COPY, inside a
// single transaction.
func (d *Destination) LoadFile(ctx context.Context, job *core.LoadJob) *core.JobResult {
	def := job.TableDef()
	if def == nil {
		return core.Failed(errors.Newf(errors.ErrorTypeData, "table %s missing from package schema", job.Table))
	}

	target := pgx.Identifier{d.cfg.Dataset, job.Table}
	if job.Staging {
		if err := d.ensureStaging(ctx, def, job.LoadID); err != nil {
			return core.Failed(err)
		}
		target = pgx.Identifier{d.cfg.StagingDataset, sqlbase.StagingTable(d.d, job.Table, job.LoadID)}
	}

	reader, err := sqlbase.OpenRowReader(job.Path, job.Codec)
	if err != nil {
		return core.Failed(err)
	}
	defer reader.Close()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return core.Failed(d.typed(err, "failed to start load transaction"))
	}
	defer tx.Rollback(ctx)

	src := &copySource{reader: reader, def: def, cols: sqlbase.ColumnNames(def)}
	rows, err := tx.CopyFrom(ctx, target, src.cols, src)
	if err != nil {
		return core.Failed(d.typed(err, "failed to copy "+job.ID()))
	}
	if src.err != nil {
		return core.Failed(src.err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Failed(d.typed(err, "failed to commit "+job.ID()))
	}
	return core.Completed(rows, job.Bytes)
}

// copySource adapts a data file to pgx's CopyFromSource. COPY runs in
// binary format, so decimal and time-of-day strings wrap into pgtype
// values the codecs can encode.
type copySource struct {
	reader *sqlbase.RowReader
	def    *schema.Table
	cols   []string
	values []interface{}
	err    error
}

func (s *copySource) Next() bool {
	row, err := s.reader.Next()
	if err != nil || row == nil {
		s.err = err
		return false
	}
	bound, err := sqlbase.BindRow(s.def, s.cols, row, true)
	if err != nil {
		s.err = err
		return false
	}
	for i, name := range s.cols {
		c := s.def.Column(name)
		if c == nil || bound[i] == nil {
			continue
		}
		switch c.Type {
		case schema.TypeDecimal:
			var n pgtype.Numeric
			if err := n.Scan(bound[i]); err != nil {
				s.err = errors.Wrapf(err, errors.ErrorTypeData, "bad decimal in column %s", name)
				return false
			}
			bound[i] = n
		case schema.TypeTime:
			var t pgtype.Time
			if err := t.Scan(bound[i]); err != nil {
				s.err = errors.Wrapf(err, errors.ErrorTypeData, "bad time value in column %s", name)
				return false
			}
			bound[i] = t
		}
	}
	s.values = bound
	return true
}

func (s *copySource) Values() ([]interface{}, error) { return s.values, nil }

func (s *copySource) Err() error { return s.err }

// ensureStaging creates the staging table for one table and load.
func (d *Destination) ensureStaging(ctx context.Context, def *schema.Table, loadID string) error {
	name := sqlbase.StagingTable(d.d, def.Name, loadID)
	key := d.cfg.StagingDataset + "." + name
	d.mu.Lock()
	known := d.stagings[key]
	d.mu.Unlock()
	if known {
		return nil
	}
	if _, err := d.pool.Exec(ctx, sqlbase.CreateTableSQL(d.d, d.cfg.StagingDataset, name, def)); err != nil {
		return d.typed(err, "failed to create staging table "+name)
	}
	d.mu.Lock()
	d.stagings[key] = true
	d.mu.Unlock()
	return nil
}

// MergeTable runs the family coordinator.
func (d *Destination) MergeTable(ctx context.Context, task *core.MergeTask) *core.JobResult {
	switch task.Strategy {
	case config.ReplaceTruncateInsert:
		for _, stmt := range sqlbase.TruncateStatements(d.d, d.cfg.Dataset, task) {
			if _, err := d.pool.Exec(ctx, stmt); err != nil {
				return core.Failed(d.typed(err, "failed to truncate "+task.Table.Name))
			}
		}
		return core.Completed(0, 0)

	case config.ReplaceInsertFromStaging:
		stmts, cleanup := sqlbase.StagedReplaceSQL(d.d, d.cfg.Dataset, d.cfg.StagingDataset, task)
		return d.coordinate(ctx, task, stmts, cleanup)

	default:
		stmts, cleanup := sqlbase.MergeSQL(d.d, d.cfg.Dataset, d.cfg.StagingDataset, task)
		return d.coordinate(ctx, task, stmts, cleanup)
	}
}

func (d *Destination) coordinate(ctx context.Context, task *core.MergeTask, stmts, cleanup []string) *core.JobResult {
	tables := append([]*schema.Table{task.Table}, task.Children...)
	for _, t := range tables {
		if err := d.ensureStaging(ctx, t, task.LoadID); err != nil {
			return core.Failed(err)
		}
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return core.Failed(d.typed(err, "failed to start merge transaction"))
	}
	defer tx.Rollback(ctx)

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return core.Failed(d.typed(err, "merge failed for "+task.Table.Name))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Failed(d.typed(err, "failed to commit merge for "+task.Table.Name))
	}

	for _, stmt := range cleanup {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			d.log.Warn("failed to drop staging table",
				zap.String("table", task.Table.Name), zap.Error(err))
		}
	}
	return core.Completed(0, 0)
}

// CompleteLoad records the load and schema version in the system tables.
func (d *Destination) CompleteLoad(ctx context.Context, commit *core.LoadCommit) error {
	if !d.cfg.SystemTables {
		return nil
	}
	loads := sqlbase.LoadsTableDef()
	version := sqlbase.VersionTableDef()
	for _, def := range []*schema.Table{loads, version} {
		if _, err := d.pool.Exec(ctx, sqlbase.CreateTableSQL(d.d, d.cfg.Dataset, def.Name, def)); err != nil {
			return d.typed(err, "failed to create system table "+def.Name)
		}
	}

	now := time.Now().UTC()
	// Crash recovery may re-commit a package; the load row must stay unique.
	loadsQualified := sqlbase.QuoteQualified(d.d, d.cfg.Dataset, loads.Name)
	del := "DELETE FROM " + loadsQualified + " WHERE " + d.d.Quote("load_id") + " = $1"
	if _, err := d.pool.Exec(ctx, del, commit.LoadID); err != nil {
		return d.typed(err, "failed to clear load record "+commit.LoadID)
	}
	if _, err := d.pool.Exec(ctx, sqlbase.InsertSQL(d.d, loadsQualified, sqlbase.ColumnNames(loads), 1),
		commit.LoadID, commit.SchemaName, commit.Status, now, commit.Schema.VersionHash); err != nil {
		return d.typed(err, "failed to record load "+commit.LoadID)
	}

	versionQualified := sqlbase.QuoteQualified(d.d, d.cfg.Dataset, version.Name)
	var stored int
	query := "SELECT COUNT(*) FROM " + versionQualified + " WHERE " + d.d.Quote("version_hash") + " = $1"
	if err := d.pool.QueryRow(ctx, query, commit.Schema.VersionHash).Scan(&stored); err != nil {
		return d.typed(err, "failed to check stored schema version")
	}
	if stored > 0 {
		return nil
	}

	doc, err := jsonpool.Marshal(commit.Schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema document")
	}
	if _, err := d.pool.Exec(ctx, sqlbase.InsertSQL(d.d, versionQualified, sqlbase.ColumnNames(version), 1),
		int64(commit.Schema.Version), int64(schema.EngineVersion), now,
		commit.SchemaName, commit.Schema.VersionHash, string(doc)); err != nil {
		return d.typed(err, "failed to record schema version")
	}
	return nil
}

func (d *Destination) typed(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, classify(err), msg)
}

// classify maps PostgreSQL errors onto the taxonomy by SQLSTATE class.
func classify(err error) errors.ErrorType {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300": // too_many_connections
			return errors.ErrorTypeRateLimit
		case "40001", "40P01", "55P03", "57014":
			// serialization failure, deadlock, lock unavailable, cancelled
			return errors.ErrorTypeTimeout
		case "42501":
			return errors.ErrorTypePermission
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return errors.ErrorTypeConnection
		case strings.HasPrefix(pgErr.Code, "28"): // invalid authorization
			return errors.ErrorTypeAuthentication
		case strings.HasPrefix(pgErr.Code, "22"), // data exceptions
			strings.HasPrefix(pgErr.Code, "23"), // integrity violations
			strings.HasPrefix(pgErr.Code, "42"): // undefined objects
			return errors.ErrorTypeData
		}
		return errors.ErrorTypeQuery
	}
	return sqlbase.Classify(err)
}

var _ core.DestinationClient = (*Destination)(nil)
