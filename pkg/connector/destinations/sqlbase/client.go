package sqlbase

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// insertBatchRows caps rows per INSERT statement; the dialect's bind
// parameter limit can lower it further.
const insertBatchRows = 500

// Client is the shared database/sql destination: transactional file
// loads via multi-row INSERT, delete-insert merge coordination, and the
// system tables. Concrete destinations open their driver, hand the
// handle to Connect, and override what their engine does differently.
type Client struct {
	dialect  Dialect
	caps     core.DestinationCapabilities
	classify func(error) errors.ErrorType

	db  *sql.DB
	cfg *config.DestinationConfig
	log *zap.Logger

	mu       sync.Mutex
	stagings map[string]bool
}

// NewClient builds a client for one dialect. The classifier maps driver
// errors onto the error taxonomy; nil uses Classify.
func NewClient(d Dialect, caps core.DestinationCapabilities, classify func(error) errors.ErrorType) *Client {
	if classify == nil {
		classify = Classify
	}
	return &Client{
		dialect:  d,
		caps:     caps,
		classify: classify,
		stagings: make(map[string]bool),
	}
}

// Connect attaches an opened database handle and its configuration.
func (c *Client) Connect(db *sql.DB, cfg *config.DestinationConfig) {
	c.db = db
	c.cfg = cfg
	c.log = logger.Get().With(
		zap.String("destination", c.dialect.Name()),
		zap.String("dataset", cfg.Dataset),
	)
}

// DB exposes the underlying handle for engine-specific statements.
func (c *Client) DB() *sql.DB { return c.db }

// Dialect returns the engine dialect.
func (c *Client) Dialect() Dialect { return c.dialect }

// DatasetName returns the configured dataset.
func (c *Client) DatasetName() string { return c.cfg.Dataset }

// StagingDatasetName returns where staging tables live: the staging
// dataset, or "" on engines without schema support.
func (c *Client) StagingDatasetName() string {
	if !c.dialect.SupportsSchemas() {
		return ""
	}
	return c.cfg.StagingDataset
}

// Capabilities implements core.DestinationClient.
func (c *Client) Capabilities() core.DestinationCapabilities { return c.caps }

// Close closes the database handle.
func (c *Client) Close(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close database")
	}
	return nil
}

// Ping verifies connectivity after open.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to reach %s", c.dialect.Name())
	}
	return nil
}

// PrepareSchema creates the dataset and the named tables, then adds any
// columns the schema has that the destination tables lack. Safe to call
// repeatedly with the same schema.
func (c *Client) PrepareSchema(ctx context.Context, sch *schema.Schema, tables []string) error {
	d := c.dialect
	if d.SupportsSchemas() {
		for _, name := range []string{c.cfg.Dataset, c.cfg.StagingDataset} {
			if name == "" {
				continue
			}
			if stmt := d.CreateSchemaSQL(name); stmt != "" {
				if _, err := c.db.ExecContext(ctx, stmt); err != nil {
					return c.typed(err, "failed to create schema "+name)
				}
			}
		}
	}

	for _, name := range tables {
		def := sch.Table(name)
		if def == nil {
			continue
		}
		if _, err := c.db.ExecContext(ctx, CreateTableSQL(d, c.cfg.Dataset, name, def)); err != nil {
			return c.typed(err, "failed to create table "+name)
		}
		if err := c.syncColumns(ctx, name, def); err != nil {
			return err
		}
	}
	return nil
}

// syncColumns adds schema columns missing from the destination table.
func (c *Client) syncColumns(ctx context.Context, name string, def *schema.Table) error {
	query, args := c.dialect.ColumnsQuery(c.cfg.Dataset, name)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return c.typed(err, "failed to inspect table "+name)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return c.typed(err, "failed to inspect table "+name)
		}
		existing[strings.ToLower(col)] = true
	}
	if err := rows.Err(); err != nil {
		return c.typed(err, "failed to inspect table "+name)
	}

	for _, col := range def.Columns {
		if existing[strings.ToLower(col.Name)] {
			continue
		}
		if _, err := c.db.ExecContext(ctx, AddColumnSQL(c.dialect, c.cfg.Dataset, name, col)); err != nil {
			return c.typed(err, "failed to add column "+col.Name+" to "+name)
		}
		c.log.Info("column added",
			zap.String("table", name),
			zap.String("column", col.Name),
			zap.String("type", string(col.Type)))
	}
	return nil
}

// LoadFile loads one data file into its table (or staging table) inside
// a single transaction.
func (c *Client) LoadFile(ctx context.Context, job *core.LoadJob) *core.JobResult {
	def := job.TableDef()
	if def == nil {
		return core.Failed(errors.Newf(errors.ErrorTypeData, "table %s missing from package schema", job.Table))
	}

	qualified, err := c.target(ctx, job, def)
	if err != nil {
		return core.Failed(err)
	}

	reader, err := OpenRowReader(job.Path, job.Codec)
	if err != nil {
		return core.Failed(err)
	}
	defer reader.Close()

	rows, err := c.loadRows(ctx, qualified, def, reader)
	if err != nil {
		return core.Failed(c.typed(err, "failed to load "+job.ID()))
	}
	return core.Completed(rows, job.Bytes)
}

// target resolves the destination table for a job, creating the staging
// table for staged jobs.
func (c *Client) target(ctx context.Context, job *core.LoadJob, def *schema.Table) (string, error) {
	if !job.Staging {
		return QuoteQualified(c.dialect, c.cfg.Dataset, job.Table), nil
	}
	if err := c.EnsureStaging(ctx, def, job.LoadID); err != nil {
		return "", err
	}
	return QuoteQualified(c.dialect, c.StagingDatasetName(), StagingTable(c.dialect, job.Table, job.LoadID)), nil
}

// EnsureStaging creates the staging table for one table and load,
// memoized per process. CREATE IF NOT EXISTS keeps it correct across
// restarts.
func (c *Client) EnsureStaging(ctx context.Context, def *schema.Table, loadID string) error {
	name := StagingTable(c.dialect, def.Name, loadID)
	key := c.StagingDatasetName() + "." + name
	c.mu.Lock()
	known := c.stagings[key]
	c.mu.Unlock()
	if known {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, CreateTableSQL(c.dialect, c.StagingDatasetName(), name, def)); err != nil {
		return c.typed(err, "failed to create staging table "+name)
	}
	c.mu.Lock()
	c.stagings[key] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) loadRows(ctx context.Context, qualified string, def *schema.Table, reader *RowReader) (int64, error) {
	d := c.dialect
	cols := ColumnNames(def)
	batchRows := insertBatchRows
	if max := d.MaxParams() / len(cols); max < batchRows {
		batchRows = max
	}
	if batchRows < 1 {
		batchRows = 1
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	args := make([]interface{}, 0, batchRows*len(cols))
	pending := 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, InsertSQL(d, qualified, cols, pending), args...); err != nil {
			return err
		}
		total += int64(pending)
		args = args[:0]
		pending = 0
		return nil
	}

	for {
		row, err := reader.Next()
		if err != nil {
			return 0, err
		}
		if row == nil {
			break
		}
		bound, err := BindRow(def, cols, row, d.NativeTemporal())
		if err != nil {
			return 0, err
		}
		args = append(args, bound...)
		pending++
		if pending >= batchRows {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// MergeTable runs the family coordinator: truncate ahead of a replace,
// swap staged replace data, or delete-insert merge by key.
func (c *Client) MergeTable(ctx context.Context, task *core.MergeTask) *core.JobResult {
	switch task.Strategy {
	case config.ReplaceTruncateInsert:
		for _, stmt := range TruncateStatements(c.dialect, c.cfg.Dataset, task) {
			if _, err := c.db.ExecContext(ctx, stmt); err != nil {
				return core.Failed(c.typed(err, "failed to truncate "+task.Table.Name))
			}
		}
		return core.Completed(0, 0)

	case config.ReplaceInsertFromStaging:
		stmts, cleanup := StagedReplaceSQL(c.dialect, c.cfg.Dataset, c.StagingDatasetName(), task)
		return c.coordinate(ctx, task, stmts, cleanup)

	default:
		stmts, cleanup := MergeSQL(c.dialect, c.cfg.Dataset, c.StagingDatasetName(), task)
		return c.coordinate(ctx, task, stmts, cleanup)
	}
}

// coordinate runs coordinator statements in one transaction so the final
// tables change atomically, then drops staging tables outside it.
func (c *Client) coordinate(ctx context.Context, task *core.MergeTask, stmts, cleanup []string) *core.JobResult {
	// Staging tables may not exist when no rows reached a child table;
	// the deletes still must run against them.
	tables := append([]*schema.Table{task.Table}, task.Children...)
	for _, t := range tables {
		if err := c.EnsureStaging(ctx, t, task.LoadID); err != nil {
			return core.Failed(err)
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Failed(c.typed(err, "failed to start merge transaction"))
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return core.Failed(c.typed(err, "merge failed for "+task.Table.Name))
		}
	}
	if err := tx.Commit(); err != nil {
		return core.Failed(c.typed(err, "failed to commit merge for "+task.Table.Name))
	}

	for _, stmt := range cleanup {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			// The swap is committed; stale staging tables are debris, not
			// data loss.
			c.log.Warn("failed to drop staging table",
				zap.String("table", task.Table.Name), zap.Error(err))
		}
	}
	return core.Completed(0, 0)
}

// CompleteLoad records the load and schema version in the system tables.
func (c *Client) CompleteLoad(ctx context.Context, commit *core.LoadCommit) error {
	if !c.cfg.SystemTables || !c.caps.SupportsSystemTables {
		return nil
	}
	d := c.dialect

	loads := LoadsTableDef()
	version := VersionTableDef()
	for _, def := range []*schema.Table{loads, version} {
		if _, err := c.db.ExecContext(ctx, CreateTableSQL(d, c.cfg.Dataset, def.Name, def)); err != nil {
			return c.typed(err, "failed to create system table "+def.Name)
		}
	}

	now := time.Now().UTC()
	insertedAt := interface{}(now)
	if !d.NativeTemporal() {
		insertedAt = now.Format(time.RFC3339Nano)
	}

	// Crash recovery may re-commit a package; the load row must stay unique.
	loadsQualified := QuoteQualified(d, c.cfg.Dataset, loads.Name)
	del := "DELETE FROM " + loadsQualified + " WHERE " + d.Quote("load_id") + " = " + d.Placeholder(1)
	if _, err := c.db.ExecContext(ctx, del, commit.LoadID); err != nil {
		return c.typed(err, "failed to clear load record "+commit.LoadID)
	}
	if _, err := c.db.ExecContext(ctx, InsertSQL(d, loadsQualified, ColumnNames(loads), 1),
		commit.LoadID, commit.SchemaName, commit.Status, insertedAt, commit.Schema.VersionHash); err != nil {
		return c.typed(err, "failed to record load "+commit.LoadID)
	}

	versionQualified := QuoteQualified(d, c.cfg.Dataset, version.Name)
	var stored int
	query := "SELECT COUNT(*) FROM " + versionQualified + " WHERE " + d.Quote("version_hash") + " = " + d.Placeholder(1)
	if err := c.db.QueryRowContext(ctx, query, commit.Schema.VersionHash).Scan(&stored); err != nil {
		return c.typed(err, "failed to check stored schema version")
	}
	if stored > 0 {
		return nil
	}

	doc, err := jsonpool.Marshal(commit.Schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema document")
	}
	if _, err := c.db.ExecContext(ctx, InsertSQL(d, versionQualified, ColumnNames(version), 1),
		int64(commit.Schema.Version), int64(schema.EngineVersion), insertedAt,
		commit.SchemaName, commit.Schema.VersionHash, string(doc)); err != nil {
		return c.typed(err, "failed to record schema version")
	}
	return nil
}

// typed wraps a driver error with its classified taxonomy type. Errors
// already carrying a type pass through.
func (c *Client) typed(err error, msg string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.Wrap(err, c.classify(err), msg)
}

// Classify maps common driver failures onto the taxonomy without engine
// knowledge. Engines with richer error codes install their own classifier
// and fall back here.
func Classify(err error) errors.ErrorType {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.ErrorTypeTimeout
	case stderrors.Is(err, context.Canceled),
		stderrors.Is(err, driver.ErrBadConn),
		stderrors.Is(err, sql.ErrConnDone):
		return errors.ErrorTypeConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return errors.ErrorTypeTimeout
	case strings.Contains(msg, "too many connections"), strings.Contains(msg, "too_many_connections"):
		return errors.ErrorTypeRateLimit
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"):
		return errors.ErrorTypeConnection
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return errors.ErrorTypePermission
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "password"):
		return errors.ErrorTypeAuthentication
	}
	return errors.ErrorTypeQuery
}
