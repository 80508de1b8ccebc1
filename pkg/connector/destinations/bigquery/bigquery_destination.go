// Package bigquery is the BigQuery destination. Data files stream into
// load jobs with deterministic job ids, so a retried or resumed job
// either attaches to the earlier submission or is rejected as a
// duplicate; either way rows land exactly once. Merge and replace run
// as multi-statement query transactions built from the shared sqlbase
// statement forms.
package bigquery

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/connector/destinations/sqlbase"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// jobChain caps the deterministic job id slots walked per file. Each
// failed attempt burns one slot; the scheduler gives up long before
// this does.
const jobChain = 64

// dialect feeds BigQuery's GoogleSQL forms to the sqlbase statement
// builders; execution goes through query jobs, not database/sql.
type dialect struct{}

func (dialect) Name() string { return "bigquery" }

func (dialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "") + "`"
}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) TypeDDL(c *schema.Column) string {
	switch c.Type {
	case schema.TypeBool:
		return "BOOL"
	case schema.TypeInt:
		return "INT64"
	case schema.TypeFloat:
		return "FLOAT64"
	case schema.TypeDecimal:
		if c.Precision > 38 || c.Scale > 9 {
			return "BIGNUMERIC"
		}
		return "NUMERIC"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeDate:
		return "DATE"
	case schema.TypeTime:
		return "TIME"
	case schema.TypeBinary:
		return "BYTES"
	case schema.TypeComplex:
		return "JSON"
	default:
		return "STRING"
	}
}

func (dialect) SupportsSchemas() bool { return true }

// Datasets are created through the API, not DDL.
func (dialect) CreateSchemaSQL(string) string { return "" }

func (dialect) TruncateSQL(qualified string) string {
	return "TRUNCATE TABLE " + qualified
}

func (d dialect) ColumnsQuery(schemaName, table string) (string, []interface{}) {
	return "SELECT column_name FROM " + d.Quote(schemaName) + ".INFORMATION_SCHEMA.COLUMNS WHERE table_name = ?",
		[]interface{}{table}
}

func (dialect) MaxParams() int { return 10000 }

func (dialect) MaxIdentifier() int { return 1024 }

func (dialect) NativeTemporal() bool { return true }

// Destination is the BigQuery destination client.
type Destination struct {
	d        dialect
	client   *bigquery.Client
	cfg      *config.DestinationConfig
	log      *zap.Logger
	location string

	mu       sync.Mutex
	stagings map[string]bool
}

// New creates an unopened BigQuery destination.
func New() *Destination {
	return &Destination{stagings: make(map[string]bool)}
}

// Open creates the client for the configured project. Credentials come
// from the environment or the credentials_file credential.
func (d *Destination) Open(ctx context.Context, cfg *config.DestinationConfig) error {
	project := cfg.Credential("project", "")
	if project == "" {
		return errors.New(errors.ErrorTypeConfig, "bigquery destination requires a project credential")
	}

	var opts []option.ClientOption
	if path := cfg.Credential("credentials_file", ""); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create bigquery client")
	}

	d.client = client
	d.cfg = cfg
	d.location = cfg.Option("location", "US")
	d.log = logger.Get().With(
		zap.String("destination", "bigquery"),
		zap.String("project", project),
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
		MaxIdentifierLength:   1024,
	}
}

// Close releases the client.
func (d *Destination) Close(ctx context.Context) error {
	if d.client == nil {
		return nil
	}
	if err := d.client.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close bigquery client")
	}
	return nil
}

// PrepareSchema auto-creates the datasets in the configured location and
// brings every named table up to the schema, adding missing fields
// through a metadata update.
func (d *Destination) PrepareSchema(ctx context.Context, sch *schema.Schema, tables []string) error {
	if err := d.ensureDataset(ctx, d.cfg.Dataset); err != nil {
		return err
	}
	if staging := d.stagingDataset(); staging != d.cfg.Dataset {
		if err := d.ensureDataset(ctx, staging); err != nil {
			return err
		}
	}
	for _, name := range tables {
		def := sch.Table(name)
		if def == nil {
			continue
		}
		if err := d.ensureTable(ctx, d.cfg.Dataset, name, def); err != nil {
			return err
		}
	}
	return nil
}

func (d *Destination) stagingDataset() string {
	if d.cfg.StagingDataset != "" {
		return d.cfg.StagingDataset
	}
	return d.cfg.Dataset
}

func (d *Destination) ensureDataset(ctx context.Context, id string) error {
	ds := d.client.Dataset(id)
	if _, err := ds.Metadata(ctx); err == nil {
		return nil
	} else if !isNotFound(err) {
		return d.typed(err, "failed to inspect dataset "+id)
	}
	err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: d.location})
	if err != nil && !isConflict(err) {
		return d.typed(err, "failed to create dataset "+id)
	}
	return nil
}

func (d *Destination) ensureTable(ctx context.Context, dataset, name string, def *schema.Table) error {
	tbl := d.client.Dataset(dataset).Table(name)
	meta, err := tbl.Metadata(ctx)
	if isNotFound(err) {
		err := tbl.Create(ctx, &bigquery.TableMetadata{Schema: bqSchema(def)})
		if err != nil && !isConflict(err) {
			return d.typed(err, "failed to create table "+name)
		}
		return nil
	}
	if err != nil {
		return d.typed(err, "failed to inspect table "+name)
	}

	existing := make(map[string]bool, len(meta.Schema))
	for _, f := range meta.Schema {
		existing[strings.ToLower(f.Name)] = true
	}
	merged := meta.Schema
	added := false
	for _, col := range def.Columns {
		if existing[strings.ToLower(col.Name)] {
			continue
		}
		merged = append(merged, &bigquery.FieldSchema{Name: col.Name, Type: fieldType(col)})
		added = true
		d.log.Info("column added",
			zap.String("table", name),
			zap.String("column", col.Name),
			zap.String("type", string(col.Type)))
	}
	if !added {
		return nil
	}
	_, err = tbl.Update(ctx, bigquery.TableMetadataToUpdate{Schema: merged}, meta.ETag)
	return d.typed(err, "failed to update table "+name)
}

// bqSchema converts a table definition. Fields stay nullable: later
// packages may deliver nulls for columns that have only held values.
func bqSchema(def *schema.Table) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(def.Columns))
	for _, col := range def.Columns {
		out = append(out, &bigquery.FieldSchema{Name: col.Name, Type: fieldType(col)})
	}
	return out
}

func fieldType(c *schema.Column) bigquery.FieldType {
	switch c.Type {
	case schema.TypeBool:
		return bigquery.BooleanFieldType
	case schema.TypeInt:
		return bigquery.IntegerFieldType
	case schema.TypeFloat:
		return bigquery.FloatFieldType
	case schema.TypeDecimal:
		if c.Precision > 38 || c.Scale > 9 {
			return bigquery.BigNumericFieldType
		}
		return bigquery.NumericFieldType
	case schema.TypeTimestamp:
		return bigquery.TimestampFieldType
	case schema.TypeDate:
		return bigquery.DateFieldType
	case schema.TypeTime:
		return bigquery.TimeFieldType
	case schema.TypeBinary:
		return bigquery.BytesFieldType
	case schema.TypeComplex:
		return bigquery.JSONFieldType
	default:
		return bigquery.StringFieldType
	}
}

// LoadFile submits the data file as a load job under a deterministic
// id. BigQuery job ids are unique forever, so each (load id, job id)
// owns a chain of slots: slot n is tried only after slots 0..n-1 are
// known failures. A resumed run attaches to whichever slot already
// succeeded instead of loading again.
func (d *Destination) LoadFile(ctx context.Context, job *core.LoadJob) *core.JobResult {
	def := job.TableDef()
	if def == nil {
		return core.Failed(errors.Newf(errors.ErrorTypeData, "table %s missing from package schema", job.Table))
	}

	dataset, table := d.cfg.Dataset, job.Table
	if job.Staging {
		if err := d.ensureStaging(ctx, def, job.LoadID); err != nil {
			return core.Failed(err)
		}
		dataset, table = d.stagingDataset(), sqlbase.StagingTable(d.d, job.Table, job.LoadID)
	}

	base := loadJobID(job)
	for slot := 0; slot < jobChain; slot++ {
		id := base
		if slot > 0 {
			id = fmt.Sprintf("%s_r%d", base, slot)
		}

		bqJob, submitted, err := d.submit(ctx, dataset, table, def, job, id)
		if err != nil {
			return core.Failed(err)
		}

		status, err := bqJob.Wait(ctx)
		if err != nil {
			return core.Failed(d.typed(err, "failed waiting on load job "+id))
		}
		if status.Err() == nil {
			rows, bytes := job.Rows, job.Bytes
			if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
				rows, bytes = stats.OutputRows, stats.InputFileBytes
			}
			return core.Completed(rows, bytes)
		}

		for _, jobErr := range status.Errors {
			d.log.Error("load job error",
				zap.String("job_id", id),
				zap.String("reason", jobErr.Reason),
				zap.String("message", jobErr.Message))
		}
		if submitted {
			return core.Failed(d.typed(status.Err(), "load job failed for "+job.ID()))
		}
		// An earlier run burned this slot; walk to the next one.
	}
	return core.Failed(errors.Newf(errors.ErrorTypeInternal, "load job chain exhausted for %s", job.ID()))
}

// submit runs a load job under the given id, or attaches to it when the
// id already exists. Returns whether this call created the job.
func (d *Destination) submit(ctx context.Context, dataset, table string, def *schema.Table, job *core.LoadJob, id string) (*bigquery.Job, bool, error) {
	reader, err := sqlbase.OpenDataFile(job.Path, job.Codec)
	if err != nil {
		return nil, false, err
	}
	defer reader.Close()

	source := bigquery.NewReaderSource(reader)
	source.SourceFormat = bigquery.JSON
	source.Schema = bqSchema(def)

	loader := d.client.Dataset(dataset).Table(table).LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.JobID = id
	loader.Labels = map[string]string{
		"managed_by": "strata",
		"load_id":    label(job.LoadID),
	}

	bqJob, err := loader.Run(ctx)
	if err == nil {
		return bqJob, true, nil
	}
	if !isConflict(err) {
		return nil, false, d.typed(err, "failed to submit load job "+id)
	}
	bqJob, err = d.client.JobFromIDLocation(ctx, id, d.location)
	if err != nil {
		return nil, false, d.typed(err, "failed to attach to load job "+id)
	}
	return bqJob, false, nil
}

// ensureStaging creates the staging table for one table and load,
// memoized per process.
func (d *Destination) ensureStaging(ctx context.Context, def *schema.Table, loadID string) error {
	name := sqlbase.StagingTable(d.d, def.Name, loadID)
	key := d.stagingDataset() + "." + name
	d.mu.Lock()
	known := d.stagings[key]
	d.mu.Unlock()
	if known {
		return nil
	}
	if err := d.ensureTable(ctx, d.stagingDataset(), name, def); err != nil {
		return err
	}
	d.mu.Lock()
	d.stagings[key] = true
	d.mu.Unlock()
	return nil
}

// MergeTable runs the family coordinator as query jobs. Merge and
// staged replace wrap their statements in one multi-statement
// transaction so the final tables change atomically.
func (d *Destination) MergeTable(ctx context.Context, task *core.MergeTask) *core.JobResult {
	switch task.Strategy {
	case config.ReplaceTruncateInsert:
		for _, stmt := range sqlbase.TruncateStatements(d.d, d.cfg.Dataset, task) {
			if err := d.run(ctx, stmt); err != nil {
				return core.Failed(d.typed(err, "failed to truncate "+task.Table.Name))
			}
		}
		return core.Completed(0, 0)

	case config.ReplaceInsertFromStaging:
		stmts, cleanup := sqlbase.StagedReplaceSQL(d.d, d.cfg.Dataset, d.stagingDataset(), task)
		return d.coordinate(ctx, task, stmts, cleanup)

	default:
		stmts, cleanup := sqlbase.MergeSQL(d.d, d.cfg.Dataset, d.stagingDataset(), task)
		return d.coordinate(ctx, task, stmts, cleanup)
	}
}

func (d *Destination) coordinate(ctx context.Context, task *core.MergeTask, stmts, cleanup []string) *core.JobResult {
	// Staging tables may not exist when no rows reached a child table;
	// the deletes still must run against them.
	tables := append([]*schema.Table{task.Table}, task.Children...)
	for _, t := range tables {
		if err := d.ensureStaging(ctx, t, task.LoadID); err != nil {
			return core.Failed(err)
		}
	}

	script := "BEGIN TRANSACTION;\n" + strings.Join(stmts, ";\n") + ";\nCOMMIT TRANSACTION;"
	if err := d.run(ctx, script); err != nil {
		return core.Failed(d.typed(err, "merge failed for "+task.Table.Name))
	}

	for _, stmt := range cleanup {
		if err := d.run(ctx, stmt); err != nil {
			// The swap is committed; stale staging tables are debris, not
			// data loss.
			d.log.Warn("failed to drop staging table",
				zap.String("table", task.Table.Name), zap.Error(err))
		}
	}
	return core.Completed(0, 0)
}

// run executes one statement as a query job and waits for it.
func (d *Destination) run(ctx context.Context, stmt string, params ...bigquery.QueryParameter) error {
	q := d.client.Query(stmt)
	q.Location = d.location
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return err
	}
	return status.Err()
}

// CompleteLoad records the load and schema version in the system tables.
func (d *Destination) CompleteLoad(ctx context.Context, commit *core.LoadCommit) error {
	if !d.cfg.SystemTables {
		return nil
	}
	loads := sqlbase.LoadsTableDef()
	version := sqlbase.VersionTableDef()
	for _, def := range []*schema.Table{loads, version} {
		if err := d.ensureTable(ctx, d.cfg.Dataset, def.Name, def); err != nil {
			return err
		}
	}

	// Crash recovery may re-commit a package; the load row must stay unique.
	loadsRef := sqlbase.QuoteQualified(d.d, d.cfg.Dataset, loads.Name)
	err := d.run(ctx, "DELETE FROM "+loadsRef+" WHERE load_id = ?",
		bigquery.QueryParameter{Value: commit.LoadID})
	if err != nil {
		return d.typed(err, "failed to clear load record "+commit.LoadID)
	}
	err = d.run(ctx,
		"INSERT INTO "+loadsRef+" (load_id, schema_name, status, inserted_at, schema_version_hash) VALUES (?, ?, ?, ?, ?)",
		bigquery.QueryParameter{Value: commit.LoadID},
		bigquery.QueryParameter{Value: commit.SchemaName},
		bigquery.QueryParameter{Value: commit.Status},
		bigquery.QueryParameter{Value: time.Now().UTC()},
		bigquery.QueryParameter{Value: commit.Schema.VersionHash},
	)
	if err != nil {
		return d.typed(err, "failed to record load "+commit.LoadID)
	}

	versionRef := sqlbase.QuoteQualified(d.d, d.cfg.Dataset, version.Name)
	stored, err := d.count(ctx,
		"SELECT COUNT(*) FROM "+versionRef+" WHERE version_hash = ?",
		bigquery.QueryParameter{Value: commit.Schema.VersionHash})
	if err != nil {
		return d.typed(err, "failed to check stored schema version")
	}
	if stored > 0 {
		return nil
	}

	doc, err := jsonpool.Marshal(commit.Schema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema document")
	}
	err = d.run(ctx,
		"INSERT INTO "+versionRef+" (version, engine_version, inserted_at, schema_name, version_hash, `schema`) VALUES (?, ?, ?, ?, ?, PARSE_JSON(?))",
		bigquery.QueryParameter{Value: int64(commit.Schema.Version)},
		bigquery.QueryParameter{Value: int64(schema.EngineVersion)},
		bigquery.QueryParameter{Value: time.Now().UTC()},
		bigquery.QueryParameter{Value: commit.SchemaName},
		bigquery.QueryParameter{Value: commit.Schema.VersionHash},
		bigquery.QueryParameter{Value: string(doc)},
	)
	if err != nil {
		return d.typed(err, "failed to record schema version")
	}
	return nil
}

func (d *Destination) count(ctx context.Context, stmt string, params ...bigquery.QueryParameter) (int64, error) {
	q := d.client.Query(stmt)
	q.Location = d.location
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return 0, err
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		return 0, err
	}
	n, _ := row[0].(int64)
	return n, nil
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

// loadJobID builds the deterministic job id for a file. BigQuery allows
// letters, digits, underscores, and dashes.
func loadJobID(job *core.LoadJob) string {
	return "strata_" + jobIDPart(job.LoadID) + "_" + jobIDPart(job.Table) + "_" + jobIDPart(job.JobID)
}

func jobIDPart(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}

// label lowercases a value into BigQuery's label charset.
func label(s string) string {
	s = strings.ToLower(jobIDPart(s))
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func isNotFound(err error) bool { return apiStatus(err) == http.StatusNotFound }

func isConflict(err error) bool { return apiStatus(err) == http.StatusConflict }

func apiStatus(err error) int {
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// classify maps BigQuery failures onto the taxonomy: googleapi errors by
// HTTP status, job errors by reason.
func classify(err error) errors.ErrorType {
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return errors.ErrorTypeRateLimit
		case http.StatusUnauthorized:
			return errors.ErrorTypeAuthentication
		case http.StatusForbidden:
			for _, item := range apiErr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "quotaExceeded" {
					return errors.ErrorTypeRateLimit
				}
			}
			return errors.ErrorTypePermission
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return errors.ErrorTypeTimeout
		case http.StatusBadRequest, http.StatusNotFound:
			return errors.ErrorTypeData
		}
		if apiErr.Code >= 500 {
			return errors.ErrorTypeConnection
		}
		return errors.ErrorTypeQuery
	}

	var jobErr *bigquery.Error
	if stderrors.As(err, &jobErr) {
		switch jobErr.Reason {
		case "rateLimitExceeded", "quotaExceeded", "jobRateLimitExceeded":
			return errors.ErrorTypeRateLimit
		case "backendError", "internalError":
			return errors.ErrorTypeConnection
		case "accessDenied":
			return errors.ErrorTypePermission
		case "timeout", "stopped":
			return errors.ErrorTypeTimeout
		case "invalid", "invalidQuery", "notFound", "duplicate":
			return errors.ErrorTypeData
		}
		return errors.ErrorTypeQuery
	}
	return sqlbase.Classify(err)
}
