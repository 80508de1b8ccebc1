// Package filesystem is the object-store destination: package data files
// copy to deterministic object names under a local directory, an S3
// bucket, or a GCS bucket. A retried or resumed job overwrites the same
// object with the same content, which makes loads idempotent without
// any destination-side bookkeeping.
//
// Object layout:
//
//	<prefix>/<dataset>/<table>/<load_id>.<job_id>.jsonl[.codec]
//	<prefix>/<dataset>/_strata/loads/<load_id>.json
//	<prefix>/<dataset>/_strata/schema/v<version>_<hash>.json
//
// Append copies files; replace clears the table prefixes in the
// coordinator before the file jobs run. Merge needs a query engine and
// is not supported.
package filesystem

import (
	"context"
	stderrors "errors"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/ajitpratap0/strata/pkg/compression"
	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/connector/core"
	"github.com/ajitpratap0/strata/pkg/errors"
	jsonpool "github.com/ajitpratap0/strata/pkg/json"
	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/schema"
)

// backend abstracts one object store scheme.
type backend interface {
	// Put writes one object, overwriting any existing one.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	// DeletePrefix removes every object under a prefix ending in "/".
	DeletePrefix(ctx context.Context, prefix string) error
	// Check verifies the store is reachable and writable.
	Check(ctx context.Context) error
	Close() error
}

// Destination is the filesystem/object-store destination client.
type Destination struct {
	cfg    *config.DestinationConfig
	log    *zap.Logger
	store  backend
	prefix string
}

// New creates an unopened filesystem destination.
func New() *Destination {
	return &Destination{}
}

// Open parses the uri credential (file:///dir, s3://bucket/prefix,
// gs://bucket/prefix; a bare path means file) and connects the backend.
func (d *Destination) Open(ctx context.Context, cfg *config.DestinationConfig) error {
	raw := cfg.Credential("uri", "")
	if raw == "" {
		return errors.New(errors.ErrorTypeConfig, "filesystem destination requires a uri credential")
	}

	scheme, bucket, prefix, err := splitURI(raw)
	if err != nil {
		return err
	}

	var store backend
	switch scheme {
	case "file":
		store = &localBackend{root: bucket}
		prefix = ""
	case "s3":
		store, err = newS3Backend(ctx, bucket, cfg)
	case "gs":
		store, err = newGCSBackend(ctx, bucket, cfg)
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported filesystem scheme %q", scheme)
	}
	if err != nil {
		return err
	}

	d.cfg = cfg
	d.store = store
	d.prefix = prefix
	d.log = logger.Get().With(
		zap.String("destination", "filesystem"),
		zap.String("scheme", scheme),
		zap.String("dataset", cfg.Dataset),
	)
	if err := store.Check(ctx); err != nil {
		store.Close()
		return err
	}
	return nil
}

// splitURI splits an object store uri into scheme, bucket (or local
// root), and key prefix.
func splitURI(raw string) (scheme, bucket, prefix string, err error) {
	if !strings.Contains(raw, "://") {
		return "file", raw, "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", errors.Wrapf(err, errors.ErrorTypeConfig, "invalid uri %q", raw)
	}
	if u.Scheme == "file" {
		return "file", path.Join(u.Host, u.Path), "", nil
	}
	if u.Host == "" {
		return "", "", "", errors.Newf(errors.ErrorTypeConfig, "uri %q is missing a bucket", raw)
	}
	return u.Scheme, u.Host, strings.Trim(u.Path, "/"), nil
}

// Capabilities implements core.DestinationClient. Merge and staged
// replace need a query engine; the scheduler falls back to append and
// truncate-and-insert.
func (d *Destination) Capabilities() core.DestinationCapabilities {
	return core.DestinationCapabilities{
		SupportsSystemTables: true,
	}
}

// Close releases the backend.
func (d *Destination) Close(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}

// PrepareSchema is a no-op: object stores have no DDL, and the data
// files already carry their column layout. The schema snapshot is
// written at commit.
func (d *Destination) PrepareSchema(ctx context.Context, sch *schema.Schema, tables []string) error {
	return nil
}

// LoadFile copies the data file, codec and all, to its deterministic
// object name.
func (d *Destination) LoadFile(ctx context.Context, job *core.LoadJob) *core.JobResult {
	if job.Staging {
		return core.Failed(errors.Newf(errors.ErrorTypeCapability,
			"filesystem destination has no staging tables for %s", job.ID()))
	}

	file, err := os.Open(job.Path)
	if err != nil {
		return core.Failed(errors.Wrapf(err, errors.ErrorTypeFile, "failed to open data file for %s", job.ID()))
	}
	defer file.Close()

	key := d.dataKey(job.Table, job.LoadID, job.JobID, job.Codec)
	if err := d.store.Put(ctx, key, file, contentTypeFor(job.Codec)); err != nil {
		return core.Failed(d.typed(err, "failed to store "+key))
	}
	return core.Completed(job.Rows, job.Bytes)
}

// MergeTable clears the family's table prefixes ahead of a replace.
// Anything else is a planning bug: the capabilities advertise no merge.
func (d *Destination) MergeTable(ctx context.Context, task *core.MergeTask) *core.JobResult {
	if task.Strategy != config.ReplaceTruncateInsert {
		return core.Failed(errors.Newf(errors.ErrorTypeCapability,
			"filesystem destination cannot merge table %s", task.Table.Name))
	}
	for _, name := range task.Tables() {
		if err := d.store.DeletePrefix(ctx, d.tablePrefix(name)); err != nil {
			return core.Failed(d.typed(err, "failed to clear table "+name))
		}
	}
	return core.Completed(0, 0)
}

// loadRecord is the JSON object written per committed load.
type loadRecord struct {
	LoadID            string `json:"load_id"`
	SchemaName        string `json:"schema_name"`
	Status            string `json:"status"`
	InsertedAt        string `json:"inserted_at"`
	SchemaVersionHash string `json:"schema_version_hash"`
}

// CompleteLoad records the load and the schema snapshot as JSON objects
// under the dataset's _strata/ prefix.
func (d *Destination) CompleteLoad(ctx context.Context, commit *core.LoadCommit) error {
	if !d.cfg.SystemTables {
		return nil
	}

	record, err := jsonpool.MarshalIndent(&loadRecord{
		LoadID:            commit.LoadID,
		SchemaName:        commit.SchemaName,
		Status:            commit.Status,
		InsertedAt:        time.Now().UTC().Format(time.RFC3339Nano),
		SchemaVersionHash: commit.Schema.VersionHash,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode load record")
	}
	key := d.systemKey("loads", commit.LoadID+".json")
	if err := d.store.Put(ctx, key, strings.NewReader(string(record)), "application/json"); err != nil {
		return d.typed(err, "failed to record load "+commit.LoadID)
	}

	doc, err := jsonpool.MarshalIndent(commit.Schema, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode schema document")
	}
	key = d.systemKey("schema", schemaObjectName(commit.Schema))
	if err := d.store.Put(ctx, key, strings.NewReader(string(doc)), "application/json"); err != nil {
		return d.typed(err, "failed to record schema version")
	}
	return nil
}

func schemaObjectName(sch *schema.Schema) string {
	return "v" + strconv.Itoa(sch.Version) + "_" + sch.VersionHash + ".json"
}

// dataKey builds the object name for one data file.
func (d *Destination) dataKey(table, loadID, jobID string, codec compression.Algorithm) string {
	return path.Join(d.prefix, d.cfg.Dataset, table, loadID+"."+jobID+".jsonl"+codec.Extension())
}

// tablePrefix is the prefix holding one table's data objects. The
// trailing slash keeps "orders" from matching "orders__items".
func (d *Destination) tablePrefix(table string) string {
	return path.Join(d.prefix, d.cfg.Dataset, table) + "/"
}

func (d *Destination) systemKey(kind, name string) string {
	return path.Join(d.prefix, d.cfg.Dataset, "_strata", kind, name)
}

func contentTypeFor(codec compression.Algorithm) string {
	if codec == compression.None {
		return "application/x-ndjson"
	}
	return "application/octet-stream"
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

// classify maps backend failures onto the taxonomy. GCS surfaces
// googleapi errors; S3 errors are matched by code name.
func classify(err error) errors.ErrorType {
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return errors.ErrorTypeRateLimit
		case apiErr.Code == 401:
			return errors.ErrorTypeAuthentication
		case apiErr.Code == 403:
			return errors.ErrorTypePermission
		case apiErr.Code == 404:
			return errors.ErrorTypeData
		case apiErr.Code >= 500:
			return errors.ErrorTypeConnection
		}
		return errors.ErrorTypeQuery
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "SlowDown"),
		strings.Contains(msg, "Throttling"),
		strings.Contains(msg, "RequestLimitExceeded"):
		return errors.ErrorTypeRateLimit
	case strings.Contains(msg, "AccessDenied"),
		strings.Contains(msg, "permission denied"):
		return errors.ErrorTypePermission
	case strings.Contains(msg, "InvalidAccessKeyId"),
		strings.Contains(msg, "SignatureDoesNotMatch"):
		return errors.ErrorTypeAuthentication
	case strings.Contains(msg, "NoSuchBucket"):
		return errors.ErrorTypeConfig
	case strings.Contains(msg, "RequestTimeout"),
		strings.Contains(msg, "timeout"):
		return errors.ErrorTypeTimeout
	}
	return errors.ErrorTypeConnection
}
