// Package strata implements an incremental Extract & Load pipeline that
// moves nested, schema-less records into relational destinations. It
// infers and evolves schemas from the data itself, flattens nested
// structures into child tables, and loads the result with crash-safe,
// idempotent semantics.
//
// # Pipeline
//
// A run moves data through three stages, each leaving durable artifacts
// in the working directory so an interrupted run resumes instead of
// restarting:
//
// 1. Extract reads record batches from a source connector and writes
// them to a load package as raw chunks, applying incremental cursor
// filters so only new records are pulled.
//
// 2. Normalize infers the schema from the raw chunks, evolves the
// stored schema under the configured contract, flattens nested lists
// into child tables linked by deterministic row ids, and writes
// compressed JSONL data files.
//
// 3. Load ships the data files to the destination with a concurrent
// scheduler, then runs merge or replace coordination per table and
// commits the load, cursors, and schema in one state update.
//
// # Quick Start
//
// Describe a pipeline in YAML and run it:
//
//	name: shop
//	working_dir: .strata
//	source:
//	  type: jsonl
//	  options:
//	    glob: "exports/*.jsonl"
//	destination:
//	  type: sqlite
//	  credentials:
//	    path: shop.db
//
//	strata run pipeline.yaml
//
// Repeated runs are incremental: cursors advance only after the
// destination commit, and a load id that already committed is detected
// and skipped when a crash forces a re-run.
//
// # Key Packages
//
//	pkg/schema       - Schema inference, evolution, and the version store
//	pkg/extract      - Source reading and raw chunk capture
//	pkg/normalize    - Flattening, naming, typing, data file writing
//	pkg/load         - Concurrent load scheduler with retries
//	pkg/connector    - Source and destination connectors
//	pkg/state        - Crash-safe pipeline state
//	pkg/config       - Pipeline configuration
//	pkg/errors       - Structured error handling
//	pkg/logger       - Structured logging
//
// # Connectors
//
// Available source connectors:
//   - JSONL files (glob-matched, optionally compressed)
//   - In-memory fixtures (tests and examples)
//
// Available destination connectors:
//   - SQLite, PostgreSQL, MySQL
//   - Snowflake, BigQuery
//   - Filesystem (local disk, S3, GCS)
//
// SQL destinations share one loading engine and differ only in dialect,
// so merge semantics and system tables behave identically everywhere.
//
// # Reliability
//
// Loading is built around idempotent retries: every load file job is
// keyed by (load id, job id) and re-runs replace rather than duplicate.
// A circuit breaker and rate limiter protect the destination, and the
// scheduler sizes its worker pool from available memory when not
// configured explicitly.
package strata
