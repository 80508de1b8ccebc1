// Package connector defines the pluggable edges of a Strata pipeline:
// sources that yield raw record batches and destinations that load the
// normalized data files a pipeline produces.
//
// # Architecture Overview
//
// The connector tree is organized into several sub-packages:
//
//   - core: Defines the contracts every connector implements.
//     SourceConnector produces RecordBatchIterator streams per resource;
//     DestinationClient prepares schemas, loads data files, and runs
//     merge coordination. The job types (LoadJob, MergeTask, LoadCommit)
//     carry everything a destination needs for one unit of work.
//
//   - registry: A process-wide catalog mapping connector names to
//     factories. Connector packages self-register from init(), so a
//     blank import of the sources or destinations aggregator package
//     makes every built-in connector constructible by name.
//
//   - sources: Source implementations. jsonl reads newline-delimited
//     JSON files matched by glob; memory serves fixtures built in code,
//     which tests and examples use in place of a real upstream.
//
//   - destinations: Destination implementations. The SQL destinations
//     (sqlite, postgres, mysql, snowflake, bigquery) share one engine,
//     sqlbase, and differ only in a Dialect plus connection handling.
//     filesystem copies load packages to local disk, S3, or GCS without
//     a database.
//
// # Loading Contract
//
// Destinations are written so a crashed or retried run converges to the
// same result as a clean one:
//
//   - LoadFile is idempotent per (load id, job id). A destination that
//     stages into per-load tables truncates the job's prior attempt
//     before writing; re-running a job never duplicates rows.
//   - PrepareSchema issues only additive, re-runnable DDL.
//   - CompleteLoad may be called again for a load that already
//     committed, which happens when a run fails between the destination
//     commit and the local state write.
//
// The scheduler consults DestinationCapabilities before planning merge
// or staged-replace work, so a destination only receives task shapes it
// declared support for.
//
// # Example Usage
//
// Connectors are built by name through the registry and configured with
// the matching section of the pipeline configuration:
//
//	import (
//		_ "github.com/ajitpratap0/strata/pkg/connector/sources"
//	)
//
//	src, err := registry.CreateSource("jsonl")
//	if err != nil {
//		return err
//	}
//	if err := src.Open(ctx, &cfg.Source); err != nil {
//		return err
//	}
//	defer src.Close(ctx)
//
//	for _, resource := range src.Resources() {
//		it, err := src.Read(ctx, resource, nil)
//		...
//	}
//
// Destinations follow the same pattern via CreateDestination and the
// DestinationConfig section. The pipeline package wires both ends
// together; callers normally interact with connectors only through
// their pipeline configuration.
package connector
