// Package config provides the unified configuration system for Strata.
// A pipeline is described by a single PipelineConfig loaded from YAML,
// organized into logical sections:
//   - Source: which connector to extract from and its incremental cursors
//   - Destination: which client to load into and its credentials
//   - Normalize: naming convention, contract mode, nesting, data files
//   - Load: scheduler concurrency, retry policy, rate limiting
//   - Observability: logging, metrics, tracing
//
// Every section has production-ready defaults and a Validate method.
// ${VAR} references in the YAML are substituted from the environment
// before parsing, so credentials never need to live in the file.
//
// Example usage:
//
//	cfg := config.NewPipelineConfig("orders", "postgres")
//	cfg.Load.Workers = 8
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Contract modes accepted by NormalizeConfig.Contract.
const (
	ContractEvolve  = "evolve"
	ContractFreeze  = "freeze"
	ContractDiscard = "discard"
)

// Replace strategies accepted by LoadConfig.ReplaceStrategy.
const (
	ReplaceTruncateInsert    = "truncate-and-insert"
	ReplaceInsertFromStaging = "insert-from-staging"
)

// Validation error policies accepted by NormalizeConfig.OnValidationError.
const (
	ValidationQuarantine = "quarantine"
	ValidationFail       = "fail"
)

// PipelineConfig is the root configuration for one pipeline.
type PipelineConfig struct {
	// Name identifies the pipeline; it namespaces the working directory,
	// the destination dataset, and all persisted state.
	Name string `yaml:"name" json:"name"`
	// WorkingDir is where packages, schemas, and state live.
	// Defaults to ~/.strata/<name>.
	WorkingDir string `yaml:"working_dir" json:"working_dir"`

	// Source configures the extraction side.
	Source SourceConfig `yaml:"source" json:"source"`

	// Destination configures the load side.
	Destination DestinationConfig `yaml:"destination" json:"destination"`

	// Normalize configures flattening, typing, and package data files.
	Normalize NormalizeConfig `yaml:"normalize" json:"normalize"`

	// Load configures the job scheduler.
	Load LoadConfig `yaml:"load" json:"load"`

	// Observability configures logging, metrics, and tracing.
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// SourceConfig identifies a source connector and its read options.
type SourceConfig struct {
	// Type is the registered source connector name (e.g. "jsonl", "memory")
	Type string `yaml:"type" json:"type"`
	// Resources restricts extraction to the named resources; empty means all
	Resources []string `yaml:"resources" json:"resources"`
	// Options carries connector-specific settings (paths, globs, ...)
	Options map[string]string `yaml:"options" json:"options"`
	// Incremental maps resource name to its cursor definition
	Incremental map[string]IncrementalConfig `yaml:"incremental" json:"incremental"`
	// Hints maps resource name to its load hints (disposition, keys)
	Hints map[string]ResourceHints `yaml:"hints" json:"hints"`
}

// ResourceHints declares how a resource's root table is loaded. Field
// names refer to source record labels, not normalized column names.
type ResourceHints struct {
	// WriteDisposition is append (default), replace, or merge
	WriteDisposition string `yaml:"write_disposition" json:"write_disposition"`
	// PrimaryKey lists the record fields forming the primary key
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`
	// MergeKey lists the record fields rows are deduplicated on; defaults
	// to the primary key for merge disposition
	MergeKey []string `yaml:"merge_key" json:"merge_key"`
}

// Keys returns the effective merge key fields: MergeKey, falling back to
// PrimaryKey.
func (rh ResourceHints) Keys() []string {
	if len(rh.MergeKey) > 0 {
		return rh.MergeKey
	}
	return rh.PrimaryKey
}

// HintsFor returns the load hints declared for a resource.
func (sc *SourceConfig) HintsFor(resource string) ResourceHints {
	if sc.Hints == nil {
		return ResourceHints{}
	}
	return sc.Hints[resource]
}

// IncrementalConfig defines an incremental cursor for one resource.
type IncrementalConfig struct {
	// CursorPath is a dotted path into the record (e.g. "updated_at")
	CursorPath string `yaml:"cursor_path" json:"cursor_path"`
	// InitialValue seeds the cursor on the very first run
	InitialValue interface{} `yaml:"initial_value" json:"initial_value"`
	// LastValueFunc is "max" (default) or "min"
	LastValueFunc string `yaml:"last_value_func" json:"last_value_func"`
	// PrimaryKey lists the columns used to suppress boundary duplicates
	PrimaryKey []string `yaml:"primary_key" json:"primary_key"`
}

// DestinationConfig identifies a destination client and its settings.
type DestinationConfig struct {
	// Type is the registered destination name (e.g. "postgres", "filesystem")
	Type string `yaml:"type" json:"type"`
	// Dataset is the destination schema/dataset/prefix rows land in.
	// Defaults to the pipeline name.
	Dataset string `yaml:"dataset" json:"dataset"`
	// StagingDataset holds staging tables for merge and staged replace.
	// Defaults to "<dataset>_staging".
	StagingDataset string `yaml:"staging_dataset" json:"staging_dataset"`
	// Credentials stores connection settings; use ${VAR} references
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
	// Options carries destination-specific tuning knobs
	Options map[string]string `yaml:"options" json:"options"`
	// SystemTables controls writing _strata_loads/_strata_version
	SystemTables bool `yaml:"system_tables" json:"system_tables"`
}

// NormalizeConfig controls flattening, typing, and package data files.
type NormalizeConfig struct {
	// NamingConvention is "snake_case" (default) or "snake_case_ci"
	// for case-insensitive destinations
	NamingConvention string `yaml:"naming_convention" json:"naming_convention"`
	// MaxIdentifierLength truncates identifiers with a hash tag; 0 = unlimited
	MaxIdentifierLength int `yaml:"max_identifier_length" json:"max_identifier_length"`
	// Contract is evolve, freeze, or discard
	Contract string `yaml:"contract" json:"contract"`
	// MaxNestingDepth bounds flattening; deeper subtrees become complex values
	MaxNestingDepth int `yaml:"max_nesting_depth" json:"max_nesting_depth"`
	// Workers sizes the normalization pool; 0 = NumCPU
	Workers int `yaml:"workers" json:"workers"`
	// Compression is none, gzip, snappy, s2, lz4, or zstd
	Compression string `yaml:"compression" json:"compression"`
	// CompressionLevel is 1 (fastest) to 9 (best)
	CompressionLevel int `yaml:"compression_level" json:"compression_level"`
	// MaxRowsPerFile rotates data files, producing multiple jobs per table
	MaxRowsPerFile int `yaml:"max_rows_per_file" json:"max_rows_per_file"`
	// MaxFileBytes rotates data files by uncompressed size
	MaxFileBytes int64 `yaml:"max_file_bytes" json:"max_file_bytes"`
	// FailFast escalates contract violations to job failures
	FailFast bool `yaml:"fail_fast" json:"fail_fast"`
	// OnValidationError is "quarantine" (default) or "fail"
	OnValidationError string `yaml:"on_validation_error" json:"on_validation_error"`
}

// LoadConfig controls the job scheduler and retry policy.
type LoadConfig struct {
	// Workers bounds concurrent load jobs; 0 = auto (CPU and memory aware)
	Workers int `yaml:"workers" json:"workers"`
	// RetryAttempts sets maximum attempts per job (first try included)
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier"`
	// MaxRetryDelay caps the maximum retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RandomizeFactor jitters delays by +/- the given fraction
	RandomizeFactor float64 `yaml:"randomize_factor" json:"randomize_factor"`
	// RateLimitPerSec limits load calls per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// CircuitBreaker enables fail-fast after consecutive transient failures
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker"`
	// ReplaceStrategy is truncate-and-insert (default) or insert-from-staging
	ReplaceStrategy string `yaml:"replace_strategy" json:"replace_strategy"`
	// MemoryLimitMB defers new jobs above this process RSS (0 = unlimited)
	MemoryLimitMB int `yaml:"memory_limit_mb" json:"memory_limit_mb"`
	// PackageRetention keeps the last N loaded packages; 0 keeps all
	PackageRetention int `yaml:"package_retention" json:"package_retention"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogEncoding is "json" or "console"
	LogEncoding string `yaml:"log_encoding" json:"log_encoding"`
	// Development switches to human-friendly logging
	Development bool `yaml:"development" json:"development"`
	// MetricsAddr exposes /metrics when set (e.g. ":9090")
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing activates the tracer provider
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// NewPipelineConfig creates a PipelineConfig with defaults for the given
// pipeline name and destination type.
func NewPipelineConfig(name, destinationType string) *PipelineConfig {
	cfg := &PipelineConfig{
		Name: name,
		Destination: DestinationConfig{
			Type:         destinationType,
			Credentials:  make(map[string]string),
			SystemTables: true,
		},
		Source: SourceConfig{
			Options: make(map[string]string),
		},
		Normalize: NormalizeConfig{
			NamingConvention:  "snake_case",
			Contract:          ContractEvolve,
			MaxNestingDepth:   16,
			Workers:           runtime.NumCPU(),
			Compression:       "gzip",
			CompressionLevel:  5,
			MaxRowsPerFile:    100000,
			MaxFileBytes:      128 * 1024 * 1024,
			OnValidationError: ValidationQuarantine,
		},
		Load: LoadConfig{
			Workers:          0,
			RetryAttempts:    5,
			RetryDelay:       time.Second,
			RetryMultiplier:  2.0,
			MaxRetryDelay:    60 * time.Second,
			RandomizeFactor:  0.1,
			RateLimitPerSec:  0,
			CircuitBreaker:   true,
			ReplaceStrategy:  ReplaceTruncateInsert,
			MemoryLimitMB:    0,
			PackageRetention: 10,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogEncoding:       "json",
			TracingSampleRate: 0.1,
		},
	}
	return cfg
}

// ApplyDefaults fills zero values with defaults. Load applies it after
// unmarshalling so hand-written YAML only needs to name what it changes.
func (pc *PipelineConfig) ApplyDefaults() {
	def := NewPipelineConfig(pc.Name, pc.Destination.Type)

	if pc.WorkingDir == "" {
		pc.WorkingDir = def.WorkingDir
	}
	if pc.Destination.Dataset == "" {
		pc.Destination.Dataset = pc.Name
	}
	if pc.Destination.StagingDataset == "" {
		pc.Destination.StagingDataset = pc.Destination.Dataset + "_staging"
	}
	if pc.Destination.Credentials == nil {
		pc.Destination.Credentials = make(map[string]string)
	}
	if pc.Source.Options == nil {
		pc.Source.Options = make(map[string]string)
	}

	n := &pc.Normalize
	if n.NamingConvention == "" {
		n.NamingConvention = def.Normalize.NamingConvention
	}
	if n.Contract == "" {
		n.Contract = def.Normalize.Contract
	}
	if n.MaxNestingDepth == 0 {
		n.MaxNestingDepth = def.Normalize.MaxNestingDepth
	}
	if n.Workers == 0 {
		n.Workers = def.Normalize.Workers
	}
	if n.Compression == "" {
		n.Compression = def.Normalize.Compression
	}
	if n.CompressionLevel == 0 {
		n.CompressionLevel = def.Normalize.CompressionLevel
	}
	if n.MaxRowsPerFile == 0 {
		n.MaxRowsPerFile = def.Normalize.MaxRowsPerFile
	}
	if n.MaxFileBytes == 0 {
		n.MaxFileBytes = def.Normalize.MaxFileBytes
	}
	if n.OnValidationError == "" {
		n.OnValidationError = def.Normalize.OnValidationError
	}

	l := &pc.Load
	if l.RetryAttempts == 0 {
		l.RetryAttempts = def.Load.RetryAttempts
	}
	if l.RetryDelay == 0 {
		l.RetryDelay = def.Load.RetryDelay
	}
	if l.RetryMultiplier == 0 {
		l.RetryMultiplier = def.Load.RetryMultiplier
	}
	if l.MaxRetryDelay == 0 {
		l.MaxRetryDelay = def.Load.MaxRetryDelay
	}
	if l.RandomizeFactor == 0 {
		l.RandomizeFactor = def.Load.RandomizeFactor
	}
	if l.ReplaceStrategy == "" {
		l.ReplaceStrategy = def.Load.ReplaceStrategy
	}
	if l.PackageRetention == 0 {
		l.PackageRetention = def.Load.PackageRetention
	}

	o := &pc.Observability
	if o.LogLevel == "" {
		o.LogLevel = def.Observability.LogLevel
	}
	if o.LogEncoding == "" {
		o.LogEncoding = def.Observability.LogEncoding
	}
	if o.TracingSampleRate == 0 {
		o.TracingSampleRate = def.Observability.TracingSampleRate
	}
}

// Validate validates the configuration for correctness.
func (pc *PipelineConfig) Validate() error {
	if pc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if pc.Destination.Type == "" {
		return fmt.Errorf("destination.type is required")
	}
	if err := pc.Source.Validate(); err != nil {
		return err
	}
	if err := pc.Normalize.Validate(); err != nil {
		return err
	}
	if err := pc.Load.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks the normalize section.
func (n *NormalizeConfig) Validate() error {
	switch n.NamingConvention {
	case "", "snake_case", "snake_case_ci":
	default:
		return fmt.Errorf("normalize.naming_convention must be snake_case or snake_case_ci, got %q", n.NamingConvention)
	}
	switch n.Contract {
	case "", ContractEvolve, ContractFreeze, ContractDiscard:
	default:
		return fmt.Errorf("normalize.contract must be evolve, freeze, or discard, got %q", n.Contract)
	}
	if n.MaxNestingDepth < 0 {
		return fmt.Errorf("normalize.max_nesting_depth cannot be negative")
	}
	if n.MaxIdentifierLength < 0 {
		return fmt.Errorf("normalize.max_identifier_length cannot be negative")
	}
	if n.MaxRowsPerFile < 0 {
		return fmt.Errorf("normalize.max_rows_per_file cannot be negative")
	}
	switch n.OnValidationError {
	case "", ValidationQuarantine, ValidationFail:
	default:
		return fmt.Errorf("normalize.on_validation_error must be quarantine or fail, got %q", n.OnValidationError)
	}
	return nil
}

// Validate checks the source section.
func (sc *SourceConfig) Validate() error {
	for resource, hints := range sc.Hints {
		switch hints.WriteDisposition {
		case "", "append", "replace", "merge":
		default:
			return fmt.Errorf("source.hints.%s.write_disposition must be append, replace, or merge, got %q",
				resource, hints.WriteDisposition)
		}
		if hints.WriteDisposition == "merge" && len(hints.Keys()) == 0 {
			return fmt.Errorf("source.hints.%s: merge disposition requires a merge_key or primary_key", resource)
		}
	}
	return nil
}

// Validate checks the load section.
func (l *LoadConfig) Validate() error {
	if l.Workers < 0 {
		return fmt.Errorf("load.workers cannot be negative")
	}
	if l.RetryAttempts < 1 {
		return fmt.Errorf("load.retry_attempts must be at least 1")
	}
	if l.RetryMultiplier < 1 {
		return fmt.Errorf("load.retry_multiplier must be at least 1")
	}
	if l.RandomizeFactor < 0 || l.RandomizeFactor > 1 {
		return fmt.Errorf("load.randomize_factor must be between 0 and 1")
	}
	if l.RateLimitPerSec < 0 {
		return fmt.Errorf("load.rate_limit_per_sec cannot be negative")
	}
	switch l.ReplaceStrategy {
	case "", ReplaceTruncateInsert, ReplaceInsertFromStaging:
	default:
		return fmt.Errorf("load.replace_strategy must be %s or %s, got %q",
			ReplaceTruncateInsert, ReplaceInsertFromStaging, l.ReplaceStrategy)
	}
	if l.PackageRetention < 0 {
		return fmt.Errorf("load.package_retention cannot be negative")
	}
	return nil
}

// ResolveWorkingDir returns the effective working directory, defaulting
// to ~/.strata/<name>.
func (pc *PipelineConfig) ResolveWorkingDir() (string, error) {
	if pc.WorkingDir != "" {
		return pc.WorkingDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve default working directory: %w", err)
	}
	return filepath.Join(home, ".strata", pc.Name), nil
}

// GetWorkers returns the normalization worker count, at least 1.
func (n *NormalizeConfig) GetWorkers() int {
	if n.Workers <= 0 {
		return runtime.NumCPU()
	}
	return n.Workers
}

// CaseSensitive reports whether the naming convention preserves case
// distinctions for collision detection.
func (n *NormalizeConfig) CaseSensitive() bool {
	return n.NamingConvention != "snake_case_ci"
}

// IsRateLimited returns true if rate limiting is enabled.
func (l *LoadConfig) IsRateLimited() bool {
	return l.RateLimitPerSec > 0
}

// Credential returns a credential value or the fallback when unset.
func (dc *DestinationConfig) Credential(key, fallback string) string {
	if v, ok := dc.Credentials[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Option returns an option value or the fallback when unset.
func (dc *DestinationConfig) Option(key, fallback string) string {
	if v, ok := dc.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}

// Option returns a source option value or the fallback when unset.
func (sc *SourceConfig) Option(key, fallback string) string {
	if v, ok := sc.Options[key]; ok && v != "" {
		return v
	}
	return fallback
}
