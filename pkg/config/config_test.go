package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPipelineConfigDefaults(t *testing.T) {
	cfg := NewPipelineConfig("orders", "postgres")

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, "postgres", cfg.Destination.Type)
	assert.Equal(t, ContractEvolve, cfg.Normalize.Contract)
	assert.Equal(t, "snake_case", cfg.Normalize.NamingConvention)
	assert.Equal(t, 5, cfg.Load.RetryAttempts)
	assert.Equal(t, ReplaceTruncateInsert, cfg.Load.ReplaceStrategy)
	assert.True(t, cfg.Destination.SystemTables)
}

func TestApplyDefaultsFillsDataset(t *testing.T) {
	cfg := &PipelineConfig{
		Name:        "orders",
		Destination: DestinationConfig{Type: "sqlite"},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "orders", cfg.Destination.Dataset)
	assert.Equal(t, "orders_staging", cfg.Destination.StagingDataset)
	assert.Equal(t, ContractEvolve, cfg.Normalize.Contract)
	assert.Equal(t, 16, cfg.Normalize.MaxNestingDepth)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PipelineConfig)
	}{
		{"missing name", func(c *PipelineConfig) { c.Name = "" }},
		{"missing destination type", func(c *PipelineConfig) { c.Destination.Type = "" }},
		{"bad contract", func(c *PipelineConfig) { c.Normalize.Contract = "reject" }},
		{"bad naming", func(c *PipelineConfig) { c.Normalize.NamingConvention = "camelCase" }},
		{"zero attempts", func(c *PipelineConfig) { c.Load.RetryAttempts = 0 }},
		{"bad multiplier", func(c *PipelineConfig) { c.Load.RetryMultiplier = 0.5 }},
		{"bad replace strategy", func(c *PipelineConfig) { c.Load.ReplaceStrategy = "swap" }},
		{"bad validation policy", func(c *PipelineConfig) { c.Normalize.OnValidationError = "ignore" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewPipelineConfig("p", "sqlite")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadPipelineSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_PG_PASSWORD", "s3cret")

	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := `
name: orders
working_dir: ` + dir + `
source:
  type: jsonl
  options:
    path: /data/in
destination:
  type: postgres
  credentials:
    dsn: postgres://app:${TEST_PG_PASSWORD}@db:5432/app
normalize:
  contract: freeze
  compression: zstd
load:
  workers: 4
  retry_delay: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadPipeline(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, "postgres://app:s3cret@db:5432/app", cfg.Destination.Credentials["dsn"])
	assert.Equal(t, ContractFreeze, cfg.Normalize.Contract)
	assert.Equal(t, "zstd", cfg.Normalize.Compression)
	assert.Equal(t, 4, cfg.Load.Workers)
	assert.Equal(t, 2*time.Second, cfg.Load.RetryDelay)
	// defaults filled in around the overrides
	assert.Equal(t, "orders", cfg.Destination.Dataset)
	assert.Equal(t, 5, cfg.Load.RetryAttempts)
}

func TestCredentialAndOptionFallbacks(t *testing.T) {
	dc := DestinationConfig{
		Credentials: map[string]string{"dsn": "x"},
		Options:     map[string]string{"stage": "loading"},
	}
	assert.Equal(t, "x", dc.Credential("dsn", "y"))
	assert.Equal(t, "y", dc.Credential("missing", "y"))
	assert.Equal(t, "loading", dc.Option("stage", "d"))
	assert.Equal(t, "d", dc.Option("missing", "d"))
}
