// Package runner turns a pipeline configuration into an executed run: it
// loads the YAML file, brings up the ambient stack the observability
// section asks for (logger, metrics listener, tracing), runs the pipeline,
// and renders the outcome for people or machines.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/config"
	"github.com/ajitpratap0/strata/pkg/errors"
	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/metrics"
	"github.com/ajitpratap0/strata/pkg/observability"
	"github.com/ajitpratap0/strata/pkg/pipeline"
)

// Runner executes one configured pipeline.
type Runner struct {
	cfg *config.PipelineConfig
}

// Load reads and validates a pipeline configuration file.
func Load(path string) (*Runner, error) {
	cfg, err := config.LoadPipeline(path)
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg}, nil
}

// New wraps an already built configuration.
func New(cfg *config.PipelineConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Config returns the runner's pipeline configuration.
func (r *Runner) Config() *config.PipelineConfig { return r.cfg }

// Bootstrap initializes logging, the metrics listener, and tracing per the
// observability section. The returned shutdown flushes exporters and
// should run before process exit. The metrics listener stops with ctx.
func (r *Runner) Bootstrap(ctx context.Context, serviceVersion string) (func(), error) {
	obs := r.cfg.Observability
	if err := logger.Init(logger.Config{
		Level:       obs.LogLevel,
		Encoding:    obs.LogEncoding,
		Development: obs.Development,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid observability configuration")
	}
	log := logger.Get()

	if obs.EnableTracing {
		tc := observability.DefaultTracingConfig("strata", serviceVersion)
		if obs.TracingSampleRate > 0 {
			tc.SamplingRate = obs.TracingSampleRate
		}
		if err := observability.Initialize(tc); err != nil {
			return nil, err
		}
	}

	if obs.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, obs.MetricsAddr); err != nil {
				log.Warn("metrics listener failed",
					zap.String("addr", obs.MetricsAddr), zap.Error(err))
			}
		}()
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
		_ = log.Sync()
	}, nil
}

// Execute runs the pipeline once, resolving source and destination from
// the registry. Options are passed through to pipeline construction,
// which lets tests inject connectors.
func (r *Runner) Execute(ctx context.Context, opts ...pipeline.Option) (*pipeline.LoadInfo, error) {
	p, err := pipeline.New(r.cfg, opts...)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, nil)
}
