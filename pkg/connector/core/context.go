package core

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/strata/pkg/logger"
	"github.com/ajitpratap0/strata/pkg/observability"
)

// RunContext carries one pipeline run's identity through the extract,
// normalize, and load stages. It is passed explicitly; there is no global
// run state.
type RunContext struct {
	// Pipeline is the pipeline name.
	Pipeline string
	// RunID uniquely identifies this process run.
	RunID string
	// LoadID identifies the package the run is producing; recovery runs
	// reuse the recovered package's load id.
	LoadID string
	// Log is the run-scoped logger.
	Log *zap.Logger
	// Tracer spans the run's stages.
	Tracer *observability.StageTracer
}

// NewRunContext builds a run context for a pipeline run over one package.
func NewRunContext(pipeline, loadID string) *RunContext {
	runID := uuid.NewString()
	return &RunContext{
		Pipeline: pipeline,
		RunID:    runID,
		LoadID:   loadID,
		Log: logger.Get().With(
			zap.String("pipeline", pipeline),
			zap.String("run_id", runID),
			zap.String("load_id", loadID),
		),
		Tracer: observability.NewStageTracer(pipeline, loadID),
	}
}

// WithLoadID derives a context for another package within the same run.
func (rc *RunContext) WithLoadID(loadID string) *RunContext {
	ctx := *rc
	ctx.LoadID = loadID
	ctx.Log = logger.Get().With(
		zap.String("pipeline", rc.Pipeline),
		zap.String("run_id", rc.RunID),
		zap.String("load_id", loadID),
	)
	ctx.Tracer = observability.NewStageTracer(rc.Pipeline, loadID)
	return &ctx
}

// Logger returns the run logger, falling back to the process logger.
func (rc *RunContext) Logger() *zap.Logger {
	if rc == nil || rc.Log == nil {
		return logger.Get()
	}
	return rc.Log
}
