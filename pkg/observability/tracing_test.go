package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/strata/pkg/errors"
)

func TestInitializeAndTrace(t *testing.T) {
	cfg := DefaultTracingConfig("strata-test", "0.0.0")
	cfg.SamplingRate = 0 // keep test output clean

	require.NoError(t, Initialize(cfg))

	ctx, span := NewSpan(context.Background(), "test.operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.SetAttribute("table", "orders")
	span.SetAttribute("rows", 42)
	span.SetAttribute("ratio", 0.5)
	span.SetAttribute("ok", true)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Shutdown(shutdownCtx))
}

func TestStageTracer(t *testing.T) {
	st := NewStageTracer("orders", "1756100000000000001")

	err := st.TraceStage(context.Background(), "normalize", func(ctx context.Context) error {
		require.NotNil(t, ctx)
		return nil
	})
	assert.NoError(t, err)

	wantErr := errors.New(errors.ErrorTypeData, "bad row")
	err = st.TraceStage(context.Background(), "load", func(ctx context.Context) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
}
