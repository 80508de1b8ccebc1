// Package testutil provides shared helpers for package tests.
package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/strata/pkg/connector/core"
)

// TestLogger creates a logger that writes through the test's output and
// is cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestRunContext builds a run context whose stage logs route to the test
// output instead of the process logger.
func TestRunContext(t *testing.T, pipeline, loadID string) *core.RunContext {
	rc := core.NewRunContext(pipeline, loadID)
	rc.Log = TestLogger(t).With(
		zap.String("pipeline", pipeline),
		zap.String("load_id", loadID),
	)
	return rc
}
