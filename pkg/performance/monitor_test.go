package performance

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceMonitorUsage(t *testing.T) {
	rm, err := NewResourceMonitor()
	require.NoError(t, err)

	usage := rm.Usage()
	require.NotNil(t, usage)

	assert.Greater(t, usage.MemoryRSS, uint64(0))
	assert.Greater(t, usage.GoroutineCount, 0)
}

func TestAutoWorkersConfiguredWins(t *testing.T) {
	assert.Equal(t, 3, AutoWorkers(3, 0))
	assert.Equal(t, 2, AutoWorkers(3, 2), "clamped to max")
}

func TestAutoWorkersDefaults(t *testing.T) {
	workers := AutoWorkers(0, 0)
	assert.GreaterOrEqual(t, workers, 1)
	assert.LessOrEqual(t, workers, runtime.NumCPU())

	assert.Equal(t, 1, AutoWorkers(0, 1))
}

func TestMemoryGuard(t *testing.T) {
	rm, err := NewResourceMonitor()
	require.NoError(t, err)

	// A watermark far above any realistic test RSS.
	guard := NewMemoryGuard(rm, 1<<20)
	assert.False(t, guard.Exceeded())
	assert.Greater(t, guard.Headroom(), int64(0))

	// 1MB is below the RSS of a running Go test binary.
	tight := NewMemoryGuard(rm, 1)
	assert.True(t, tight.Exceeded())
	assert.Equal(t, int64(0), tight.Headroom())

	disabled := NewMemoryGuard(rm, 0)
	assert.False(t, disabled.Exceeded())
	assert.Equal(t, int64(-1), disabled.Headroom())
}
