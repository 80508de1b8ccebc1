// Package performance provides process resource monitoring used to size
// worker pools and enforce memory watermarks during normalization and load.
package performance

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/ajitpratap0/strata/pkg/errors"
)

// ResourceMonitor monitors system and process resources.
type ResourceMonitor struct {
	process      *process.Process
	startCPUTime float64
	startTime    time.Time
	mu           sync.RWMutex
}

// NewResourceMonitor creates a resource monitor attached to the current process.
func NewResourceMonitor() (*ResourceMonitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to attach resource monitor")
	}

	rm := &ResourceMonitor{
		process:   proc,
		startTime: time.Now(),
	}

	if times, err := proc.Times(); err == nil {
		rm.startCPUTime = times.Total()
	}

	return rm, nil
}

// ResourceUsage contains a point-in-time resource snapshot.
type ResourceUsage struct {
	CPUPercent            float64
	MemoryRSS             uint64
	MemoryVMS             uint64
	SystemMemoryPercent   float64
	SystemMemoryAvailable uint64
	GoroutineCount        int
	ThreadCount           int32
	OpenFDs               int32
}

// Usage returns current resource usage. Individual probes that fail leave
// their fields zero rather than failing the whole snapshot.
func (rm *ResourceMonitor) Usage() *ResourceUsage {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	usage := &ResourceUsage{}

	if times, err := rm.process.Times(); err == nil {
		elapsed := time.Since(rm.startTime).Seconds()
		if elapsed > 0 {
			usage.CPUPercent = ((times.Total() - rm.startCPUTime) / elapsed) * 100
		}
	}

	if memInfo, err := rm.process.MemoryInfo(); err == nil {
		usage.MemoryRSS = memInfo.RSS
		usage.MemoryVMS = memInfo.VMS
	}

	if vmStat, err := mem.VirtualMemory(); err == nil {
		usage.SystemMemoryPercent = vmStat.UsedPercent
		usage.SystemMemoryAvailable = vmStat.Available
	}

	usage.GoroutineCount = runtime.NumGoroutine()
	usage.ThreadCount, _ = rm.process.NumThreads()
	usage.OpenFDs, _ = rm.process.NumFDs()

	return usage
}

// SystemCPUPercent returns instantaneous system-wide CPU usage.
func SystemCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

// workerMemoryBudget is the per-worker memory estimate used when sizing
// pools from available system memory. Normalization workers buffer a batch
// of rows plus a compression window.
const workerMemoryBudget = 256 << 20 // 256MB

// AutoWorkers picks a worker count. A configured value > 0 wins. Otherwise
// the count starts at NumCPU and is reduced when available system memory
// cannot hold a full batch per worker. The result is always at least 1 and
// never more than max (when max > 0).
func AutoWorkers(configured, max int) int {
	if configured > 0 {
		if max > 0 && configured > max {
			return max
		}
		return configured
	}

	workers := runtime.NumCPU()

	if vmStat, err := mem.VirtualMemory(); err == nil {
		byMemory := int(vmStat.Available / uint64(workerMemoryBudget))
		if byMemory < 1 {
			byMemory = 1
		}
		if byMemory < workers {
			workers = byMemory
		}
	}

	if workers < 1 {
		workers = 1
	}
	if max > 0 && workers > max {
		workers = max
	}
	return workers
}

// MemoryGuard watches process RSS against a fixed watermark. Writers consult
// it to rotate files early and schedulers to pause dispatch under pressure.
type MemoryGuard struct {
	monitor    *ResourceMonitor
	limitBytes uint64
}

// NewMemoryGuard creates a guard with the given limit in megabytes.
// A limit of 0 disables the guard.
func NewMemoryGuard(monitor *ResourceMonitor, limitMB int) *MemoryGuard {
	var limit uint64
	if limitMB > 0 {
		limit = uint64(limitMB) << 20
	}
	return &MemoryGuard{monitor: monitor, limitBytes: limit}
}

// Exceeded reports whether process RSS is above the watermark.
func (g *MemoryGuard) Exceeded() bool {
	if g == nil || g.limitBytes == 0 || g.monitor == nil {
		return false
	}
	return g.monitor.Usage().MemoryRSS > g.limitBytes
}

// Headroom returns bytes remaining under the watermark, 0 when exceeded
// and -1 when the guard is disabled.
func (g *MemoryGuard) Headroom() int64 {
	if g == nil || g.limitBytes == 0 || g.monitor == nil {
		return -1
	}
	rss := g.monitor.Usage().MemoryRSS
	if rss >= g.limitBytes {
		return 0
	}
	return int64(g.limitBytes - rss)
}
