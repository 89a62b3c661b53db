package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a snapshot of process and host metrics reported with each
// registry heartbeat. Values that cannot be collected are left zero.
type Stats struct {
	UptimeSeconds        int64   `json:"uptimeSeconds"`
	CPUPercent           float64 `json:"cpuPercent"`
	MemoryUsedMB         float64 `json:"memoryUsedMb"`
	MemoryPercent        float64 `json:"memoryPercent"`
	Goroutines           int     `json:"goroutines"`
	HostMemoryPercent    float64 `json:"hostMemoryPercent"`
	PendingMessagesCount int64   `json:"pendingMessagesCount"`
}

// Collector gathers process stats via gopsutil. The optional pending
// function lets the producer report its outbox backlog.
type Collector struct {
	startedAt time.Time
	proc      *process.Process
	pending   func(ctx context.Context) (int64, error)
}

// NewCollector creates a Collector for the current process.
func NewCollector() *Collector {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		startedAt: time.Now(),
		proc:      proc,
	}
}

// WithPendingCount sets the callback used to report pendingMessagesCount.
func (c *Collector) WithPendingCount(fn func(ctx context.Context) (int64, error)) *Collector {
	c.pending = fn
	return c
}

// Collect gathers a stats snapshot. Collection errors are non-fatal;
// affected fields stay zero so a heartbeat is never blocked on gopsutil.
func (c *Collector) Collect(ctx context.Context) Stats {
	stats := Stats{
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if c.proc != nil {
		if pct, err := c.proc.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent = pct
		}
		if memInfo, err := c.proc.MemoryInfoWithContext(ctx); err == nil {
			stats.MemoryUsedMB = float64(memInfo.RSS) / (1024 * 1024)
		}
		if memPct, err := c.proc.MemoryPercentWithContext(ctx); err == nil {
			stats.MemoryPercent = float64(memPct)
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.HostMemoryPercent = vm.UsedPercent
	}

	if c.pending != nil {
		if count, err := c.pending(ctx); err == nil {
			stats.PendingMessagesCount = count
		}
	}

	return stats
}

// HostCPUPercent samples host-wide CPU usage over a short window.
func HostCPUPercent(ctx context.Context) float64 {
	pcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}
