// Package sysinfo reports the daemon's own process health for the status file.
package sysinfo

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/huawei-manager/pkg/types"
)

// processStats is the subset of *process.Process the collector reads.
type processStats interface {
	CPUPercent() (float64, error)
	MemoryInfo() (*process.MemoryInfoStat, error)
	MemoryPercent() (float32, error)
}

// Collector gathers process metrics with caching.
type Collector struct {
	version   string
	pid       int
	startTime time.Time
	now       func() time.Time

	proc processStats // nil when the process handle could not be opened

	mu            sync.Mutex
	cached        *types.DaemonInfo
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a collector for the running process.
func NewCollector(version string) *Collector {
	c := &Collector{
		version:       version,
		pid:           os.Getpid(),
		startTime:     time.Now(),
		now:           time.Now,
		cacheDuration: 5 * time.Second,
	}
	if proc, err := process.NewProcess(int32(c.pid)); err == nil {
		c.proc = proc
	}
	return c
}

// Collect returns the current daemon health. devices is the number of
// monitors running. Results are cached briefly since CPUPercent walks /proc.
func (c *Collector) Collect(devices int) types.DaemonInfo {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && now.Before(c.cacheExpiry) {
		info := *c.cached
		info.Devices = devices
		return info
	}

	info := types.DaemonInfo{
		PID:           c.pid,
		Version:       c.version,
		StartedAt:     c.startTime.Unix(),
		UptimeSeconds: int64(now.Sub(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Devices:       devices,
		UpdatedAt:     now.Unix(),
	}

	if c.proc != nil {
		if cpu, err := c.proc.CPUPercent(); err == nil {
			info.CPUPercent = cpu
		}
		if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
			info.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := c.proc.MemoryPercent(); err == nil {
			info.MemoryPercent = float64(memPct)
		}
	}

	c.cached = &info
	c.cacheExpiry = now.Add(c.cacheDuration)
	return info
}

// Degraded reports whether the process is close to exhausting the router.
func Degraded(info types.DaemonInfo) bool {
	return info.MemoryPercent > 90 || info.CPUPercent > 90
}
