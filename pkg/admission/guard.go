// Package admission implements a resource-aware safety valve ahead of the
// server façade's ConnectClient: it samples process CPU and memory on an
// interval and only answers "is it safe to accept one more client right
// now".
package admission

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/rs/zerolog"
)

// Config configures the guard's thresholds and sampling interval.
type Config struct {
	// CPURejectPercent refuses new connects once process CPU usage exceeds
	// this percentage of one core-second per sampling interval.
	CPURejectPercent float64
	// MemoryRejectBytes refuses new connects once process RSS exceeds this.
	MemoryRejectBytes int64
	// SampleInterval controls how often the guard re-samples; defaults to
	// 2s if zero.
	SampleInterval time.Duration
}

// Guard samples process resource usage on an interval and answers Allow().
// It never inspects the slot bitmap or any connected client's state — pure
// admission control ahead of the server's connect path.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	proc *process.Process

	currentCPUPercent atomic.Value // float64
	currentMemBytes   atomic.Int64

	stop chan struct{}
}

// New creates a Guard and starts its sampling loop. Call Stop to end it.
func New(cfg Config, logger zerolog.Logger) *Guard {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 2 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("admission: could not open self process handle, sampling system memory only")
	}

	if cfg.MemoryRejectBytes == 0 {
		if limit, err := CgroupMemoryLimit(); err == nil && limit > 0 {
			cfg.MemoryRejectBytes = limit
			logger.Info().Int64("memory_reject_bytes", limit).Msg("admission: using cgroup memory limit as reject threshold")
		}
	}

	g := &Guard{cfg: cfg, logger: logger, proc: proc, stop: make(chan struct{})}
	g.currentCPUPercent.Store(float64(0))
	go g.loop()
	return g
}

func (g *Guard) loop() {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Guard) sample() {
	if g.proc != nil {
		if pct, err := g.proc.CPUPercent(); err == nil {
			g.currentCPUPercent.Store(pct)
		}
		if memInfo, err := g.proc.MemoryInfo(); err == nil {
			g.currentMemBytes.Store(int64(memInfo.RSS))
			return
		}
	}
	// Fall back to whole-system memory if the process handle is unusable.
	if vmem, err := mem.VirtualMemory(); err == nil {
		g.currentMemBytes.Store(int64(vmem.Used))
	}
}

// Allow reports whether a new connect_client call should proceed.
func (g *Guard) Allow() bool {
	if g.cfg.CPURejectPercent > 0 {
		if cpu, ok := g.currentCPUPercent.Load().(float64); ok && cpu >= g.cfg.CPURejectPercent {
			return false
		}
	}
	if g.cfg.MemoryRejectBytes > 0 && g.currentMemBytes.Load() >= g.cfg.MemoryRejectBytes {
		return false
	}
	return true
}

// Stop ends the sampling loop.
func (g *Guard) Stop() {
	close(g.stop)
}
