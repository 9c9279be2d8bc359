// Package governor implements the Resource Governor (C9): once-per-second
// sampling of the agent's own CPU and RSS usage against configured soft
// limits, plus a slow-read deadlock detector over the Reader set.
package governor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	DefaultSampleInterval      = time.Second
	DefaultConsecutiveOverruns = 10
	DefaultCPUStepCores        = 0.1
)

// OldestRecordProvider reports the age of the oldest unflushed record held
// by any Reader, for the slow-read deadlock detector.
type OldestRecordProvider func() (age time.Duration, ok bool)

// ShutdownFunc is invoked once the governor decides the process must exit,
// either from sustained resource overrun or deadlock detection.
type ShutdownFunc func(reason string)

// Config configures a Governor.
type Config struct {
	MaxCPUCores     float64
	MaxRSSBytes     int64
	AutoScaleCPU    bool
	MachineMaxCores float64

	SampleInterval      time.Duration
	ConsecutiveOverruns int
	CPUStepCores        float64

	// SlowReadWarn/SlowReadFatal are the two deadlock-detector thresholds:
	// warn above the first, force-exit above the second.
	SlowReadWarn  time.Duration
	SlowReadFatal time.Duration

	OldestRecord OldestRecordProvider
	Shutdown     ShutdownFunc
	Logger       *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.ConsecutiveOverruns <= 0 {
		c.ConsecutiveOverruns = DefaultConsecutiveOverruns
	}
	if c.CPUStepCores <= 0 {
		c.CPUStepCores = DefaultCPUStepCores
	}
	if c.MachineMaxCores <= 0 {
		c.MachineMaxCores = float64(runtime.NumCPU())
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Governor samples process resource usage on a ticker and triggers
// shutdown or CPU auto-scale decisions.
type Governor struct {
	cfg  Config
	proc *process.Process

	mu               sync.Mutex
	effectiveCPUCap  float64
	overruns         int
	warnedSlowRead   bool
}

// New constructs a Governor for the current process.
func New(cfg Config) (*Governor, error) {
	cfg.applyDefaults()
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Governor{cfg: cfg, proc: proc, effectiveCPUCap: cfg.MaxCPUCores}, nil
}

// Run samples at cfg.SampleInterval until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *Governor) sample(ctx context.Context) {
	cpuPct, err := g.proc.PercentWithContext(ctx, 0)
	if err != nil {
		g.cfg.Logger.Warn("governor: failed to sample CPU", slog.Any("error", err))
		return
	}
	cpuCores := cpuPct / 100.0

	var rss int64
	if mem, err := g.proc.MemInfoWithContext(ctx); err == nil {
		rss = int64(mem.RSS)
	}

	g.evaluateLimits(cpuCores, rss)
	g.evaluateSlowRead()
}

func (g *Governor) evaluateLimits(cpuCores float64, rss int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	capCores := g.effectiveCPUCap
	if capCores <= 0 {
		capCores = g.cfg.MaxCPUCores
	}

	over := (capCores > 0 && cpuCores > capCores) || (g.cfg.MaxRSSBytes > 0 && rss > g.cfg.MaxRSSBytes)
	if over {
		g.overruns++
		if g.overruns >= g.cfg.ConsecutiveOverruns {
			g.cfg.Logger.Error("governor: sustained resource overrun, initiating shutdown",
				slog.Float64("cpu_cores", cpuCores), slog.Int64("rss_bytes", rss))
			if g.cfg.Shutdown != nil {
				g.cfg.Shutdown("resource_overrun")
			}
		}
		return
	}
	g.overruns = 0

	if g.cfg.AutoScaleCPU && capCores > 0 && cpuCores < capCores*0.8 {
		next := capCores + g.cfg.CPUStepCores
		if next <= g.cfg.MachineMaxCores {
			g.effectiveCPUCap = next
		}
	}
}

// EffectiveCPUCap returns the current auto-scaled CPU cap.
func (g *Governor) EffectiveCPUCap() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveCPUCap
}

func (g *Governor) evaluateSlowRead() {
	if g.cfg.OldestRecord == nil {
		return
	}
	age, ok := g.cfg.OldestRecord()
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.SlowReadFatal > 0 && age >= g.cfg.SlowReadFatal {
		g.cfg.Logger.Error("governor: slow-read deadlock detector tripped, forcing exit",
			slog.Duration("age", age))
		if g.cfg.Shutdown != nil {
			g.cfg.Shutdown("slow_read_deadlock")
		}
		return
	}
	if g.cfg.SlowReadWarn > 0 && age >= g.cfg.SlowReadWarn && !g.warnedSlowRead {
		g.warnedSlowRead = true
		g.cfg.Logger.Warn("governor: oldest unflushed record exceeds slow-read threshold",
			slog.Duration("age", age))
	}
	if age < g.cfg.SlowReadWarn {
		g.warnedSlowRead = false
	}
}
