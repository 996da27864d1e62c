package workpool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/meridian/pkg/logger"
)

// Throttle thresholds. Memory is the binding constraint for batch fan-out;
// CPU pressure mostly self-regulates through the worker ceiling.
const (
	memoryThrottlePercent = 85.0
	cpuThrottlePercent    = 92.0
	probeCacheTTL         = 5 * time.Second
)

// Resources is a point-in-time view of system pressure.
type Resources struct {
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryPercent      float64   `json:"memory_percent"`
	MemoryAvailableMB  uint64    `json:"memory_available_mb"`
	SampledAt          time.Time `json:"sampled_at"`
}

// ResourceProbe samples system CPU and memory via gopsutil, with a short
// cache so hot paths (batch admission) don't hammer /proc.
type ResourceProbe struct {
	log    zerolog.Logger
	mu     sync.Mutex
	last   Resources
	sample func() (Resources, error)
}

// NewResourceProbe creates a probe backed by gopsutil.
func NewResourceProbe(log zerolog.Logger) *ResourceProbe {
	p := &ResourceProbe{
		log: logger.Component(log, "resource_probe"),
	}
	p.sample = p.sampleSystem
	return p
}

// SetSampler replaces the sampling function. Used by tests.
func (p *ResourceProbe) SetSampler(fn func() (Resources, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sample = fn
	p.last = Resources{}
}

func (p *ResourceProbe) sampleSystem() (Resources, error) {
	res := Resources{SampledAt: time.Now()}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return res, err
	}
	if len(cpuPercent) > 0 {
		res.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		return res, err
	}
	res.MemoryPercent = memStat.UsedPercent
	res.MemoryAvailableMB = memStat.Available / 1024 / 1024

	return res, nil
}

// GetSystemResources returns current resource usage, reusing a sample
// taken within the last few seconds.
func (p *ResourceProbe) GetSystemResources() Resources {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.last.SampledAt) < probeCacheTTL {
		return p.last
	}

	res, err := p.sample()
	if err != nil {
		// A failed probe must not block work; report the previous sample.
		p.log.Warn().Err(err).Msg("Resource sampling failed")
		return p.last
	}
	if res.SampledAt.IsZero() {
		res.SampledAt = time.Now()
	}
	p.last = res
	return res
}

// ShouldThrottle reports whether batch work should be narrowed because of
// system pressure.
func (p *ResourceProbe) ShouldThrottle() bool {
	res := p.GetSystemResources()
	return res.MemoryPercent >= memoryThrottlePercent || res.CPUPercent >= cpuThrottlePercent
}
