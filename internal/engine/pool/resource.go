package pool

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceLimits is the opaque resourceLimits config of spec.md §3. The
// core selection algorithm never inspects it directly; it only gates
// whether the Pool Manager's growth strategies (3: grow pool, 4: temporary
// overflow) are allowed to spawn a new worker process, per SPEC_FULL.md's
// domain-stack wiring of gopsutil.
type ResourceLimits struct {
	// MaxMemPercent is the host memory utilization above which growth is
	// refused. Zero disables the check.
	MaxMemPercent float64
	// MaxCPUPercent is the host CPU utilization above which growth is
	// refused. Zero disables the check.
	MaxCPUPercent float64
}

// resourceChecker decides whether the pool may grow and takes the
// observability sample attached to newly-created entries. Implemented as
// an interface so tests can substitute a deterministic fake instead of
// reading the real host.
type resourceChecker interface {
	Sample() ResourceSample
	AllowGrowth(limits ResourceLimits) bool
}

type gopsutilChecker struct{}

func (gopsutilChecker) Sample() ResourceSample {
	sample := ResourceSample{SampledAt: time.Now()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemPercent = vm.UsedPercent
	}
	return sample
}

func (g gopsutilChecker) AllowGrowth(limits ResourceLimits) bool {
	sample := g.Sample()
	if limits.MaxMemPercent > 0 && sample.MemPercent > limits.MaxMemPercent {
		return false
	}
	if limits.MaxCPUPercent > 0 && sample.CPUPercent > limits.MaxCPUPercent {
		return false
	}
	return true
}

// noopChecker always allows growth and reports a zero sample; used when
// resource-aware growth is not configured.
type noopChecker struct{}

func (noopChecker) Sample() ResourceSample                   { return ResourceSample{SampledAt: time.Now()} }
func (noopChecker) AllowGrowth(_ ResourceLimits) bool { return true }
