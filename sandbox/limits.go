package sandbox

import (
	"time"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// Limits is the resource envelope of one context. Zero fields are unlimited.
type Limits struct {
	MaxMemoryBytes    int64         `json:"maxMemoryBytes,omitempty" yaml:"maxMemoryBytes"`
	MaxCPUPerInvoke   time.Duration `json:"maxCpuPerInvoke,omitempty" yaml:"maxCpuPerInvoke"`
	MaxCPUTotal       time.Duration `json:"maxCpuTotal,omitempty" yaml:"maxCpuTotal"`
	MaxWallPerInvoke  time.Duration `json:"maxWallPerInvoke,omitempty" yaml:"maxWallPerInvoke"`
	MaxCallsPerSecond int           `json:"maxCallsPerSecond,omitempty" yaml:"maxCallsPerSecond"`
}

// wallFactor bounds wall time per invocation relative to its CPU limit so
// a plugin blocked in mediated I/O is still reclaimed.
const wallFactor = 4

// LimitsFromManifest copies the manifest's resource request.
func LimitsFromManifest(r entities.ResourceRequest) Limits {
	return Limits{
		MaxMemoryBytes:    r.MaxMemoryBytes,
		MaxCPUPerInvoke:   r.MaxCPUPerInvoke,
		MaxWallPerInvoke:  wallFactor * r.MaxCPUPerInvoke,
		MaxCallsPerSecond: r.MaxCallsPerSecond,
	}
}

// Tighten returns the stricter of l and o per field. Limits never loosen.
func (l Limits) Tighten(o Limits) Limits {
	return Limits{
		MaxMemoryBytes:    minPositive(l.MaxMemoryBytes, o.MaxMemoryBytes),
		MaxCPUPerInvoke:   minPositive(l.MaxCPUPerInvoke, o.MaxCPUPerInvoke),
		MaxCPUTotal:       minPositive(l.MaxCPUTotal, o.MaxCPUTotal),
		MaxWallPerInvoke:  minPositive(l.MaxWallPerInvoke, o.MaxWallPerInvoke),
		MaxCallsPerSecond: minPositive(l.MaxCallsPerSecond, o.MaxCallsPerSecond),
	}
}

func minPositive[T int | int64 | time.Duration](a, b T) T {
	switch {
	case a <= 0:
		return max(b, 0)
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// cpuBudget returns the CPU allowed for the next invocation given the CPU
// already consumed. Zero means unlimited; a negative value means exhausted.
func (l Limits) cpuBudget(used time.Duration) time.Duration {
	per := l.MaxCPUPerInvoke
	if l.MaxCPUTotal <= 0 {
		return per
	}
	remaining := l.MaxCPUTotal - used
	if remaining <= 0 {
		return -1
	}
	if per <= 0 {
		return remaining
	}
	return min(per, remaining)
}
