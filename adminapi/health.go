package adminapi

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	maxGoroutines = 10000
	// maxHostMemoryPercent is the host memory use above which the kernel
	// reports not ready, since new sandboxes could not get their budget.
	maxHostMemoryPercent = 95.0
)

// DefaultHealth returns NewHealth with the default host memory limit.
func DefaultHealth() healthcheck.Handler {
	return NewHealth(maxHostMemoryPercent)
}

// NewHealth returns a health handler with a goroutine leak liveness check
// and a host memory readiness check.
func NewHealth(maxHostMemory float64) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("host-memory", HostMemoryCheck(maxHostMemory))
	return h
}

// HostMemoryCheck fails when host memory use exceeds maxPercent.
func HostMemoryCheck(maxPercent float64) healthcheck.Check {
	return func() error {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return fmt.Errorf("read host memory: %w", err)
		}
		if vm.UsedPercent > maxPercent {
			return fmt.Errorf("host memory %.1f%% used, limit %.1f%%", vm.UsedPercent, maxPercent)
		}
		return nil
	}
}
