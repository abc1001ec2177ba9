//go:build !linux

package sandbox

import (
	"runtime"
	"time"
)

// lockThreadClock falls back to elapsed wall time where per-thread CPU
// clocks are unavailable, which overcounts CPU for blocked guests.
func lockThreadClock() (clock func() time.Duration, release func()) {
	runtime.LockOSThread()
	start := time.Now()
	return func() time.Duration { return time.Since(start) }, runtime.UnlockOSThread
}
