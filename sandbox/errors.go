package sandbox

import (
	"errors"
	"fmt"

	"github.com/reglet-dev/reglet-trust/policy"
)

var (
	// ErrResourceExceeded is matched by every ResourceExceededError.
	ErrResourceExceeded = errors.New("resource limit exceeded")
	// ErrFault is matched by every FaultError.
	ErrFault = errors.New("sandbox fault")
	// ErrContextNotFound is returned for unknown or already destroyed contexts.
	ErrContextNotFound = errors.New("sandbox context not found")
	// ErrTerminated is returned when invoking a terminated context.
	ErrTerminated = errors.New("sandbox context terminated")
	// ErrSuspended is returned when invoking a suspended context.
	ErrSuspended = errors.New("sandbox context suspended")
	// ErrUnknownEntryPoint is returned for entry points the plugin does not export.
	ErrUnknownEntryPoint = errors.New("unknown entry point")
	// ErrNoEngine is returned when no engine serves the manifest runtime.
	ErrNoEngine = errors.New("no engine for runtime")
	// ErrInvalidTransition is returned for lifecycle changes the current state does not allow.
	ErrInvalidTransition = errors.New("invalid sandbox state transition")
	// ErrMemoryLimit is returned by engines when guest allocation hits the limit.
	ErrMemoryLimit = errors.New("guest memory limit reached")
)

// Resource names a metered resource.
type Resource string

const (
	ResourceCPU      Resource = "cpu"
	ResourceWall     Resource = "wall"
	ResourceMemory   Resource = "memory"
	ResourceCallRate Resource = "call-rate"
)

// ResourceExceededError reports a hard limit violation. The context that
// raised it is terminated.
type ResourceExceededError struct {
	InstanceID string
	Resource   Resource
	Limit      string
	Used       string
}

func (e *ResourceExceededError) Error() string {
	if e.Used == "" {
		return fmt.Sprintf("sandbox %s: %s limit %s exceeded", e.InstanceID, e.Resource, e.Limit)
	}
	return fmt.Sprintf("sandbox %s: %s limit %s exceeded (used %s)", e.InstanceID, e.Resource, e.Limit, e.Used)
}

func (e *ResourceExceededError) Is(target error) bool { return target == ErrResourceExceeded }

// FaultError captures a crash inside plugin code: a trap, a runtime error or
// a panic in the engine. The context that raised it is terminated.
type FaultError struct {
	InstanceID string
	Reason     string
	Cause      error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("sandbox %s: fault: %s", e.InstanceID, e.Reason)
}

func (e *FaultError) Is(target error) bool { return target == ErrFault }

func (e *FaultError) Unwrap() error { return e.Cause }

// ErrorCode names the class of a failed host call as plugin code sees it:
// the denial reason, "ResourceExceeded" or "Error".
func ErrorCode(err error) string {
	if r := policy.ReasonOf(err); r != policy.ReasonNone {
		return string(r)
	}
	if errors.Is(err, ErrResourceExceeded) {
		return "ResourceExceeded"
	}
	return "Error"
}
