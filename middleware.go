package trust

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-trust/capability"
)

// Handler performs an authorized capability call.
type Handler func(ctx context.Context, call capability.Call) (any, error)

// Middleware wraps a Handler to add cross-cutting behavior. Middleware runs
// after authorization and executes in FIFO order: the first registered is
// the outermost.
//
// Example usage:
//
//	audit := func(next trust.Handler) trust.Handler {
//	    return func(ctx context.Context, call capability.Call) (any, error) {
//	        log.Printf("dispatching %s", call.Capability)
//	        return next(ctx, call)
//	    }
//	}
type Middleware func(next Handler) Handler

// Chain wraps h with mw, first entry outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// PanicError is returned when a mediator panics while serving a call.
type PanicError struct {
	Capability capability.Name
	Value      any
	Stack      string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("mediator for %s panicked: %v", e.Capability, e.Value)
}

// PanicRecoveryMiddleware converts mediator panics into *PanicError so a
// faulty subsystem cannot take down the caller.
func PanicRecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call capability.Call) (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					out, err = nil, &PanicError{Capability: call.Capability, Value: r, Stack: string(debug.Stack())}
				}
			}()
			return next(ctx, call)
		}
	}
}

// LoggingMiddleware logs every dispatched call at debug level and failures
// at warn.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call capability.Call) (any, error) {
			start := time.Now()
			out, err := next(ctx, call)
			attrs := []any{
				"plugin", call.PluginID,
				"instance", call.InstanceID,
				"capability", call.Capability,
				"scope", call.Scope.String(),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.WarnContext(ctx, "mediated call failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "mediated call", attrs...)
			}
			return out, err
		}
	}
}

// UserAgentMiddleware sets a User-Agent header on network:fetch calls that
// do not carry one.
func UserAgentMiddleware(userAgent string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call capability.Call) (any, error) {
			if call.Capability != "network:fetch" {
				return next(ctx, call)
			}
			headers, _ := call.Args["headers"].(map[string]any)
			for k := range headers {
				if strings.EqualFold(k, "User-Agent") {
					return next(ctx, call)
				}
			}
			args := make(map[string]any, len(call.Args)+1)
			for k, v := range call.Args {
				args[k] = v
			}
			merged := make(map[string]any, len(headers)+1)
			for k, v := range headers {
				merged[k] = v
			}
			merged["User-Agent"] = userAgent
			args["headers"] = merged
			call.Args = args
			return next(ctx, call)
		}
	}
}
