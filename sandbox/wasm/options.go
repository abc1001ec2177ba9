package wasm

import (
	"log/slog"

	"github.com/tetratelabs/wazero"
)

// Option configures the Engine.
type Option func(*Engine)

// WithCompilationCache shares compiled modules across instances and
// engines. The caller owns the cache.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(e *Engine) {
		e.cache = cache
		e.ownsCache = false
	}
}

// WithLogger sets the fallback logger for guest log messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}
