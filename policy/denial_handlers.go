package policy

import (
	"context"
	"log/slog"
)

// Ensure implementations satisfy the interface.
var (
	_ DenialHandler = (*LogDenialHandler)(nil)
	_ DenialHandler = (*NopDenialHandler)(nil)
)

// LogDenialHandler logs denials at warn level.
type LogDenialHandler struct {
	Logger *slog.Logger
}

func (h *LogDenialHandler) OnDenial(ctx context.Context, d Decision) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "permission denied",
		"plugin", d.PluginID,
		"capability", string(d.Capability),
		"scope", d.Scope.String(),
		"reason", string(d.Reason),
		"detail", d.Detail)
}

// NopDenialHandler does nothing.
type NopDenialHandler struct{}

func (h *NopDenialHandler) OnDenial(context.Context, Decision) {}
