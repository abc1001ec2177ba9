package gatekeeper

import (
	"context"
	"time"

	"github.com/reglet-dev/reglet-trust/audit"
)

// Reap transitions grants past their expiry to expired and returns how many
// were updated. Queries already treat such grants as inactive; reaping only
// brings the stored status in line.
func (g *Gatekeeper) Reap(ctx context.Context) (int, error) {
	expired, err := g.store.ExpireBefore(ctx, g.now())
	for _, gr := range expired {
		g.notify(gr.PluginID, gr.Capability)
		if aerr := g.audit.Append(ctx, audit.Entry{
			Kind:       audit.KindGrant,
			PluginID:   gr.PluginID,
			Outcome:    "expired",
			Capability: string(gr.Capability),
			Scope:      gr.Scope.String(),
			Actor:      "reaper",
		}); aerr != nil {
			g.logger.Error("failed to append grant audit entry", "plugin", gr.PluginID, "error", aerr)
		}
	}
	if len(expired) > 0 {
		g.logger.Info("expired grants reaped", "count", len(expired))
	}
	return len(expired), err
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (g *Gatekeeper) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Reap(ctx); err != nil {
				g.logger.Error("grant reaper failed", "error", err)
			}
		}
	}
}
