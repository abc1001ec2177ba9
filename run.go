package trust

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/sandbox"
)

// RunPlugin runs one entry point of the highest active installed version of
// pluginID in a fresh sandbox context. The context holds the plugin's
// active grants and is terminated when the invocation returns.
func (k *Kernel) RunPlugin(ctx context.Context, pluginID, entryPoint string, args map[string]any) (out sandbox.Result, err error) {
	ctx, span := k.tracer.Start(ctx, "trust.RunPlugin", trace.WithAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("plugin.entry_point", entryPoint),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, artifact, err := k.packages.Load(ctx, pluginID, "")
	if err != nil {
		return sandbox.Result{}, err
	}
	span.SetAttributes(attribute.String("plugin.version", rec.Version))

	manifest, err := k.manifest(rec, artifact)
	if err != nil {
		return sandbox.Result{}, err
	}
	grants, err := k.activeGrants(ctx, manifest)
	if err != nil {
		return sandbox.Result{}, err
	}

	sc, err := k.sandboxes.Instantiate(ctx, manifest, artifact.Bundle, grants)
	if err != nil {
		return sandbox.Result{}, err
	}
	defer func() {
		terr := k.sandboxes.Terminate(context.WithoutCancel(ctx), sc.ID())
		if terr != nil && !errors.Is(terr, sandbox.ErrContextNotFound) {
			k.logger.WarnContext(ctx, "terminate sandbox", "plugin", pluginID, "instance", sc.ID(), "error", terr)
		}
	}()
	span.SetAttributes(attribute.String("sandbox.instance", sc.ID()))

	return k.sandboxes.Invoke(ctx, sc.ID(), entryPoint, args)
}

// manifest returns the validated manifest of an installed package. The
// manifest was validated at install time; this only rebuilds it after a
// restart.
func (k *Kernel) manifest(rec entities.InstalledPlugin, artifact *dto.PackageArtifact) (*entities.PluginManifest, error) {
	key := rec.Digest.String()
	if m, ok := k.manifests.Get(key); ok {
		return m, nil
	}
	vres := k.validator.ValidateBundle(artifact.Manifest, artifact.Bundle)
	if err := vres.Err(); err != nil {
		return nil, fmt.Errorf("installed manifest %s@%s: %w", rec.PluginID, rec.Version, err)
	}
	k.manifests.Set(key, vres.Manifest)
	return vres.Manifest, nil
}

// activeGrants lists the active grants for every declared capability.
func (k *Kernel) activeGrants(ctx context.Context, m *entities.PluginManifest) ([]capability.Grant, error) {
	seen := make(map[capability.Name]bool)
	var out []capability.Grant
	for _, c := range m.Capabilities() {
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		gs, err := k.gate.ActiveGrants(ctx, m.PluginID(), c.Name)
		if err != nil {
			return nil, fmt.Errorf("grants for %s: %w", m.PluginID(), err)
		}
		out = append(out, gs...)
	}
	return out, nil
}
