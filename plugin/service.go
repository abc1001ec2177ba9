// Package plugin orchestrates package-level use cases: authenticating
// delivered packages, recording installations, loading installed versions
// and re-verifying them after trust changes.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
	"github.com/reglet-dev/reglet-trust/plugin/resolvers"
	"github.com/reglet-dev/reglet-trust/plugin/services"
	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// ErrNoSource is returned by Fetch when no package source is configured.
var ErrNoSource = errors.New("no package source configured")

// PackageService coordinates the signature verifier, the installed package
// repository and an optional remote source.
type PackageService struct {
	verifier *services.Verifier
	repo     ports.PackageRepository
	source   ports.PackageSource
	resolver *resolvers.InstalledResolver
	logger   *slog.Logger
	now      func() time.Time
}

// PackageServiceOption configures a PackageService.
type PackageServiceOption func(*PackageService)

// WithSource sets the remote package source used by Fetch.
func WithSource(src ports.PackageSource) PackageServiceOption {
	return func(s *PackageService) { s.source = src }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PackageServiceOption {
	return func(s *PackageService) { s.logger = l }
}

// WithClock overrides the installation timestamp source.
func WithClock(now func() time.Time) PackageServiceOption {
	return func(s *PackageService) { s.now = now }
}

// NewPackageService creates a package service. The verifier and repository
// are required.
func NewPackageService(verifier *services.Verifier, repo ports.PackageRepository, opts ...PackageServiceOption) *PackageService {
	s := &PackageService{
		verifier: verifier,
		repo:     repo,
		resolver: resolvers.NewInstalledResolver(repo),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch pulls an artifact from the configured source. The artifact is not
// verified.
func (s *PackageService) Fetch(ctx context.Context, ref string) (*dto.PackageArtifact, error) {
	if s.source == nil {
		return nil, ErrNoSource
	}
	artifact, err := s.source.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return artifact, nil
}

// Verify authenticates artifact. The package bytes must be the content
// index of the artifact's manifest and bundle, and the signature must
// verify under an active trusted key.
func (s *PackageService) Verify(ctx context.Context, subject services.Subject, artifact *dto.PackageArtifact) (entities.VerificationResult, error) {
	return s.verifier.VerifyArtifact(ctx, subject, artifact)
}

// Store records a verified installation.
func (s *PackageService) Store(ctx context.Context, identity values.PluginIdentity, res entities.VerificationResult, artifact *dto.PackageArtifact) (entities.InstalledPlugin, error) {
	rec := entities.InstalledPlugin{
		PluginID:    identity.ID().String(),
		Version:     identity.Version().String(),
		Digest:      res.Digest,
		Signature:   artifact.Signature,
		InstalledAt: s.now().UTC(),
		Status:      entities.InstallActive,
	}
	if err := s.repo.Store(ctx, rec, artifact); err != nil {
		return entities.InstalledPlugin{}, fmt.Errorf("store %s: %w", identity, err)
	}
	s.logger.InfoContext(ctx, "plugin installed", "plugin", rec.PluginID, "version", rec.Version, "digest", rec.Digest.String())
	return rec, nil
}

// Load returns the highest active installed version matching constraint
// (empty means any).
func (s *PackageService) Load(ctx context.Context, pluginID, constraint string) (entities.InstalledPlugin, *dto.PackageArtifact, error) {
	rec, err := s.resolver.Resolve(ctx, pluginID, constraint)
	if err != nil {
		return entities.InstalledPlugin{}, nil, err
	}
	return s.repo.Find(ctx, rec.PluginID, rec.Version)
}

// List returns every installation record.
func (s *PackageService) List(ctx context.Context) ([]entities.InstalledPlugin, error) {
	return s.repo.List(ctx)
}

// ReverifyResult is the outcome of re-verifying one installed version.
type ReverifyResult struct {
	PluginID string
	Version  string
	Status   entities.InstallStatus
	// Err is the verification failure, nil when the package still verifies.
	Err error
}

// Reverify re-runs signature verification over every installed package.
// Failures are quarantined; quarantined packages that verify again are
// reinstated.
func (s *PackageService) Reverify(ctx context.Context) ([]ReverifyResult, error) {
	recs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ReverifyResult, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		_, artifact, err := s.repo.Find(ctx, rec.PluginID, rec.Version)
		if err != nil {
			return out, err
		}
		subject := services.Subject{PluginID: rec.PluginID, Version: rec.Version}
		_, verr := s.Verify(ctx, subject, artifact)

		status := entities.InstallActive
		if verr != nil {
			status = entities.InstallQuarantined
		}
		if status != rec.Status {
			if err := s.repo.SetStatus(ctx, rec.PluginID, rec.Version, status); err != nil {
				return out, err
			}
			s.logger.WarnContext(ctx, "install status changed",
				"plugin", rec.PluginID, "version", rec.Version, "status", status, "error", verr)
		}
		out = append(out, ReverifyResult{PluginID: rec.PluginID, Version: rec.Version, Status: status, Err: verr})
	}
	return out, nil
}
