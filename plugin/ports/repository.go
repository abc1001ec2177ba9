package ports

import (
	"context"

	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// PackageRepository persists installed packages so they can be executed and
// re-verified later.
type PackageRepository interface {
	// Store persists the artifact and its installation record.
	Store(ctx context.Context, rec entities.InstalledPlugin, artifact *dto.PackageArtifact) error

	// Find returns the record and artifact for an exact version.
	Find(ctx context.Context, pluginID, version string) (entities.InstalledPlugin, *dto.PackageArtifact, error)

	// Versions lists installed versions of a plugin.
	Versions(ctx context.Context, pluginID string) ([]string, error)

	// List returns every installation record.
	List(ctx context.Context) ([]entities.InstalledPlugin, error)

	// SetStatus updates the install status of one version.
	SetStatus(ctx context.Context, pluginID, version string, status entities.InstallStatus) error

	// Delete removes one installed version.
	Delete(ctx context.Context, pluginID, version string) error
}

// PackageSource fetches package artifacts from a remote location.
type PackageSource interface {
	Fetch(ctx context.Context, ref string) (*dto.PackageArtifact, error)
}

// VersionResolver converts version constraints to exact versions.
type VersionResolver interface {
	Resolve(constraint string, available []string) (string, error)
}
