package resolvers

import (
	"context"
	"errors"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

// InstalledResolver picks the highest active installed version of a plugin.
// Quarantined versions are skipped.
type InstalledResolver struct {
	repo ports.PackageRepository
}

// NewInstalledResolver creates a resolver over the package repository.
func NewInstalledResolver(repo ports.PackageRepository) *InstalledResolver {
	return &InstalledResolver{repo: repo}
}

// Resolve returns the record of the chosen version.
func (r *InstalledResolver) Resolve(ctx context.Context, pluginID, constraint string) (entities.InstalledPlugin, error) {
	versions, err := r.repo.Versions(ctx, pluginID)
	if err != nil {
		return entities.InstalledPlugin{}, err
	}
	candidates, err := Candidates(constraint, versions)
	if err != nil {
		return entities.InstalledPlugin{}, err
	}
	for _, v := range candidates {
		rec, _, err := r.repo.Find(ctx, pluginID, v)
		if errors.Is(err, entities.ErrPluginNotFound) {
			continue
		}
		if err != nil {
			return entities.InstalledPlugin{}, err
		}
		if rec.Status == entities.InstallActive {
			return rec, nil
		}
	}
	return entities.InstalledPlugin{}, &entities.PluginNotFoundError{PluginID: pluginID}
}
