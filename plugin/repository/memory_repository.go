package repository

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

type memoryEntry struct {
	rec      entities.InstalledPlugin
	artifact dto.PackageArtifact
}

// MemoryPackageRepository implements ports.PackageRepository in memory.
// Artifacts are copied on the way in and out.
type MemoryPackageRepository struct {
	entries map[string]map[string]memoryEntry
	mu      sync.RWMutex
}

var _ ports.PackageRepository = (*MemoryPackageRepository)(nil)

// NewMemoryPackageRepository creates an empty repository.
func NewMemoryPackageRepository() *MemoryPackageRepository {
	return &MemoryPackageRepository{entries: make(map[string]map[string]memoryEntry)}
}

func cloneArtifact(a *dto.PackageArtifact) dto.PackageArtifact {
	bundle := make(map[string][]byte, len(a.Bundle))
	for k, v := range a.Bundle {
		bundle[k] = slices.Clone(v)
	}
	return dto.PackageArtifact{
		Package:   slices.Clone(a.Package),
		Signature: a.Signature,
		Manifest:  slices.Clone(a.Manifest),
		Bundle:    bundle,
	}
}

func (r *MemoryPackageRepository) Store(_ context.Context, rec entities.InstalledPlugin, artifact *dto.PackageArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.entries[rec.PluginID]
	if !ok {
		versions = make(map[string]memoryEntry)
		r.entries[rec.PluginID] = versions
	}
	versions[rec.Version] = memoryEntry{rec: rec, artifact: cloneArtifact(artifact)}
	return nil
}

func (r *MemoryPackageRepository) Find(_ context.Context, pluginID, version string) (entities.InstalledPlugin, *dto.PackageArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pluginID][version]
	if !ok {
		return entities.InstalledPlugin{}, nil, &entities.PluginNotFoundError{PluginID: pluginID, Version: version}
	}
	a := cloneArtifact(&e.artifact)
	return e.rec, &a, nil
}

func (r *MemoryPackageRepository) Versions(_ context.Context, pluginID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries[pluginID])), nil
}

func (r *MemoryPackageRepository) List(_ context.Context) ([]entities.InstalledPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entities.InstalledPlugin
	for _, versions := range r.entries {
		for _, e := range versions {
			out = append(out, e.rec)
		}
	}
	slices.SortFunc(out, func(a, b entities.InstalledPlugin) int {
		if c := strings.Compare(a.PluginID, b.PluginID); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return out, nil
}

func (r *MemoryPackageRepository) SetStatus(_ context.Context, pluginID, version string, status entities.InstallStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pluginID][version]
	if !ok {
		return &entities.PluginNotFoundError{PluginID: pluginID, Version: version}
	}
	e.rec.Status = status
	r.entries[pluginID][version] = e
	return nil
}

func (r *MemoryPackageRepository) Delete(_ context.Context, pluginID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries[pluginID], version)
	if len(r.entries[pluginID]) == 0 {
		delete(r.entries, pluginID)
	}
	return nil
}
