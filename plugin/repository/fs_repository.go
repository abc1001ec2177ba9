// Package repository implements the installed package repository.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

const (
	packageFile   = "package.bin"
	signatureFile = "signature.json"
	manifestFile  = "manifest.yaml"
	recordFile    = "record.json"
	bundleDir     = "bundle"
)

// FSPackageRepository implements ports.PackageRepository on the filesystem.
//
// Layout: <root>/<namespace>/<name>/<version>/{package.bin, signature.json,
// manifest.yaml, record.json, bundle/...}.
type FSPackageRepository struct {
	root string
	mu   sync.RWMutex
}

var _ ports.PackageRepository = (*FSPackageRepository)(nil)

// NewFSPackageRepository creates a repository rooted at root
// (default ~/.plugintrust/packages).
func NewFSPackageRepository(root string) (*FSPackageRepository, error) {
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".plugintrust", "packages")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create package directory: %w", err)
	}
	return &FSPackageRepository{root: root}, nil
}

// Store writes the artifact into a fresh version directory. An existing
// version is replaced.
func (r *FSPackageRepository) Store(_ context.Context, rec entities.InstalledPlugin, artifact *dto.PackageArtifact) error {
	dir, err := r.versionPath(rec.PluginID, rec.Version)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staging := dir + ".staging"
	_ = os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := os.WriteFile(filepath.Join(staging, packageFile), artifact.Package, 0o600); err != nil {
		return fmt.Errorf("write package: %w", err)
	}
	if err := writeJSON(filepath.Join(staging, signatureFile), artifact.Signature); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), artifact.Manifest, 0o600); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	for name, data := range artifact.Bundle {
		target, err := within(filepath.Join(staging, bundleDir), name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o600); err != nil {
			return fmt.Errorf("write bundle file %s: %w", name, err)
		}
	}
	if err := writeJSON(filepath.Join(staging, recordFile), rec); err != nil {
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(staging, dir)
}

// Find loads one installed version.
func (r *FSPackageRepository) Find(_ context.Context, pluginID, version string) (entities.InstalledPlugin, *dto.PackageArtifact, error) {
	dir, err := r.versionPath(pluginID, version)
	if err != nil {
		return entities.InstalledPlugin{}, nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var rec entities.InstalledPlugin
	if err := readJSON(filepath.Join(dir, recordFile), &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, nil, &entities.PluginNotFoundError{PluginID: pluginID, Version: version}
		}
		return rec, nil, err
	}

	artifact := &dto.PackageArtifact{Bundle: map[string][]byte{}}
	if artifact.Package, err = os.ReadFile(filepath.Join(dir, packageFile)); err != nil {
		return rec, nil, fmt.Errorf("read package: %w", err)
	}
	if err := readJSON(filepath.Join(dir, signatureFile), &artifact.Signature); err != nil {
		return rec, nil, err
	}
	if artifact.Manifest, err = os.ReadFile(filepath.Join(dir, manifestFile)); err != nil {
		return rec, nil, fmt.Errorf("read manifest: %w", err)
	}

	bundleRoot := filepath.Join(dir, bundleDir)
	err = filepath.WalkDir(bundleRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleRoot, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from walking the repository
		if err != nil {
			return err
		}
		artifact.Bundle[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return rec, nil, fmt.Errorf("read bundle: %w", err)
	}
	return rec, artifact, nil
}

// Versions lists installed versions of a plugin in directory order.
func (r *FSPackageRepository) Versions(_ context.Context, pluginID string) ([]string, error) {
	dir, err := r.pluginPath(pluginID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".staging") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), recordFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// List returns every installation record.
func (r *FSPackageRepository) List(_ context.Context) ([]entities.InstalledPlugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entities.InstalledPlugin
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && strings.HasSuffix(d.Name(), ".staging") {
			return filepath.SkipDir
		}
		if d.IsDir() && d.Name() == bundleDir {
			return filepath.SkipDir
		}
		if d.Name() != recordFile {
			return nil
		}
		var rec entities.InstalledPlugin
		if err := readJSON(path, &rec); err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		out = append(out, rec)
		return nil
	})
	slices.SortFunc(out, func(a, b entities.InstalledPlugin) int {
		if c := strings.Compare(a.PluginID, b.PluginID); c != 0 {
			return c
		}
		return strings.Compare(a.Version, b.Version)
	})
	return out, err
}

// SetStatus rewrites the record of one version.
func (r *FSPackageRepository) SetStatus(_ context.Context, pluginID, version string, status entities.InstallStatus) error {
	dir, err := r.versionPath(pluginID, version)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(dir, recordFile)
	var rec entities.InstalledPlugin
	if err := readJSON(path, &rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &entities.PluginNotFoundError{PluginID: pluginID, Version: version}
		}
		return err
	}
	rec.Status = status
	return writeJSON(path, rec)
}

// Delete removes one installed version.
func (r *FSPackageRepository) Delete(_ context.Context, pluginID, version string) error {
	dir, err := r.versionPath(pluginID, version)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return os.RemoveAll(dir)
}

func (r *FSPackageRepository) pluginPath(pluginID string) (string, error) {
	return within(r.root, pluginID)
}

func (r *FSPackageRepository) versionPath(pluginID, version string) (string, error) {
	if version == "" || strings.ContainsAny(version, `/\`) {
		return "", fmt.Errorf("security violation: invalid version %q", version)
	}
	return within(r.root, pluginID+"/"+version)
}

// within joins rel onto root and rejects results that escape root.
func within(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("security violation: absolute or empty path %q", rel)
	}
	cleanRoot := filepath.Clean(root)
	full := filepath.Clean(filepath.Join(cleanRoot, filepath.FromSlash(rel)))
	if !strings.HasPrefix(full, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("security violation: path traversal detected for %q", rel)
	}
	return full, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
