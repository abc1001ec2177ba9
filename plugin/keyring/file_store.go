package keyring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

type keysFile struct {
	Version int                   `yaml:"version"`
	Keys    []entities.TrustedKey `yaml:"keys"`
}

// FileStore persists keys to a YAML file with atomic replacement.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the key file. A missing file is an empty registry.
func (s *FileStore) Load(_ context.Context) ([]entities.TrustedKey, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var f keysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return f.Keys, nil
}

// Save replaces the key file.
func (s *FileStore) Save(_ context.Context, keys []entities.TrustedKey) error {
	data, err := yaml.Marshal(keysFile{Version: 1, Keys: keys})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keys-*.yaml")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }
