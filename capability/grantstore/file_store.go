package grantstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-trust/capability"
)

const fileFormatVersion = 1

// fileState is the on-disk layout of the grants file.
type fileState struct {
	Version  int                  `yaml:"version"`
	Grants   []capability.Grant   `yaml:"grants"`
	Requests []capability.Request `yaml:"requests"`
}

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultFileStoreConfig() fileStoreConfig {
	return fileStoreConfig{
		path:     filepath.Join(os.Getenv("HOME"), ".plugintrust", "grants.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
}

// FileStoreOption configures a FileStore instance.
type FileStoreOption func(*fileStoreConfig)

// WithPath sets the path to the grants file.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithFilePermissions sets the file permissions for the grants file.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the directory permissions for the grants directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// FileStore is a MemoryStore whose every committed write is flushed to a
// YAML file. A failed flush rolls the write back, so the file and memory
// never diverge.
type FileStore struct {
	*MemoryStore
	config  fileStoreConfig
	flushMu sync.Mutex
}

// NewFileStore opens (or creates on first write) the grants file.
func NewFileStore(opts ...FileStoreOption) (*FileStore, error) {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &FileStore{MemoryStore: NewMemoryStore(), config: cfg}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.afterWrite = s.flush
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.config.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read grant store: %w", err)
	}

	var st fileState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to parse grant store: %w", err)
	}
	if st.Version > fileFormatVersion {
		return fmt.Errorf("grant store version %d is newer than supported %d", st.Version, fileFormatVersion)
	}
	if err := s.restore(st); err != nil {
		return fmt.Errorf("grant store %s is inconsistent: %w", s.config.path, err)
	}
	return nil
}

func (s *FileStore) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	data, err := yaml.Marshal(s.snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".grants-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync grant store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), s.config.filePerm); err != nil {
		return fmt.Errorf("failed to set grant store permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.config.path); err != nil {
		return fmt.Errorf("failed to replace grant store: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the backing store.
func (s *FileStore) ConfigPath() string {
	return s.config.path
}
