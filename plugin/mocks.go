package plugin

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

// MockSource implements ports.PackageSource for testing.
type MockSource struct {
	Artifacts map[string]*dto.PackageArtifact
	Err       error

	mu      sync.Mutex
	fetched []string
}

var _ ports.PackageSource = (*MockSource)(nil)

func (m *MockSource) Fetch(ctx context.Context, ref string) (*dto.PackageArtifact, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, ref)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	a, ok := m.Artifacts[ref]
	if !ok {
		return nil, &entities.PluginNotFoundError{PluginID: ref}
	}
	return a, nil
}

// Fetched returns the references requested so far.
func (m *MockSource) Fetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetched...)
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
