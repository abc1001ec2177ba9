package entities

import (
	"slices"
	"time"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// Runtime names an execution engine.
type Runtime string

const (
	RuntimeWASM Runtime = "wasm"
	RuntimeLua  Runtime = "lua"
)

// ResourceRequest is the plugin's requested resource envelope.
type ResourceRequest struct {
	MaxMemoryBytes    int64
	MaxCPUPerInvoke   time.Duration
	MaxCallsPerSecond int
}

// PluginManifest is a validated, frozen manifest. It is only built by the
// config validator and exposes copies of its collections.
type PluginManifest struct {
	identity     values.PluginIdentity
	capabilities []capability.Capability
	resources    ResourceRequest
	entryPoints  []string
	runtime      Runtime
	main         string
	description  string
}

// ManifestSpec carries the parts of a manifest to freeze.
type ManifestSpec struct {
	Identity     values.PluginIdentity
	Capabilities []capability.Capability
	Resources    ResourceRequest
	EntryPoints  []string
	Runtime      Runtime
	Main         string
	Description  string
}

// NewPluginManifest freezes spec. Callers are expected to have validated it.
func NewPluginManifest(spec ManifestSpec) *PluginManifest {
	return &PluginManifest{
		identity:     spec.Identity,
		capabilities: slices.Clone(spec.Capabilities),
		resources:    spec.Resources,
		entryPoints:  slices.Clone(spec.EntryPoints),
		runtime:      spec.Runtime,
		main:         spec.Main,
		description:  spec.Description,
	}
}

func (m *PluginManifest) Identity() values.PluginIdentity { return m.identity }
func (m *PluginManifest) PluginID() string                { return m.identity.ID().String() }
func (m *PluginManifest) Resources() ResourceRequest      { return m.resources }
func (m *PluginManifest) Runtime() Runtime                { return m.runtime }
func (m *PluginManifest) Main() string                    { return m.main }
func (m *PluginManifest) Description() string             { return m.description }

// Capabilities returns a copy of the declared capabilities.
func (m *PluginManifest) Capabilities() []capability.Capability {
	return slices.Clone(m.capabilities)
}

// EntryPoints returns a copy of the declared entry points.
func (m *PluginManifest) EntryPoints() []string {
	return slices.Clone(m.entryPoints)
}

// HasEntryPoint reports whether name is declared.
func (m *PluginManifest) HasEntryPoint(name string) bool {
	return slices.Contains(m.entryPoints, name)
}

// Declares reports whether any declared capability has the given name.
func (m *PluginManifest) Declares(name capability.Name) bool {
	for _, c := range m.capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// WithResources returns a copy of m with a tightened resource envelope.
// Limits are only ever lowered; a zero field in r keeps the current value.
func (m *PluginManifest) WithResources(r ResourceRequest) *PluginManifest {
	out := *m
	out.capabilities = slices.Clone(m.capabilities)
	out.entryPoints = slices.Clone(m.entryPoints)
	out.resources = tighten(m.resources, r)
	return &out
}

func tighten(cur, r ResourceRequest) ResourceRequest {
	if r.MaxMemoryBytes > 0 && (cur.MaxMemoryBytes == 0 || r.MaxMemoryBytes < cur.MaxMemoryBytes) {
		cur.MaxMemoryBytes = r.MaxMemoryBytes
	}
	if r.MaxCPUPerInvoke > 0 && (cur.MaxCPUPerInvoke == 0 || r.MaxCPUPerInvoke < cur.MaxCPUPerInvoke) {
		cur.MaxCPUPerInvoke = r.MaxCPUPerInvoke
	}
	if r.MaxCallsPerSecond > 0 && (cur.MaxCallsPerSecond == 0 || r.MaxCallsPerSecond < cur.MaxCallsPerSecond) {
		cur.MaxCallsPerSecond = r.MaxCallsPerSecond
	}
	return cur
}
