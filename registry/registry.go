// Package registry holds the JSON schemas the config validator compiles.
package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/reglet-dev/reglet-trust/parser"
)

// KindManifest is the schema kind of plugin manifests.
const KindManifest = "manifest"

// Registry implements SchemaRegistry using in-memory storage.
type Registry struct {
	schemas   map[string]string
	mu        sync.RWMutex
	reflector *jsonschema.Reflector
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithAdditionalProperties lets generated schemas accept unknown fields.
func WithAdditionalProperties(allow bool) RegistryOption {
	return func(r *Registry) {
		r.reflector.AllowAdditionalProperties = allow
	}
}

// NewRegistry creates a schema registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		schemas: make(map[string]string),
		reflector: &jsonschema.Reflector{
			ExpandedStruct: true,
			Anonymous:      true,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Default returns a registry with the manifest schema registered.
func Default() *Registry {
	r := NewRegistry()
	if err := r.Register(KindManifest, parser.ManifestDocument{}); err != nil {
		panic(err)
	}
	return r
}

// Register adds a schema for a kind.
func (r *Registry) Register(kind string, model any) error {
	schema, err := r.toSchema(model)
	if err != nil {
		return fmt.Errorf("register %s schema: %w", kind, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[kind]; exists {
		return fmt.Errorf("schema kind already registered: %s", kind)
	}
	r.schemas[kind] = schema
	return nil
}

func (r *Registry) toSchema(model any) (string, error) {
	switch v := model.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal schema map: %w", err)
		}
		return string(b), nil
	}

	t := reflect.TypeOf(model)
	if t == nil || (t.Kind() != reflect.Struct && (t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct)) {
		return "", fmt.Errorf("unsupported schema model %T", model)
	}
	b, err := json.MarshalIndent(r.reflector.Reflect(model), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal generated schema: %w", err)
	}
	return string(b), nil
}

// GetSchema retrieves the JSON Schema for a kind.
func (r *Registry) GetSchema(kind string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[kind]
	return s, ok
}

// List returns all registered kinds, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
