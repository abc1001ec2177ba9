package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Definition describes a capability the kernel knows how to mediate.
type Definition struct {
	Name        Name
	Description string
	Risk        RiskLevel
	// Params lists the scope keys the capability accepts and how each is matched.
	Params map[string]ParamKind
	// Required lists scope keys that a declaration must set.
	Required []string
}

// Catalog manages the registration and lookup of capability definitions.
type Catalog struct {
	defs map[Name]Definition
	mu   sync.RWMutex
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[Name]Definition)}
}

// DefaultCatalog returns a catalog with the kernel's built-in capabilities.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, d := range builtinDefinitions {
		c.Register(d)
	}
	return c
}

var builtinDefinitions = []Definition{
	{Name: "log:write", Description: "Write to the plugin log", Risk: RiskNone},
	{Name: "clock:read", Description: "Read wall-clock time", Risk: RiskNone},
	{Name: "ui:notify", Description: "Show notifications", Risk: RiskLow},
	{Name: "env:read", Description: "Read environment variables", Risk: RiskLow,
		Params: map[string]ParamKind{"name": KindExact}, Required: []string{"name"}},
	{Name: "kv:read", Description: "Read the plugin key-value store", Risk: RiskLow,
		Params: map[string]ParamKind{"namespace": KindExact}},
	{Name: "kv:write", Description: "Write the plugin key-value store", Risk: RiskLow,
		Params: map[string]ParamKind{"namespace": KindExact}},
	{Name: "storage:read", Description: "Read objects from a storage bucket", Risk: RiskLow,
		Params: map[string]ParamKind{"bucket": KindExact, "prefix": KindPath}, Required: []string{"bucket"}},
	{Name: "storage:write", Description: "Write objects to a storage bucket", Risk: RiskMedium,
		Params: map[string]ParamKind{"bucket": KindExact, "prefix": KindPath}, Required: []string{"bucket"}},
	{Name: "network:fetch", Description: "Outbound HTTP requests", Risk: RiskMedium,
		Params: map[string]ParamKind{"domain": KindHost, "port": KindPort, "method": KindExact}, Required: []string{"domain"}},
	{Name: "network:listen", Description: "Accept inbound connections", Risk: RiskHigh,
		Params: map[string]ParamKind{"port": KindPort}, Required: []string{"port"}},
	{Name: "fs:read", Description: "Read host files", Risk: RiskMedium,
		Params: map[string]ParamKind{"path": KindPath}, Required: []string{"path"}},
	{Name: "fs:write", Description: "Write host files", Risk: RiskHigh,
		Params: map[string]ParamKind{"path": KindPath}, Required: []string{"path"}},
	{Name: "exec:spawn", Description: "Run host commands", Risk: RiskCritical,
		Params: map[string]ParamKind{"command": KindPath}, Required: []string{"command"}},
}

// Register adds or replaces a definition.
func (c *Catalog) Register(d Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[d.Name] = d
}

// Get retrieves a definition. Returns false if no definition is registered.
func (c *Catalog) Get(name Name) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

// Names returns all registered capability names, sorted.
func (c *Catalog) Names() []Name {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Name, 0, len(c.defs))
	for n := range c.defs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Kinds returns the param kinds for name, or nil if unknown.
func (c *Catalog) Kinds(name Name) map[string]ParamKind {
	d, ok := c.Get(name)
	if !ok {
		return nil
	}
	return d.Params
}

// Check validates a declared capability against its definition and returns
// one error per problem found.
func (c *Catalog) Check(capab Capability) []error {
	def, ok := c.Get(capab.Name)
	if !ok {
		return []error{fmt.Errorf("%w: %s", ErrUnknownCapability, capab.Name)}
	}

	var errs []error
	for _, key := range capab.Scope.Keys() {
		kind, known := def.Params[key]
		if !known {
			errs = append(errs, fmt.Errorf("%w: %s does not accept scope key %q", ErrInvalidScope, capab.Name, key))
			continue
		}
		v, _ := capab.Scope.Get(key)
		if !ValidValue(kind, v) {
			errs = append(errs, fmt.Errorf("%w: %q is not a valid %s value for %s", ErrInvalidScope, v, kind, key))
		}
	}
	for _, key := range def.Required {
		if _, ok := capab.Scope.Get(key); !ok {
			errs = append(errs, fmt.Errorf("%w: %s requires scope key %q", ErrInvalidScope, capab.Name, key))
		}
	}
	return errs
}
