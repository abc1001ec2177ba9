package values

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PluginID is a namespaced, globally unique plugin identifier of the form
// "namespace/name", e.g. "acme.tools/log-shipper".
type PluginID struct {
	namespace string
	name      string
}

// NewPluginID parses and validates a plugin id.
// The namespace may contain alphanumerics, '-', '_' and '.', the name only
// alphanumerics, '-' and '_'. Each part is at most 64 characters.
func NewPluginID(id string) (PluginID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PluginID{}, fmt.Errorf("plugin id cannot be empty")
	}

	namespace, name, ok := strings.Cut(id, "/")
	if !ok {
		return PluginID{}, fmt.Errorf("plugin id %q must be namespaced as namespace/name", id)
	}
	if err := validateIDPart("namespace", namespace, true); err != nil {
		return PluginID{}, fmt.Errorf("plugin id %q: %w", id, err)
	}
	if err := validateIDPart("name", name, false); err != nil {
		return PluginID{}, fmt.Errorf("plugin id %q: %w", id, err)
	}

	return PluginID{namespace: namespace, name: name}, nil
}

// MustNewPluginID creates a PluginID or panics.
func MustNewPluginID(id string) PluginID {
	p, err := NewPluginID(id)
	if err != nil {
		panic(err)
	}
	return p
}

func validateIDPart(label, part string, allowDots bool) error {
	if part == "" {
		return fmt.Errorf("%s cannot be empty", label)
	}
	if len(part) > 64 {
		return fmt.Errorf("%s too long (max 64 chars)", label)
	}
	if strings.Contains(part, "..") || strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".") {
		return fmt.Errorf("%s cannot contain empty dot segments", label)
	}
	for _, ch := range part {
		if isIDChar(ch) || (allowDots && ch == '.') {
			continue
		}
		return fmt.Errorf("%s contains invalid character %q", label, ch)
	}
	return nil
}

func isIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' ||
		r == '-'
}

// Namespace returns the publisher namespace.
func (p PluginID) Namespace() string { return p.namespace }

// Name returns the unqualified plugin name.
func (p PluginID) Name() string { return p.name }

// String returns "namespace/name".
func (p PluginID) String() string {
	if p.IsEmpty() {
		return ""
	}
	return p.namespace + "/" + p.name
}

// IsEmpty returns true if this is the zero value.
func (p PluginID) IsEmpty() bool {
	return p.namespace == "" && p.name == ""
}

// Equals checks if two plugin ids are equal.
func (p PluginID) Equals(other PluginID) bool {
	return p.namespace == other.namespace && p.name == other.name
}

// MarshalJSON implements json.Marshaler.
func (p PluginID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PluginID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid plugin id JSON: %w", err)
	}
	id, err := NewPluginID(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}
