package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Scope is an immutable set of key=value constraints narrowing a capability.
// Values may be patterns whose meaning depends on the parameter kind declared
// in the catalog. The zero Scope places no constraint.
type Scope struct {
	params map[string]string
}

// NewScope validates and copies params into a Scope.
func NewScope(params map[string]string) (Scope, error) {
	if len(params) == 0 {
		return Scope{}, nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if !isScopeKey(k) {
			return Scope{}, fmt.Errorf("%w: bad key %q", ErrInvalidScope, k)
		}
		if !isScopeValue(v) {
			return Scope{}, fmt.Errorf("%w: bad value %q for key %q", ErrInvalidScope, v, k)
		}
		out[k] = v
	}
	return Scope{params: out}, nil
}

// MustScope builds a Scope or panics.
func MustScope(params map[string]string) Scope {
	s, err := NewScope(params)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseScope parses "key=value,key2=value2". An empty string yields an
// empty scope. Duplicate keys are rejected.
func ParseScope(s string) (Scope, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Scope{}, nil
	}
	params := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Scope{}, fmt.Errorf("%w: %q is not key=value", ErrInvalidScope, part)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if _, dup := params[k]; dup {
			return Scope{}, fmt.Errorf("%w: duplicate key %q", ErrInvalidScope, k)
		}
		params[k] = v
	}
	return NewScope(params)
}

func isScopeKey(k string) bool {
	if k == "" || len(k) > 32 {
		return false
	}
	for i, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r == '_' && i > 0, r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func isScopeValue(v string) bool {
	if v == "" || len(v) > 256 {
		return false
	}
	for _, r := range v {
		if r <= ' ' || r == 0x7f || strings.ContainsRune(",()=", r) {
			return false
		}
	}
	return true
}

// Get returns the value for key.
func (s Scope) Get(key string) (string, bool) {
	v, ok := s.params[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (s Scope) Keys() []string {
	keys := make([]string, 0, len(s.params))
	for k := range s.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of constraints.
func (s Scope) Len() int { return len(s.params) }

// IsEmpty reports whether the scope has no constraints.
func (s Scope) IsEmpty() bool { return len(s.params) == 0 }

// Map returns a copy of the parameters.
func (s Scope) Map() map[string]string {
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

// String returns the canonical "k=v,k2=v2" form with sorted keys.
func (s Scope) String() string {
	if s.IsEmpty() {
		return ""
	}
	var b strings.Builder
	for i, k := range s.Keys() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.params[k])
	}
	return b.String()
}

// Equals compares two scopes by content.
func (s Scope) Equals(other Scope) bool {
	if len(s.params) != len(other.params) {
		return false
	}
	for k, v := range s.params {
		if ov, ok := other.params[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
