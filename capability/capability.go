// Package capability defines capability identifiers, the scope grammar,
// scope containment, the capability catalog with risk analysis, grant and
// grant-request records, and the mediation ports that every kernel-mediated
// subsystem implements.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidName is returned for a malformed capability identifier.
	ErrInvalidName = errors.New("invalid capability name")
	// ErrInvalidScope is returned for a scope that does not follow the grammar.
	ErrInvalidScope = errors.New("invalid capability scope")
	// ErrUnknownCapability is returned when the catalog has no definition.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Name identifies a mediated kernel operation as "domain:action",
// e.g. "network:fetch" or "storage:read".
type Name string

// ParseName validates a capability name.
func ParseName(s string) (Name, error) {
	domain, action, ok := strings.Cut(s, ":")
	if !ok || !isToken(domain) || !isToken(action) {
		return "", fmt.Errorf("%w: %q must look like domain:action", ErrInvalidName, s)
	}
	return Name(s), nil
}

// Domain returns the part before the colon.
func (n Name) Domain() string {
	d, _, _ := strings.Cut(string(n), ":")
	return d
}

// Action returns the part after the colon.
func (n Name) Action() string {
	_, a, _ := strings.Cut(string(n), ":")
	return a
}

func (n Name) String() string { return string(n) }

func isToken(s string) bool {
	if s == "" || len(s) > 32 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9' && i > 0, r == '-' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Capability is a capability name with an optional scope, as declared in a
// manifest or held by a grant. Its string form is the declaration syntax:
//
//	network:fetch(domain=*.example.com,port=443)
type Capability struct {
	Name  Name
	Scope Scope
}

// New builds a Capability from a name and scope parameters.
func New(name string, params map[string]string) (Capability, error) {
	n, err := ParseName(name)
	if err != nil {
		return Capability{}, err
	}
	s, err := NewScope(params)
	if err != nil {
		return Capability{}, err
	}
	return Capability{Name: n, Scope: s}, nil
}

// MustParse parses a declaration or panics. Intended for tests and static tables.
func MustParse(s string) Capability {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Parse parses the declaration syntax "domain:action" or
// "domain:action(key=value,...)".
func Parse(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if strings.ContainsAny(s, ")=,") {
			return Capability{}, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		n, err := ParseName(s)
		return Capability{Name: n}, err
	}
	if !strings.HasSuffix(s, ")") {
		return Capability{}, fmt.Errorf("%w: %q is missing a closing parenthesis", ErrInvalidScope, s)
	}

	n, err := ParseName(s[:open])
	if err != nil {
		return Capability{}, err
	}
	scope, err := ParseScope(s[open+1 : len(s)-1])
	if err != nil {
		return Capability{}, err
	}
	if scope.IsEmpty() {
		return Capability{}, fmt.Errorf("%w: %q has empty parentheses", ErrInvalidScope, s)
	}
	return Capability{Name: n, Scope: scope}, nil
}

// String returns the canonical declaration form.
func (c Capability) String() string {
	if c.Scope.IsEmpty() {
		return string(c.Name)
	}
	return string(c.Name) + "(" + c.Scope.String() + ")"
}

// Equals compares name and scope.
func (c Capability) Equals(other Capability) bool {
	return c.Name == other.Name && c.Scope.Equals(other.Scope)
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
