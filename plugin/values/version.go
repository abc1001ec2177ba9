package values

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Version is a strict semantic version.
type Version struct {
	v *semver.Version
}

// NewVersion parses a semantic version. A leading "v" is accepted.
func NewVersion(s string) (Version, error) {
	v, err := semver.StrictNewVersion(trimV(s))
	if err != nil {
		return Version{}, fmt.Errorf("invalid semantic version %q: %w", s, err)
	}
	return Version{v: v}, nil
}

// MustNewVersion parses a version or panics.
func MustNewVersion(s string) Version {
	v, err := NewVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func trimV(s string) string {
	if len(s) > 1 && (s[0] == 'v' || s[0] == 'V') {
		return s[1:]
	}
	return s
}

// String returns the normalized version without a "v" prefix.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// IsZero reports whether v is unset.
func (v Version) IsZero() bool { return v.v == nil }

// Semver exposes the underlying version for constraint checks.
func (v Version) Semver() *semver.Version { return v.v }

// Compare returns -1, 0 or 1.
func (v Version) Compare(other Version) int {
	switch {
	case v.v == nil && other.v == nil:
		return 0
	case v.v == nil:
		return -1
	case other.v == nil:
		return 1
	}
	return v.v.Compare(other.v)
}

// Equals reports semantic equality.
func (v Version) Equals(other Version) bool { return v.Compare(other) == 0 }
