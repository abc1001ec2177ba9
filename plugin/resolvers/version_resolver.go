// Package resolvers picks concrete plugin versions.
package resolvers

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"

	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

// SemverResolver implements ports.VersionResolver with Masterminds/semver.
type SemverResolver struct{}

var _ ports.VersionResolver = SemverResolver{}

// NewSemverResolver creates a SemverResolver.
func NewSemverResolver() SemverResolver { return SemverResolver{} }

// Resolve returns the highest available version satisfying constraint.
// "latest" and "" accept any version. Unparseable versions are ignored.
func (SemverResolver) Resolve(constraint string, available []string) (string, error) {
	matches, err := Candidates(constraint, available)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no version satisfies constraint %q", constraint)
	}
	return matches[0], nil
}

// Candidates returns every available version satisfying constraint,
// highest first.
func Candidates(constraint string, available []string) ([]string, error) {
	if constraint == "" || constraint == "latest" {
		constraint = ">= 0.0.0-0"
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}

	var valid []*semver.Version
	for _, s := range available {
		v, err := semver.NewVersion(s)
		if err != nil {
			continue
		}
		if c.Check(v) {
			valid = append(valid, v)
		}
	}
	slices.SortFunc(valid, func(a, b *semver.Version) int { return b.Compare(a) })

	out := make([]string, len(valid))
	for i, v := range valid {
		out[i] = v.Original()
	}
	return out, nil
}
