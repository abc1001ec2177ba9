// Package validation is the config validator: it turns a raw manifest into
// a frozen PluginManifest or a complete list of violations.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// ErrInvalidManifest is matched by every *ValidationError.
var ErrInvalidManifest = errors.New("invalid manifest")

// Violation codes.
const (
	CodeParse             = "parse"
	CodeSchema            = "schema"
	CodeInvalidIdentity   = "invalid_identity"
	CodeInvalidVersion    = "invalid_version"
	CodeInvalidCapability = "invalid_capability"
	CodeUnknownCapability = "unknown_capability"
	CodeInvalidScope      = "invalid_scope"
	CodeDuplicate         = "duplicate"
	CodeExceedsCeiling    = "exceeds_ceiling"
	CodeInvalidResource   = "invalid_resource"
	CodeInvalidEntryPoint = "invalid_entry_point"
	CodeMainNotInBundle   = "main_not_in_bundle"
)

// Violation is one problem found in a manifest.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Code + ": " + v.Message
}

// Result is either a frozen manifest or the violations that prevented it.
type Result struct {
	Manifest   *entities.PluginManifest
	Violations []Violation
}

// Valid reports whether the manifest passed.
func (r Result) Valid() bool {
	return len(r.Violations) == 0 && r.Manifest != nil
}

// Err returns nil for a valid result, or a *ValidationError.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Violations: r.Violations}
}

// ValidationError carries the full violation list.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid manifest (%d violations): %s", len(e.Violations), strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidManifest }

// ManifestValidator validates raw manifests.
type ManifestValidator interface {
	Validate(raw []byte) Result
	ValidateBundle(raw []byte, bundle map[string][]byte) Result
}
