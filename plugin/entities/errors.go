package entities

import (
	"errors"
	"fmt"
	"time"

	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// Sentinel errors for common error patterns.
// These allow both errors.Is() checks and errors.As() for detailed information.
var (
	// ErrPluginNotFound is returned when a plugin is not installed.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrIntegrityCheckFailed is returned when digest verification fails.
	ErrIntegrityCheckFailed = errors.New("integrity check failed")

	// ErrUnknownSigner is returned when the signer key is not in the trust registry.
	ErrUnknownSigner = errors.New("unknown signer")

	// ErrRevokedSigner is returned when the signer key has been revoked.
	ErrRevokedSigner = errors.New("revoked signer")

	// ErrExpiredSigner is returned when the signer key is outside its validity window.
	ErrExpiredSigner = errors.New("expired signer")

	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrKeyExists is returned when adding a key id that is already registered.
	ErrKeyExists = errors.New("trusted key already exists")
)

// IntegrityError indicates digest mismatch.
// Provides detailed information about expected vs actual digest.
type IntegrityError struct {
	Expected values.Digest
	Actual   values.Digest
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Reason != "" {
		return "integrity check failed: " + e.Reason
	}
	return fmt.Sprintf(
		"integrity check failed: expected %s, got %s",
		e.Expected.String(),
		e.Actual.String(),
	)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, entities.ErrIntegrityCheckFailed)
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityCheckFailed
}

// UnknownSignerError indicates the signer key id is not registered.
type UnknownSignerError struct {
	KeyID string
}

func (e *UnknownSignerError) Error() string {
	return fmt.Sprintf("unknown signer: key %q is not in the trust registry", e.KeyID)
}

func (e *UnknownSignerError) Is(target error) bool { return target == ErrUnknownSigner }

// RevokedSignerError indicates the signer key was revoked.
type RevokedSignerError struct {
	KeyID     string
	RevokedAt time.Time
}

func (e *RevokedSignerError) Error() string {
	return fmt.Sprintf("revoked signer: key %q was revoked at %s", e.KeyID, e.RevokedAt.Format(time.RFC3339))
}

func (e *RevokedSignerError) Is(target error) bool { return target == ErrRevokedSigner }

// ExpiredSignerError indicates verification happened outside the key's validity window.
type ExpiredSignerError struct {
	KeyID     string
	ValidFrom time.Time
	ValidTo   *time.Time
	At        time.Time
}

func (e *ExpiredSignerError) Error() string {
	to := "open"
	if e.ValidTo != nil {
		to = e.ValidTo.Format(time.RFC3339)
	}
	return fmt.Sprintf("expired signer: key %q valid [%s, %s], checked at %s",
		e.KeyID, e.ValidFrom.Format(time.RFC3339), to, e.At.Format(time.RFC3339))
}

func (e *ExpiredSignerError) Is(target error) bool { return target == ErrExpiredSigner }

// InvalidSignatureError indicates the signature bytes do not verify.
type InvalidSignatureError struct {
	KeyID string
	Cause error
}

func (e *InvalidSignatureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid signature by key %q: %v", e.KeyID, e.Cause)
	}
	return fmt.Sprintf("invalid signature by key %q", e.KeyID)
}

func (e *InvalidSignatureError) Is(target error) bool { return target == ErrInvalidSignature }

func (e *InvalidSignatureError) Unwrap() error { return e.Cause }

// PluginNotFoundError indicates the plugin is not installed.
type PluginNotFoundError struct {
	PluginID string
	Version  string
}

func (e *PluginNotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("plugin not found: %s@%s", e.PluginID, e.Version)
	}
	return fmt.Sprintf("plugin not found: %s", e.PluginID)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, entities.ErrPluginNotFound)
func (e *PluginNotFoundError) Is(target error) bool {
	return target == ErrPluginNotFound
}
