// Package services holds the plugin domain services.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-trust/audit"
	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// Verifier authenticates plugin packages: digest, then signer status, then
// the cryptographic signature. Every call leaves one audit entry.
type Verifier struct {
	keys     ports.TrustRegistry
	verifier ports.SignatureVerifier
	audit    audit.Log
	logger   *slog.Logger
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAuditLog sets the audit sink.
func WithAuditLog(l audit.Log) VerifierOption {
	return func(v *Verifier) { v.audit = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier over a key registry and signature primitive.
func NewVerifier(keys ports.TrustRegistry, sv ports.SignatureVerifier, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     keys,
		verifier: sv,
		audit:    audit.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Subject names the package being verified in audit records.
type Subject struct {
	PluginID string
	Version  string
}

// Verify checks pkg against rec. It returns a VerificationResult only when
// every step passes; any failure is one of the typed errors in entities.
func (v *Verifier) Verify(ctx context.Context, subject Subject, pkg []byte, rec entities.SignatureRecord) (entities.VerificationResult, error) {
	res, err := v.verify(ctx, pkg, rec)
	v.record(ctx, subject, rec, err)
	if err != nil {
		v.logger.WarnContext(ctx, "package verification failed",
			"plugin", subject.PluginID, "version", subject.Version, "key", rec.SignerKeyID, "error", err)
		return entities.VerificationResult{}, err
	}
	v.logger.InfoContext(ctx, "package verified",
		"plugin", subject.PluginID, "version", subject.Version, "key", rec.SignerKeyID, "digest", rec.Digest.String())
	return res, nil
}

// VerifyArtifact verifies the artifact's package and additionally requires
// the package bytes to be the content index of its manifest and bundle, so
// the signature covers everything that will be executed.
func (v *Verifier) VerifyArtifact(ctx context.Context, subject Subject, artifact *dto.PackageArtifact) (entities.VerificationResult, error) {
	if !artifact.Bound() {
		err := &entities.IntegrityError{
			Expected: artifact.Signature.Digest,
			Reason:   "package contents do not match manifest and bundle",
		}
		v.record(ctx, subject, artifact.Signature, err)
		v.logger.WarnContext(ctx, "package verification failed",
			"plugin", subject.PluginID, "version", subject.Version, "error", err)
		return entities.VerificationResult{}, err
	}
	return v.Verify(ctx, subject, artifact.Package, artifact.Signature)
}

func (v *Verifier) verify(ctx context.Context, pkg []byte, rec entities.SignatureRecord) (entities.VerificationResult, error) {
	if rec.Digest.IsZero() {
		return entities.VerificationResult{}, &entities.IntegrityError{Reason: "signature record has no digest"}
	}
	if rec.Algorithm != "" && rec.Algorithm != rec.Digest.Algorithm() {
		return entities.VerificationResult{}, &entities.IntegrityError{
			Expected: rec.Digest,
			Reason:   fmt.Sprintf("declared algorithm %q does not match digest algorithm %q", rec.Algorithm, rec.Digest.Algorithm()),
		}
	}
	actual, err := values.ComputeDigest(rec.Digest.Algorithm(), pkg)
	if err != nil {
		return entities.VerificationResult{}, &entities.IntegrityError{Expected: rec.Digest, Reason: err.Error()}
	}
	if !actual.Equals(rec.Digest) {
		return entities.VerificationResult{}, &entities.IntegrityError{Expected: rec.Digest, Actual: actual}
	}

	now := v.now()
	key, err := v.keys.Lookup(ctx, rec.SignerKeyID)
	if err != nil {
		return entities.VerificationResult{}, err
	}
	if err := key.CheckAt(now); err != nil {
		return entities.VerificationResult{}, err
	}

	if err := v.verifier.VerifySignature(ctx, []byte(key.PublicKeyPEM), rec.SignedPayload(), rec.Signature); err != nil {
		return entities.VerificationResult{}, &entities.InvalidSignatureError{KeyID: key.KeyID, Cause: err}
	}

	return entities.VerificationResult{
		Verified:    true,
		SignerKeyID: key.KeyID,
		Digest:      actual,
		VerifiedAt:  now,
	}, nil
}

func (v *Verifier) record(ctx context.Context, subject Subject, rec entities.SignatureRecord, verr error) {
	entry := audit.Entry{
		Kind:     audit.KindSignature,
		PluginID: subject.PluginID,
		Version:  subject.Version,
		Outcome:  "pass",
		Attributes: map[string]string{
			"key":    rec.SignerKeyID,
			"digest": rec.Digest.String(),
		},
	}
	if verr != nil {
		entry.Outcome = "fail"
		entry.Detail = verr.Error()
		entry.Attributes["error"] = FailureClass(verr)
	}
	if err := v.audit.Append(ctx, entry); err != nil {
		v.logger.ErrorContext(ctx, "failed to append signature audit entry", "plugin", subject.PluginID, "error", err)
	}
}

// FailureClass maps a verification error to its taxonomy name.
func FailureClass(err error) string {
	switch {
	case errors.Is(err, entities.ErrIntegrityCheckFailed):
		return "IntegrityError"
	case errors.Is(err, entities.ErrUnknownSigner):
		return "UnknownSigner"
	case errors.Is(err, entities.ErrRevokedSigner):
		return "RevokedSigner"
	case errors.Is(err, entities.ErrExpiredSigner):
		return "ExpiredSigner"
	case errors.Is(err, entities.ErrInvalidSignature):
		return "InvalidSignature"
	default:
		return "Error"
	}
}
