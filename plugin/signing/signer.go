package signing

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/sigstore/sigstore/pkg/signature/options"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// Signer produces signature records for packages. It is the publishing
// counterpart of SigstoreVerifier and is used by tooling and tests.
type Signer struct {
	signer    signature.Signer
	keyID     string
	algorithm string
	now       func() time.Time
}

var _ ports.PackageSigner = (*Signer)(nil)

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithDigestAlgorithm selects the package digest algorithm.
func WithDigestAlgorithm(alg string) SignerOption {
	return func(s *Signer) { s.algorithm = alg }
}

// WithSignerClock overrides the signature timestamp source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner wraps an ECDSA, Ed25519 or RSA private key registered under keyID.
func NewSigner(priv crypto.PrivateKey, keyID string, opts ...SignerOption) (*Signer, error) {
	sv, err := signature.LoadSigner(priv, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("load signer: %w", err)
	}
	s := &Signer{
		signer:    sv,
		keyID:     keyID,
		algorithm: values.AlgorithmSHA256,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign digests the package and signs the canonical digest string.
func (s *Signer) Sign(ctx context.Context, packageBytes []byte) (entities.SignatureRecord, error) {
	digest, err := values.ComputeDigest(s.algorithm, packageBytes)
	if err != nil {
		return entities.SignatureRecord{}, err
	}
	rec := entities.SignatureRecord{
		Algorithm:   s.algorithm,
		Digest:      digest,
		SignerKeyID: s.keyID,
		Timestamp:   s.now().UTC(),
	}
	sig, err := s.signer.SignMessage(bytes.NewReader(rec.SignedPayload()), options.WithContext(ctx))
	if err != nil {
		return entities.SignatureRecord{}, fmt.Errorf("sign package: %w", err)
	}
	rec.Signature = sig
	return rec, nil
}
