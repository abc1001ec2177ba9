package signing

import (
	"bytes"
	"context"
	"crypto"
	"fmt"

	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/sigstore/sigstore/pkg/signature/options"

	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

// SigstoreVerifier implements ports.SignatureVerifier.
type SigstoreVerifier struct {
	hash crypto.Hash
}

var _ ports.SignatureVerifier = (*SigstoreVerifier)(nil)

// NewSigstoreVerifier creates a verifier hashing messages with SHA-256 for
// ECDSA and RSA keys. Ed25519 signs the message directly.
func NewSigstoreVerifier() *SigstoreVerifier {
	return &SigstoreVerifier{hash: crypto.SHA256}
}

// VerifySignature checks sig over payload with the PEM public key.
func (v *SigstoreVerifier) VerifySignature(ctx context.Context, publicKeyPEM []byte, payload, sig []byte) error {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return err
	}
	verifier, err := signature.LoadVerifier(pub, v.hash)
	if err != nil {
		return fmt.Errorf("load verifier: %w", err)
	}
	return verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload), options.WithContext(ctx))
}
