package entities

import (
	"time"

	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// SignatureRecord is the detached signature shipped with one package
// artifact. The signature covers the canonical digest string
// ("<algorithm>:<hex>").
type SignatureRecord struct {
	Algorithm   string        `json:"algorithm" yaml:"algorithm"`
	Digest      values.Digest `json:"digest" yaml:"digest"`
	Signature   []byte        `json:"signature" yaml:"signature"`
	SignerKeyID string        `json:"signerKeyId" yaml:"signerKeyId"`
	Timestamp   time.Time     `json:"timestamp" yaml:"timestamp"`
}

// SignedPayload returns the bytes the signature is computed over.
func (r SignatureRecord) SignedPayload() []byte {
	return []byte(r.Digest.String())
}

// VerificationResult is returned only for a fully verified package.
type VerificationResult struct {
	Verified    bool          `json:"verified"`
	SignerKeyID string        `json:"signerKeyId"`
	Digest      values.Digest `json:"digest"`
	VerifiedAt  time.Time     `json:"verifiedAt"`
}
