package ports

import (
	"context"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// SignatureVerifier checks a detached signature over a payload with a PEM
// encoded public key.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, publicKeyPEM []byte, payload, signature []byte) error
}

// TrustRegistry resolves publisher keys. Lookup returns
// entities.UnknownSignerError when the key id is not registered.
type TrustRegistry interface {
	Lookup(ctx context.Context, keyID string) (entities.TrustedKey, error)
}

// PackageSigner produces signature records (publishing side).
type PackageSigner interface {
	Sign(ctx context.Context, packageBytes []byte) (entities.SignatureRecord, error)
}
