// Package signing verifies and produces detached package signatures with
// sigstore's signature primitives.
package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
)

// ParsePublicKey decodes a PEM encoded ECDSA, Ed25519 or RSA public key.
func ParsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	pub, err := cryptoutils.UnmarshalPEMToPublicKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if err := cryptoutils.ValidatePubKey(pub); err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}
	return pub, nil
}

// MarshalPublicKey encodes a public key as PEM.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	return cryptoutils.MarshalPublicKeyToPEM(pub)
}

// Fingerprint returns "sha256:<hex>" over the DER encoding of the key.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := cryptoutils.MarshalPublicKeyToDER(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// GenerateKey creates a P-256 key pair and returns the private key with the
// PEM encoded public key.
func GenerateKey() (*ecdsa.PrivateKey, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	pemBytes, err := MarshalPublicKey(priv.Public())
	if err != nil {
		return nil, nil, err
	}
	return priv, pemBytes, nil
}
