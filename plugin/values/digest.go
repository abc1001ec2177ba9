package values

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Supported digest algorithms.
const (
	AlgorithmSHA256     = "sha256"
	AlgorithmSHA512     = "sha512"
	AlgorithmBLAKE2b256 = "blake2b-256"
)

// Digest represents a content hash with algorithm.
type Digest struct {
	algorithm string
	value     string // lowercase hex
}

// NewDigest creates a digest from algorithm and hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	size, err := digestSize(algorithm)
	if err != nil {
		return Digest{}, err
	}

	hexValue = strings.ToLower(hexValue)
	raw, err := hex.DecodeString(hexValue)
	if err != nil {
		return Digest{}, fmt.Errorf("digest value is not hex: %w", err)
	}
	if len(raw) != size {
		return Digest{}, fmt.Errorf("%s digest must be %d bytes, got %d", algorithm, size, len(raw))
	}

	return Digest{algorithm: algorithm, value: hexValue}, nil
}

// ParseDigest parses a digest string (e.g., "sha256:abc123...").
func ParseDigest(s string) (Digest, error) {
	algorithm, value, ok := strings.Cut(s, ":")
	if !ok || algorithm == "" {
		return Digest{}, fmt.Errorf("invalid digest format: %q", s)
	}
	return NewDigest(algorithm, value)
}

// ComputeDigest hashes data with the named algorithm.
func ComputeDigest(algorithm string, data []byte) (Digest, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return Digest{}, err
	}
	h.Write(data)
	return Digest{algorithm: algorithm, value: hex.EncodeToString(h.Sum(nil))}, nil
}

// ComputeDigestReader hashes the reader contents with the named algorithm.
func ComputeDigestReader(algorithm string, r io.Reader) (Digest, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{algorithm: algorithm, value: hex.EncodeToString(h.Sum(nil))}, nil
}

// String returns the canonical digest string.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.algorithm + ":" + d.value
}

// Algorithm returns the hash algorithm.
func (d Digest) Algorithm() string {
	return d.algorithm
}

// Value returns the hex-encoded hash value.
func (d Digest) Value() string {
	return d.value
}

// IsZero reports whether d is the zero Digest.
func (d Digest) IsZero() bool {
	return d.algorithm == "" && d.value == ""
}

// Equals compares two digests in constant time.
func (d Digest) Equals(other Digest) bool {
	if d.algorithm != other.algorithm {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(d.value), []byte(other.value)) == 1
}

// Compute hashes data with this digest's algorithm.
func (d Digest) Compute(data []byte) (Digest, error) {
	return ComputeDigest(d.algorithm, data)
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text decodes
// to the zero Digest.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case AlgorithmSHA256:
		return sha256.New(), nil
	case AlgorithmSHA512:
		return sha512.New(), nil
	case AlgorithmBLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
}

func digestSize(algorithm string) (int, error) {
	switch algorithm {
	case AlgorithmSHA256, AlgorithmBLAKE2b256:
		return 32, nil
	case AlgorithmSHA512:
		return 64, nil
	default:
		return 0, fmt.Errorf("unsupported digest algorithm: %s", algorithm)
	}
}
