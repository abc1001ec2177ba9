package entities

import "time"

// KeyStatus is the lifecycle status of a TrustedKey.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
)

// TrustedKey is a publisher key in the trust registry. Keys move to revoked
// irreversibly and are never deleted.
type TrustedKey struct {
	KeyID         string     `json:"keyId" yaml:"keyId"`
	PublicKeyPEM  string     `json:"publicKey" yaml:"publicKey"`
	Status        KeyStatus  `json:"status" yaml:"status"`
	ValidFrom     time.Time  `json:"validFrom" yaml:"validFrom"`
	ValidTo       *time.Time `json:"validTo,omitempty" yaml:"validTo,omitempty"`
	AddedBy       string     `json:"addedBy,omitempty" yaml:"addedBy,omitempty"`
	AddedAt       time.Time  `json:"addedAt" yaml:"addedAt"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty" yaml:"revokedAt,omitempty"`
	RevokedBy     string     `json:"revokedBy,omitempty" yaml:"revokedBy,omitempty"`
	RevokedReason string     `json:"revokedReason,omitempty" yaml:"revokedReason,omitempty"`
}

// InWindow reports whether at lies within [ValidFrom, ValidTo].
func (k TrustedKey) InWindow(at time.Time) bool {
	if at.Before(k.ValidFrom) {
		return false
	}
	return k.ValidTo == nil || !at.After(*k.ValidTo)
}

// CheckAt returns nil if the key may verify signatures at the given time,
// or the typed signer error explaining why not.
func (k TrustedKey) CheckAt(at time.Time) error {
	switch {
	case k.Status == KeyRevoked:
		var revokedAt time.Time
		if k.RevokedAt != nil {
			revokedAt = *k.RevokedAt
		}
		return &RevokedSignerError{KeyID: k.KeyID, RevokedAt: revokedAt}
	case k.Status == KeyExpired, !k.InWindow(at):
		return &ExpiredSignerError{KeyID: k.KeyID, ValidFrom: k.ValidFrom, ValidTo: k.ValidTo, At: at}
	}
	return nil
}
