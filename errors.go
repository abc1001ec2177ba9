package trust

import (
	"errors"
	"fmt"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/scanner"
)

// ErrScanBlocked is matched by every *ScanBlockedError.
var ErrScanBlocked = errors.New("install blocked by security scan")

// ScanBlockedError rejects an install whose bundle has critical findings.
type ScanBlockedError struct {
	PluginID string
	Findings []scanner.Finding
}

func (e *ScanBlockedError) Error() string {
	n := 0
	for _, f := range e.Findings {
		if f.Severity == scanner.SeverityCritical {
			n++
		}
	}
	return fmt.Sprintf("install of %s blocked: %d critical findings", e.PluginID, n)
}

func (e *ScanBlockedError) Is(target error) bool { return target == ErrScanBlocked }

// PublisherMismatchError is returned when a manifest names a publisher
// other than the key that signed the package. It is an integrity failure.
type PublisherMismatchError struct {
	Publisher   string
	SignerKeyID string
}

func (e *PublisherMismatchError) Error() string {
	return fmt.Sprintf("integrity check failed: manifest publisher %q does not match signer %q", e.Publisher, e.SignerKeyID)
}

func (e *PublisherMismatchError) Is(target error) bool {
	return target == entities.ErrIntegrityCheckFailed
}
