package policy

import (
	"errors"
	"fmt"
)

// ErrDenied is matched by every DeniedError.
var ErrDenied = errors.New("capability denied")

// DeniedError carries a deny decision across a call boundary. Plugin code
// receives it as a capability error value.
type DeniedError struct {
	Decision Decision
}

// Deny wraps d as an error. It returns nil for allow decisions.
func Deny(d Decision) error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

func (e *DeniedError) Error() string {
	if e.Decision.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrDenied, e.Decision.Reason, e.Decision.Detail)
	}
	return fmt.Sprintf("%s: %s", ErrDenied, e.Decision.Reason)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// ReasonOf extracts the denial reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var de *DeniedError
	if errors.As(err, &de) {
		return de.Decision.Reason
	}
	return ReasonNone
}
