package escalation

import (
	"errors"
	"fmt"
)

var (
	// ErrDispatchDegraded is matched by every *DispatchDegradedError.
	ErrDispatchDegraded = errors.New("dispatch degraded")
	// ErrNoCountdown is returned when cancelling an identity with no
	// countdown running.
	ErrNoCountdown = errors.New("no countdown running")
)

// DispatchDegradedError reports that the intended channel could not deliver.
// Used is the weaker channel that did, or empty when none did.
type DispatchDegradedError struct {
	IdentityID string
	Intended   string
	Used       string
	Cause      error
}

func (e *DispatchDegradedError) Error() string {
	if e.Used == "" {
		return fmt.Sprintf("dispatch for %s failed on every channel: %v", e.IdentityID, e.Cause)
	}
	return fmt.Sprintf("dispatch for %s degraded from %s to %s: %v", e.IdentityID, e.Intended, e.Used, e.Cause)
}

func (e *DispatchDegradedError) Unwrap() []error {
	return []error{ErrDispatchDegraded, e.Cause}
}
