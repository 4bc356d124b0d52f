package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is matched by every *InsufficientDataError.
var ErrInsufficientData = errors.New("insufficient training data")

// InsufficientDataError reports a class below the configured minimum. The
// previous artifact, if any, remains active.
type InsufficientDataError struct {
	IdentityID string
	Positive   int
	Negative   int
	Minimum    int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data for %s: %d positive, %d negative, need %d per class",
		e.IdentityID, e.Positive, e.Negative, e.Minimum)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }
