package ml

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSession is matched by every *InvalidSessionError.
var ErrInvalidSession = errors.New("invalid session")

// InvalidSessionError reports an event sequence the extractor refuses.
type InvalidSessionError struct {
	IdentityID string
	SessionID  string
	Reason     string
}

func (e *InvalidSessionError) Error() string {
	return fmt.Sprintf("invalid session %s/%s: %s", e.IdentityID, e.SessionID, e.Reason)
}

func (e *InvalidSessionError) Unwrap() error { return ErrInvalidSession }

// FeatureAlignmentWarning lists columns that were zero-filled (Missing) or
// ignored (Extra) while reindexing a vector onto a canonical order. It is
// informational and never returned as an error.
type FeatureAlignmentWarning struct {
	Missing []string
	Extra   []string
}

// Empty reports whether the reindex was lossless.
func (w FeatureAlignmentWarning) Empty() bool {
	return len(w.Missing) == 0 && len(w.Extra) == 0
}

func (w FeatureAlignmentWarning) String() string {
	if w.Empty() {
		return "aligned"
	}
	return fmt.Sprintf("missing=[%s] extra=[%s]", truncateNames(w.Missing), truncateNames(w.Extra))
}

func truncateNames(names []string) string {
	const max = 8
	if len(names) <= max {
		return strings.Join(names, ",")
	}
	return strings.Join(names[:max], ",") + fmt.Sprintf(",+%d more", len(names)-max)
}
