// Package audit keeps a tamper-evident trail of escalation actions. Each
// record carries the SHA-256 of its content and of its predecessor.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pointerguard/pkg/store"
	"pointerguard/shared/types"
)

var (
	// ErrTampered reports a record whose content no longer matches its hash.
	ErrTampered = errors.New("audit record hash mismatch")
	// ErrChainBroken reports a record that does not link to its predecessor.
	ErrChainBroken = errors.New("audit chain broken")
)

// Recorder appends action records to an AuditStore, linking each one to the
// previous record across all identities.
type Recorder struct {
	store store.AuditStore
	now   func() time.Time

	mu     sync.Mutex
	last   string
	loaded bool
}

// NewRecorder returns a recorder that continues the chain already in s.
func NewRecorder(s store.AuditStore) *Recorder {
	return &Recorder{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Record fills in ID, CreatedAt and the chain hashes, then appends rec.
// The chain head only advances once the store accepted the record.
func (r *Recorder) Record(ctx context.Context, rec types.ActionRecord) (types.ActionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		last, err := r.store.LastActionHash(ctx)
		if err != nil {
			return rec, fmt.Errorf("load audit chain head: %w", err)
		}
		r.last, r.loaded = last, true
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.PrevHash = r.last
	rec.Hash = Hash(rec)
	if err := r.store.AppendAction(ctx, rec); err != nil {
		return rec, fmt.Errorf("append audit record: %w", err)
	}
	r.last = rec.Hash
	return rec, nil
}

// Hash computes the content hash of rec, including PrevHash but not Hash.
func Hash(rec types.ActionRecord) string {
	fields := []string{
		rec.PrevHash,
		rec.ID,
		rec.IdentityID,
		string(rec.Kind),
		rec.Severity,
		rec.Channel,
		rec.Outcome,
		rec.Error,
		strconv.FormatBool(rec.Manual),
		rec.ScoreRecordID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Verify checks every record's own hash. When chained is true the records
// must be the complete trail, oldest first, and each must link to the one
// before it.
func Verify(records []types.ActionRecord, chained bool) error {
	for i, rec := range records {
		if Hash(rec) != rec.Hash {
			return fmt.Errorf("record %s: %w", rec.ID, ErrTampered)
		}
		if chained && i > 0 && rec.PrevHash != records[i-1].Hash {
			return fmt.Errorf("record %s: %w", rec.ID, ErrChainBroken)
		}
	}
	return nil
}
