package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointerguard/pkg/store"
	"pointerguard/shared/types"
)

func TestRecorder_ChainsAcrossIdentities(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	r := NewRecorder(s)

	a, err := r.Record(ctx, types.ActionRecord{IdentityID: "alice", Kind: types.ActionNotify, Outcome: types.OutcomeDelivered})
	require.NoError(t, err)
	b, err := r.Record(ctx, types.ActionRecord{IdentityID: "bob", Kind: types.ActionLock, Outcome: types.OutcomeFailed, Error: "bus unavailable"})
	require.NoError(t, err)

	assert.Empty(t, a.PrevHash)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, a.Hash, b.PrevHash)
	require.NoError(t, Verify([]types.ActionRecord{a, b}, true))

	// A second recorder over the same store continues the chain.
	c, err := NewRecorder(s).Record(ctx, types.ActionRecord{IdentityID: "alice", Kind: types.ActionReset, Outcome: types.OutcomeRecorded})
	require.NoError(t, err)
	assert.Equal(t, b.Hash, c.PrevHash)
}

func TestVerify_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemoryStore())
	a, err := r.Record(ctx, types.ActionRecord{IdentityID: "alice", Kind: types.ActionNotify, Outcome: types.OutcomeDelivered})
	require.NoError(t, err)
	b, err := r.Record(ctx, types.ActionRecord{IdentityID: "alice", Kind: types.ActionWarn, Outcome: types.OutcomeDelivered})
	require.NoError(t, err)

	forged := b
	forged.Outcome = types.OutcomeFailed
	assert.ErrorIs(t, Verify([]types.ActionRecord{a, forged}, false), ErrTampered)

	relinked := b
	relinked.PrevHash = "deadbeef"
	relinked.Hash = Hash(relinked)
	assert.NoError(t, Verify([]types.ActionRecord{a, relinked}, false))
	assert.ErrorIs(t, Verify([]types.ActionRecord{a, relinked}, true), ErrChainBroken)
}

type failingAudit struct{ *store.MemoryStore }

func (failingAudit) AppendAction(context.Context, types.ActionRecord) error {
	return errors.New("disk full")
}

func TestRecorder_HeadUnchangedOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	r := NewRecorder(failingAudit{mem})
	_, err := r.Record(ctx, types.ActionRecord{IdentityID: "alice", Kind: types.ActionNotify})
	require.Error(t, err)
	assert.Empty(t, r.last)
}
