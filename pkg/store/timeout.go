package store

import (
	"context"
	"time"

	"pointerguard/shared/types"
)

// WithTimeout bounds every call on s by d so a stalled backend surfaces as
// context.DeadlineExceeded instead of blocking a scoring loop.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{inner: s, d: d}
}

type timeoutStore struct {
	inner Store
	d     time.Duration
}

func (t *timeoutStore) PutVector(ctx context.Context, fv *types.FeatureVector) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.PutVector(ctx, fv)
}

func (t *timeoutStore) Vectors(ctx context.Context, identity string) ([]types.FeatureVector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Vectors(ctx, identity)
}

func (t *timeoutStore) RecentVectors(ctx context.Context, identity string, n int) ([]types.FeatureVector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.RecentVectors(ctx, identity, n)
}

func (t *timeoutStore) VectorsSince(ctx context.Context, identity string, afterSeq uint64, limit int) ([]types.FeatureVector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.VectorsSince(ctx, identity, afterSeq, limit)
}

func (t *timeoutStore) VectorsExcluding(ctx context.Context, identity string, limit int) ([]types.FeatureVector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.VectorsExcluding(ctx, identity, limit)
}

func (t *timeoutStore) Identities(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Identities(ctx)
}

func (t *timeoutStore) SaveModel(ctx context.Context, art *types.ModelArtifact) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.SaveModel(ctx, art)
}

func (t *timeoutStore) LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.LoadModel(ctx, identity)
}

func (t *timeoutStore) AppendScore(ctx context.Context, rec types.ScoreRecord) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.AppendScore(ctx, rec)
}

func (t *timeoutStore) Scores(ctx context.Context, identity string, limit int) ([]types.ScoreRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Scores(ctx, identity, limit)
}

func (t *timeoutStore) AppendAction(ctx context.Context, rec types.ActionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.AppendAction(ctx, rec)
}

func (t *timeoutStore) Actions(ctx context.Context, identity string, limit int) ([]types.ActionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.Actions(ctx, identity, limit)
}

func (t *timeoutStore) LastActionHash(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.inner.LastActionHash(ctx)
}

func (t *timeoutStore) Close() error { return t.inner.Close() }
