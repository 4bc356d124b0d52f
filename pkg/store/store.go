// Package store persists feature vectors, model artifacts and the score and
// action audit trail. Backends: in-memory, bbolt (local default), Postgres,
// plus a Redis model store.
package store

import (
	"context"
	"errors"

	"pointerguard/shared/types"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("not found")

// FeatureStore persists feature vectors keyed by (identity, session).
// Seq is assigned on PutVector and orders vectors by arrival; listings are
// returned in ascending Seq order.
type FeatureStore interface {
	PutVector(ctx context.Context, fv *types.FeatureVector) error
	Vectors(ctx context.Context, identity string) ([]types.FeatureVector, error)
	RecentVectors(ctx context.Context, identity string, n int) ([]types.FeatureVector, error)
	VectorsSince(ctx context.Context, identity string, afterSeq uint64, limit int) ([]types.FeatureVector, error)
	// VectorsExcluding returns vectors of every real identity other than
	// identity. The population pool is never included. limit <= 0 means all.
	VectorsExcluding(ctx context.Context, identity string, limit int) ([]types.FeatureVector, error)
	// Identities lists real identities with stored vectors, sorted.
	Identities(ctx context.Context) ([]string, error)
}

// ModelStore persists the current artifact per identity. SaveModel replaces
// the previous artifact atomically.
type ModelStore interface {
	SaveModel(ctx context.Context, art *types.ModelArtifact) error
	LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error)
}

// AuditStore is the append-only record of scores and escalation actions.
// Listings are newest first.
type AuditStore interface {
	AppendScore(ctx context.Context, rec types.ScoreRecord) error
	Scores(ctx context.Context, identity string, limit int) ([]types.ScoreRecord, error)
	AppendAction(ctx context.Context, rec types.ActionRecord) error
	Actions(ctx context.Context, identity string, limit int) ([]types.ActionRecord, error)
	// LastActionHash is the hash of the most recent action across all
	// identities, or "" when the trail is empty.
	LastActionHash(ctx context.Context) (string, error)
}

// Store is a backend implementing every facet.
type Store interface {
	FeatureStore
	ModelStore
	AuditStore
	Close() error
}

// WithModelStore routes model persistence to models while keeping the rest
// of base.
func WithModelStore(base Store, models ModelStore) Store {
	return &splitStore{Store: base, models: models}
}

type splitStore struct {
	Store
	models ModelStore
}

func (s *splitStore) SaveModel(ctx context.Context, art *types.ModelArtifact) error {
	return s.models.SaveModel(ctx, art)
}

func (s *splitStore) LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	return s.models.LoadModel(ctx, identity)
}

func (s *splitStore) Close() error {
	err := s.Store.Close()
	if c, ok := s.models.(interface{ Close() error }); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

func limitTail[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func reversed[T any](items []T) []T {
	out := make([]T, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}
