package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"pointerguard/shared/types"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     uint64
	vectors map[string][]types.FeatureVector
	models  map[string]*types.ModelArtifact
	scores  map[string][]types.ScoreRecord
	actions map[string][]types.ActionRecord
	last    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vectors: make(map[string][]types.FeatureVector),
		models:  make(map[string]*types.ModelArtifact),
		scores:  make(map[string][]types.ScoreRecord),
		actions: make(map[string][]types.ActionRecord),
	}
}

func (m *MemoryStore) PutVector(ctx context.Context, fv *types.FeatureVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	fv.Seq = m.seq
	if fv.CreatedAt.IsZero() {
		fv.CreatedAt = time.Now().UTC()
	}
	m.vectors[fv.IdentityID] = append(m.vectors[fv.IdentityID], fv.Clone())
	return nil
}

func (m *MemoryStore) Vectors(ctx context.Context, identity string) ([]types.FeatureVector, error) {
	return m.RecentVectors(ctx, identity, 0)
}

func (m *MemoryStore) RecentVectors(ctx context.Context, identity string, n int) ([]types.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneVectors(limitTail(m.vectors[identity], n)), nil
}

func (m *MemoryStore) VectorsSince(ctx context.Context, identity string, afterSeq uint64, limit int) ([]types.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.vectors[identity]
	i := sort.Search(len(all), func(i int) bool { return all[i].Seq > afterSeq })
	out := all[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneVectors(out), nil
}

func (m *MemoryStore) VectorsExcluding(ctx context.Context, identity string, limit int) ([]types.FeatureVector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.FeatureVector
	for id, vs := range m.vectors {
		if id == identity || id == types.PopulationIdentity {
			continue
		}
		out = append(out, vs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneVectors(out), nil
}

func (m *MemoryStore) Identities(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id := range m.vectors {
		if id != types.PopulationIdentity {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) SaveModel(ctx context.Context, art *types.ModelArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := *art
	m.mu.Lock()
	m.models[art.IdentityID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	art, ok := m.models[identity]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *art
	return &cp, nil
}

func (m *MemoryStore) AppendScore(ctx context.Context, rec types.ScoreRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.scores[rec.IdentityID] = append(m.scores[rec.IdentityID], rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Scores(ctx context.Context, identity string, limit int) ([]types.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return reversed(limitTail(m.scores[identity], limit)), nil
}

func (m *MemoryStore) AppendAction(ctx context.Context, rec types.ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.actions[rec.IdentityID] = append(m.actions[rec.IdentityID], rec)
	m.last = rec.Hash
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Actions(ctx context.Context, identity string, limit int) ([]types.ActionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return reversed(limitTail(m.actions[identity], limit)), nil
}

func (m *MemoryStore) LastActionHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneVectors(vs []types.FeatureVector) []types.FeatureVector {
	out := make([]types.FeatureVector, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return out
}
