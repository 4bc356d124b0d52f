package lifecycle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointerguard/pkg/ml"
	"pointerguard/pkg/store"
	"pointerguard/shared/types"
)

// session simulates one user's pointer habit: step controls movement size
// and gap the typical delay between samples.
func session(identity, id string, rng *rand.Rand, step, gap float64) []types.RawEvent {
	events := make([]types.RawEvent, 0, 120)
	x, y, ts := 400.0, 300.0, 0.0
	for len(events) < 120 {
		ts += gap * (0.5 + rng.Float64())
		if rng.Float64() < 0.06 {
			down := types.At(identity, id, ts, types.EventButtonDown, x, y)
			down.Button = "left"
			ts += gap * 4
			up := types.At(identity, id, ts, types.EventButtonUp, x, y)
			up.Button = "left"
			events = append(events, down, up)
			continue
		}
		x += (rng.Float64() - 0.4) * step
		y += (rng.Float64() - 0.5) * step
		events = append(events, types.At(identity, id, ts, types.EventMove, x, y))
	}
	return events
}

func testConfig() Config {
	return Config{
		MinSamplesPerClass: 10,
		NegativeSampleCap:  500,
		Forest:             ml.ForestConfig{NumTrees: 30, MaxDepth: 8, MinLeaf: 2, Seed: 42},
	}
}

// gaussian stores n vectors for identity centred on mean.
func gaussian(t *testing.T, s store.Store, identity string, n int, mean float64, rng *rand.Rand) {
	t.Helper()
	for i := 0; i < n; i++ {
		fv := &types.FeatureVector{
			IdentityID: identity,
			SessionID:  fmt.Sprintf("%s-%d", identity, i),
			Timestamp:  float64(i),
			Features: map[string]float64{
				"f0": mean + rng.NormFloat64(),
				"f1": mean*2 + rng.NormFloat64(),
				"f2": rng.NormFloat64(),
			},
		}
		require.NoError(t, s.PutVector(context.Background(), fv))
	}
}

func TestTrain_FiftyFiftyHeldOutPositivesScoreNormal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	ex := ml.NewExtractor(ml.DefaultExtractorConfig())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		fv, err := ex.Extract(session("alice", fmt.Sprintf("a%d", i), rng, 6, 0.025))
		require.NoError(t, err)
		require.NoError(t, s.PutVector(ctx, &fv))
		fv, err = ex.Extract(session("bob", fmt.Sprintf("b%d", i), rng, 70, 0.006))
		require.NoError(t, err)
		require.NoError(t, s.PutVector(ctx, &fv))
	}

	m := NewManager(testConfig(), s, s, nil)
	art, err := m.Train(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ex.FeatureNames(), art.FeatureNameOrder)
	assert.Equal(t, types.NegativeSourceIdentities, art.NegativeSource)
	assert.Equal(t, types.SampleCounts{Positive: 50, Negative: 50}, art.SampleCounts)
	assert.Equal(t, ml.AlgorithmRandomForest, art.Algorithm)

	model, err := m.Model(ctx, "alice")
	require.NoError(t, err)
	normal := 0
	for i := 0; i < 20; i++ {
		fv, err := ex.Extract(session("alice", fmt.Sprintf("held%d", i), rng, 6, 0.025))
		require.NoError(t, err)
		p, warn := model.PositiveProba(fv.Features)
		assert.True(t, warn.Empty())
		if 1-p < 0.5 {
			normal++
		}
	}
	assert.Greater(t, normal, 10, "held-out positives should mostly score normal")
}

func TestTrain_PrefersPopulationPool(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(1))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 20, -5, rng)
	gaussian(t, s, types.PopulationIdentity, 15, 0, rng)

	art, err := NewManager(testConfig(), s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.NegativeSourcePopulation, art.NegativeSource)
	assert.Equal(t, 15, art.SampleCounts.Negative)
}

func TestTrain_SmallPopulationFallsBackToIdentities(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(2))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 12, -5, rng)
	gaussian(t, s, types.PopulationIdentity, 3, 0, rng)

	art, err := NewManager(testConfig(), s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.NegativeSourceIdentities, art.NegativeSource)
	assert.Equal(t, 12, art.SampleCounts.Negative)
}

func TestTrain_MixedPoolWhenNeitherSuffices(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(3))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 6, -5, rng)
	gaussian(t, s, types.PopulationIdentity, 6, 0, rng)

	art, err := NewManager(testConfig(), s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.NegativeSourceMixed, art.NegativeSource)
	assert.Equal(t, 12, art.SampleCounts.Negative)
}

func TestTrain_NegativeCap(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(4))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, types.PopulationIdentity, 80, 0, rng)

	cfg := testConfig()
	cfg.NegativeSampleCap = 25
	art, err := NewManager(cfg, s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 25, art.SampleCounts.Negative)
}

func TestTrain_InsufficientDataKeepsPreviousArtifact(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(5))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 20, -5, rng)

	first, err := NewManager(testConfig(), s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MinSamplesPerClass = 100
	strict := NewManager(cfg, s, s, nil)
	_, err = strict.Train(ctx, "alice")
	require.ErrorIs(t, err, ErrInsufficientData)
	var ide *InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, 20, ide.Positive)
	assert.Equal(t, 100, ide.Minimum)

	cur, err := strict.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Version, cur.Version)
}

func TestTrain_ZeroFillsColumnsMissingFromSmallerPool(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(6))
	gaussian(t, s, "alice", 12, 5, rng)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.PutVector(ctx, &types.FeatureVector{
			IdentityID: "bob", SessionID: fmt.Sprint(i),
			Features: map[string]float64{"f0": -5, "f1": -10, "f2": 0, "f3": rng.Float64()},
		}))
	}

	art, err := NewManager(testConfig(), s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"f0", "f1", "f2", "f3"}, art.FeatureNameOrder)
}

func TestTrain_PublishesAndRunsHooks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(8))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 20, -5, rng)

	m := NewManager(testConfig(), s, s, nil)
	var seen []string
	m.OnRetrain(func(_ context.Context, art *types.ModelArtifact) {
		seen = append(seen, art.Version)
	})

	first, err := m.Train(ctx, "alice")
	require.NoError(t, err)
	second, err := m.Train(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, second.Version)
	assert.Equal(t, []string{first.Version, second.Version}, seen)

	cur, err := m.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.Version, cur.Version)

	stored, err := s.LoadModel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, second.Version, stored.Version)
}

func TestModel_LoadsFromStoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(9))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 20, -5, rng)

	art, err := NewManager(testConfig(), s, s, nil).Train(ctx, "alice")
	require.NoError(t, err)

	fresh := NewManager(testConfig(), s, s, nil)
	model, err := fresh.Model(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, art.Version, model.Artifact.Version)

	p, _ := model.PositiveProba(map[string]float64{"f0": 5, "f1": 10, "f2": 0})
	assert.Greater(t, p, 0.5)
	p, _ = model.PositiveProba(map[string]float64{"f0": -5, "f1": -10, "f2": 0})
	assert.Less(t, p, 0.5)

	_, err = fresh.Load(ctx, "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTrain_RejectsPopulationIdentity(t *testing.T) {
	m := NewManager(testConfig(), store.NewMemoryStore(), store.NewMemoryStore(), nil)
	_, err := m.Train(context.Background(), types.PopulationIdentity)
	require.Error(t, err)
}

func TestTrain_ConcurrentCallsSerialize(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rng := rand.New(rand.NewSource(10))
	gaussian(t, s, "alice", 20, 5, rng)
	gaussian(t, s, "bob", 20, -5, rng)
	m := NewManager(testConfig(), s, s, nil)

	var wg sync.WaitGroup
	versions := make([]string, 4)
	for i := range versions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := m.Train(ctx, "alice")
			if assert.NoError(t, err) {
				versions[i] = art.Version
			}
		}(i)
	}
	wg.Wait()

	cur, err := m.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, versions, cur.Version)
	stored, err := s.LoadModel(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, cur.Version, stored.Version)
}
