// Package lifecycle trains, versions and publishes per-identity models.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pointerguard/pkg/metrics"
	"pointerguard/pkg/ml"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/types"
)

var tracer = otel.Tracer("pointerguard/lifecycle")

// Config controls training.
type Config struct {
	MinSamplesPerClass int
	NegativeSampleCap  int
	Forest             ml.ForestConfig
}

// RetrainHook runs after a new artifact has been published.
type RetrainHook func(ctx context.Context, art *types.ModelArtifact)

// Manager owns every artifact. Training is exclusive per identity; readers
// always see either the previous or the new model, never a partial one.
type Manager struct {
	cfg      Config
	features store.FeatureStore
	models   store.ModelStore
	log      *structlog.Logger
	now      func() time.Time

	training sync.Map // identity -> *sync.Mutex

	mu    sync.RWMutex
	slots map[string]*atomic.Pointer[Model]

	hooksMu sync.RWMutex
	hooks   []RetrainHook
}

// NewManager creates a manager over the given stores.
func NewManager(cfg Config, features store.FeatureStore, models store.ModelStore, log *structlog.Logger) *Manager {
	if cfg.MinSamplesPerClass <= 0 {
		cfg.MinSamplesPerClass = 10
	}
	if cfg.NegativeSampleCap <= 0 {
		cfg.NegativeSampleCap = 500
	}
	if log == nil {
		log = structlog.Nop()
	}
	return &Manager{
		cfg:      cfg,
		features: features,
		models:   models,
		log:      log.Component("lifecycle"),
		now:      func() time.Time { return time.Now().UTC() },
		slots:    make(map[string]*atomic.Pointer[Model]),
	}
}

// OnRetrain registers a hook run after every successful Train.
func (m *Manager) OnRetrain(h RetrainHook) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hooksMu.Unlock()
}

func (m *Manager) slot(identity string) *atomic.Pointer[Model] {
	m.mu.RLock()
	s, ok := m.slots[identity]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[identity]; !ok {
		s = &atomic.Pointer[Model]{}
		m.slots[identity] = s
	}
	return s
}

func (m *Manager) lockTraining(identity string) func() {
	v, _ := m.training.LoadOrStore(identity, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Train fits a new model for identity and publishes it. On any failure the
// previously published artifact stays in place.
func (m *Manager) Train(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	if identity == "" || identity == types.PopulationIdentity {
		return nil, fmt.Errorf("train: invalid identity %q", identity)
	}
	unlock := m.lockTraining(identity)
	defer unlock()

	ctx, span := tracer.Start(ctx, "lifecycle.Train")
	span.SetAttributes(attribute.String("identity", identity))
	defer span.End()

	start := time.Now()
	art, err := m.train(ctx, identity)
	metrics.TrainingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		result := "error"
		if errors.Is(err, ErrInsufficientData) {
			result = "insufficient_data"
		}
		metrics.TrainingsTotal.WithLabelValues(result).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.TrainingsTotal.WithLabelValues("ok").Inc()
	metrics.ValidationMetric.WithLabelValues(identity).Set(art.ValidationMetric)

	m.hooksMu.RLock()
	hooks := append([]RetrainHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, art)
	}
	return art, nil
}

func (m *Manager) train(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	log := m.log.ForIdentity(identity)

	positives, err := m.features.Vectors(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load positives for %s: %w", identity, err)
	}
	negatives, source, err := m.negatives(ctx, identity)
	if err != nil {
		return nil, err
	}
	if len(positives) < m.cfg.MinSamplesPerClass || len(negatives) < m.cfg.MinSamplesPerClass {
		return nil, &InsufficientDataError{
			IdentityID: identity,
			Positive:   len(positives),
			Negative:   len(negatives),
			Minimum:    m.cfg.MinSamplesPerClass,
		}
	}

	order := featureOrder(negatives)
	if len(positives) > len(negatives) {
		order = featureOrder(positives)
	}
	X := make([][]float64, 0, len(positives)+len(negatives))
	y := make([]int, 0, len(positives)+len(negatives))
	missing := make(map[string]struct{})
	add := func(vs []types.FeatureVector, label int) {
		for _, fv := range vs {
			row, warn := ml.Align(fv.Features, order)
			for _, name := range warn.Missing {
				missing[name] = struct{}{}
			}
			X = append(X, row)
			y = append(y, label)
		}
	}
	add(positives, 1)
	add(negatives, 0)
	if len(missing) > 0 {
		metrics.FeatureAlignmentMissing.WithLabelValues("training").Add(float64(len(missing)))
		log.Warn().Int("columns", len(missing)).Msg("feature alignment: zero-filled columns absent from part of the training set")
	}

	forest := ml.NewRandomForest(m.cfg.Forest)
	auc, err := forest.Fit(X, y)
	if err != nil {
		return nil, fmt.Errorf("fit model for %s: %w", identity, err)
	}
	state, err := forest.SaveJSON()
	if err != nil {
		return nil, fmt.Errorf("encode model for %s: %w", identity, err)
	}

	art := &types.ModelArtifact{
		IdentityID:       identity,
		Version:          uuid.NewString(),
		Algorithm:        ml.AlgorithmRandomForest,
		ClassifierState:  state,
		FeatureNameOrder: order,
		TrainedAt:        m.now(),
		SampleCounts:     types.SampleCounts{Positive: len(positives), Negative: len(negatives)},
		NegativeSource:   source,
		ValidationMetric: auc,
	}
	if err := m.models.SaveModel(ctx, art); err != nil {
		return nil, fmt.Errorf("save model for %s: %w", identity, err)
	}
	m.slot(identity).Store(&Model{Artifact: art, forest: forest})

	log.Info().
		Str("version", art.Version).
		Int("positives", len(positives)).
		Int("negatives", len(negatives)).
		Str("negative_source", source).
		Float64("oob_auc", auc).
		Msg("model published")
	return art, nil
}

// negatives borrows the negative class: the population pool when it alone
// meets the per-class minimum, otherwise other identities, otherwise both.
// The result is capped by a seeded shuffle.
func (m *Manager) negatives(ctx context.Context, identity string) ([]types.FeatureVector, string, error) {
	population, err := m.features.Vectors(ctx, types.PopulationIdentity)
	if err != nil {
		return nil, "", fmt.Errorf("load population pool: %w", err)
	}
	pool, source := population, types.NegativeSourcePopulation
	if len(population) < m.cfg.MinSamplesPerClass {
		others, err := m.features.VectorsExcluding(ctx, identity, 0)
		if err != nil {
			return nil, "", fmt.Errorf("load other identities: %w", err)
		}
		switch {
		case len(others) >= m.cfg.MinSamplesPerClass || len(population) == 0:
			pool, source = others, types.NegativeSourceIdentities
		case len(others) > 0:
			pool, source = append(population, others...), types.NegativeSourceMixed
		}
	}

	if len(pool) > m.cfg.NegativeSampleCap {
		rng := rand.New(rand.NewSource(m.cfg.Forest.Seed))
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		pool = pool[:m.cfg.NegativeSampleCap]
	}
	return pool, source, nil
}

func featureOrder(vs []types.FeatureVector) []string {
	sets := make([]map[string]float64, len(vs))
	for i := range vs {
		sets[i] = vs[i].Features
	}
	return ml.UnionNames(sets...)
}

// Model returns the published model for identity, loading it from the
// model store on first use. store.ErrNotFound means none was ever trained.
func (m *Manager) Model(ctx context.Context, identity string) (*Model, error) {
	s := m.slot(identity)
	if cur := s.Load(); cur != nil {
		return cur, nil
	}
	art, err := m.models.LoadModel(ctx, identity)
	if err != nil {
		return nil, err
	}
	model, err := NewModel(art)
	if err != nil {
		return nil, err
	}
	// A concurrent Train may have published a newer model meanwhile.
	s.CompareAndSwap(nil, model)
	return s.Load(), nil
}

// Load returns the current artifact for identity.
func (m *Manager) Load(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	model, err := m.Model(ctx, identity)
	if err != nil {
		return nil, err
	}
	return model.Artifact, nil
}
