// Package scoring turns feature vectors into score records using the
// current model of the claimed identity.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"pointerguard/pkg/lifecycle"
	"pointerguard/pkg/metrics"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/types"
)

var tracer = otel.Tracer("pointerguard/scoring")

var (
	// ErrModelNotTrained means the identity has no published artifact.
	ErrModelNotTrained = errors.New("model not trained")
	// ErrMalformedVector rejects empty or non-finite feature vectors.
	ErrMalformedVector = errors.New("malformed feature vector")
)

// Models resolves the published model of an identity.
// *lifecycle.Manager satisfies it.
type Models interface {
	Model(ctx context.Context, identity string) (*lifecycle.Model, error)
}

// Engine scores one vector at a time. It holds no per-identity state.
type Engine struct {
	models    Models
	threshold float64
	log       *structlog.Logger
	now       func() time.Time
}

// NewEngine creates an engine deciding anomalous at score >= threshold.
func NewEngine(models Models, threshold float64, log *structlog.Logger) *Engine {
	if log == nil {
		log = structlog.Nop()
	}
	return &Engine{
		models:    models,
		threshold: threshold,
		log:       log.Component("scoring"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Threshold returns the anomaly decision threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Score computes anomaly_score = 1 - P(identity) for fv.
func (e *Engine) Score(ctx context.Context, identity string, fv types.FeatureVector) (types.ScoreRecord, error) {
	ctx, span := tracer.Start(ctx, "scoring.Score")
	span.SetAttributes(attribute.String("identity", identity), attribute.Int64("seq", int64(fv.Seq)))
	defer span.End()

	if err := checkVector(fv); err != nil {
		metrics.ScoringErrors.WithLabelValues("malformed").Inc()
		return types.ScoreRecord{}, err
	}
	model, err := e.models.Model(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ScoringErrors.WithLabelValues("no_model").Inc()
		return types.ScoreRecord{}, fmt.Errorf("%s: %w", identity, ErrModelNotTrained)
	}
	if err != nil {
		metrics.ScoringErrors.WithLabelValues("model_load").Inc()
		span.RecordError(err)
		return types.ScoreRecord{}, fmt.Errorf("load model for %s: %w", identity, err)
	}

	p, warn := model.PositiveProba(fv.Features)
	if len(warn.Missing) > 0 {
		metrics.FeatureAlignmentMissing.WithLabelValues("scoring").Add(float64(len(warn.Missing)))
	}
	if !warn.Empty() {
		e.log.ForIdentity(identity).Debug().Str("alignment", warn.String()).Msg("feature alignment warning")
	}

	score := math.Min(1, math.Max(0, 1-p))
	rec := e.record(identity, fv, score)
	rec.ModelVersion = model.Artifact.Version
	span.SetAttributes(attribute.Float64("anomaly_score", score), attribute.String("decision", string(rec.Decision)))
	metrics.AnomalyScore.Observe(score)
	metrics.ScoresTotal.WithLabelValues(identity, string(rec.Decision)).Inc()
	return rec, nil
}

func (e *Engine) record(identity string, fv types.FeatureVector, score float64) types.ScoreRecord {
	decision := types.DecisionNormal
	if score >= e.threshold {
		decision = types.DecisionAnomalous
	}
	return types.ScoreRecord{
		ID:           uuid.NewString(),
		IdentityID:   identity,
		SessionID:    fv.SessionID,
		Seq:          fv.Seq,
		Timestamp:    fv.Timestamp,
		ScoredAt:     e.now(),
		AnomalyScore: score,
		Decision:     decision,
	}
}

func checkVector(fv types.FeatureVector) error {
	if len(fv.Features) == 0 {
		return fmt.Errorf("%s/%s: no features: %w", fv.IdentityID, fv.SessionID, ErrMalformedVector)
	}
	for name, v := range fv.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s/%s: feature %s is %v: %w", fv.IdentityID, fv.SessionID, name, v, ErrMalformedVector)
		}
	}
	return nil
}
