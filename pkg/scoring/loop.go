package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pointerguard/pkg/metrics"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/types"
)

// Sink receives every emitted record synchronously, in order.
// *escalation.Escalator satisfies it.
type Sink interface {
	Handle(ctx context.Context, rec types.ScoreRecord)
}

// LoopConfig controls polling.
type LoopConfig struct {
	Interval  time.Duration
	BatchSize int
	Policy    Policy
}

// Loop scores new vectors of one identity in arrival order. A loop is
// single-threaded and shares no mutable state with other loops.
type Loop struct {
	identity string
	engine   *Engine
	features store.FeatureStore
	audit    store.AuditStore
	sink     Sink
	cfg      LoopConfig
	log      *structlog.Logger

	cursor  uint64
	resumed bool
}

// NewLoop creates a loop for identity. sink may be nil.
func NewLoop(identity string, engine *Engine, features store.FeatureStore, audit store.AuditStore, sink Sink, cfg LoopConfig, log *structlog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySkip
	}
	if log == nil {
		log = structlog.Nop()
	}
	return &Loop{
		identity: identity,
		engine:   engine,
		features: features,
		audit:    audit,
		sink:     sink,
		cfg:      cfg,
		log:      log.Component("scoring_loop").ForIdentity(identity),
	}
}

// Cursor returns the sequence number of the last vector consumed.
func (l *Loop) Cursor() uint64 { return l.cursor }

// Run polls until ctx is cancelled. Cancellation is checked between
// vectors; a record already computed is always persisted and handed on.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().Dur("interval", l.cfg.Interval).Str("policy", string(l.cfg.Policy)).Msg("scoring loop started")
	defer l.log.Info().Uint64("cursor", l.cursor).Msg("scoring loop stopped")

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		for {
			n, err := l.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				l.log.Error().Err(err).Msg("poll failed")
			}
			// Drain a backlog without waiting for the next tick.
			if err != nil || n < l.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll scores up to one batch of vectors past the cursor and returns how
// many were consumed.
func (l *Loop) Poll(ctx context.Context) (int, error) {
	if !l.resumed {
		if err := l.resume(ctx); err != nil {
			return 0, err
		}
	}
	vectors, err := l.features.VectorsSince(ctx, l.identity, l.cursor, l.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch vectors for %s: %w", l.identity, err)
	}
	consumed := 0
	for _, fv := range vectors {
		if ctx.Err() != nil {
			break
		}
		if rec, ok := l.scoreOne(ctx, fv); ok {
			l.emit(ctx, rec)
		}
		l.cursor = fv.Seq
		consumed++
	}
	return consumed, nil
}

// resume continues after the last persisted record so a restart does not
// score the same vector twice.
func (l *Loop) resume(ctx context.Context) error {
	if l.audit != nil {
		last, err := l.audit.Scores(ctx, l.identity, 1)
		if err != nil {
			return fmt.Errorf("resume cursor for %s: %w", l.identity, err)
		}
		if len(last) > 0 && last[0].Seq > l.cursor {
			l.cursor = last[0].Seq
		}
	}
	l.resumed = true
	return nil
}

func (l *Loop) scoreOne(ctx context.Context, fv types.FeatureVector) (rec types.ScoreRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ScoringErrors.WithLabelValues("panic").Inc()
			l.log.Error().Interface("panic", r).Uint64("seq", fv.Seq).Msg("scoring panicked; vector skipped")
			ok = false
		}
	}()

	rec, err := l.engine.Score(ctx, l.identity, fv)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, ErrModelNotTrained):
		rec, ok = l.engine.fallback(l.cfg.Policy, l.identity, fv)
		if !ok {
			l.log.Debug().Uint64("seq", fv.Seq).Msg("no model yet; vector skipped")
		}
		return rec, ok
	default:
		l.log.Warn().Err(err).Uint64("seq", fv.Seq).Str("session", fv.SessionID).Msg("vector not scored")
		return rec, false
	}
}

func (l *Loop) emit(ctx context.Context, rec types.ScoreRecord) {
	if l.audit != nil {
		// Persist even when the loop is being stopped.
		if err := l.audit.AppendScore(context.WithoutCancel(ctx), rec); err != nil {
			l.log.Error().Err(err).Uint64("seq", rec.Seq).Msg("score record not persisted")
		}
	}
	if rec.Anomalous() {
		l.log.Info().Float64("score", rec.AnomalyScore).Str("session", rec.SessionID).Msg("anomalous session")
	}
	if l.sink != nil {
		l.sink.Handle(ctx, rec)
	}
}
