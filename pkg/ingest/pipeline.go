package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pointerguard/pkg/ml"
	"pointerguard/pkg/store"
	"pointerguard/pkg/structlog"
	"pointerguard/shared/types"
)

// Session is the ordered events of one (identity, session) pair.
type Session struct {
	IdentityID string
	SessionID  string
	Events     []types.RawEvent
}

// GroupSessions splits events by (identity, session), in order of first
// appearance, and sorts each session by timestamp keeping ties stable.
func GroupSessions(events []types.RawEvent) []Session {
	type key struct{ identity, session string }
	index := make(map[key]int)
	var out []Session
	for _, ev := range events {
		k := key{ev.IdentityID, ev.SessionID}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, Session{IdentityID: ev.IdentityID, SessionID: ev.SessionID})
		}
		out[i].Events = append(out[i].Events, ev)
	}
	for i := range out {
		evs := out[i].Events
		sort.SliceStable(evs, func(a, b int) bool { return evs[a].Timestamp < evs[b].Timestamp })
	}
	return out
}

// Options controls a Pipeline.
type Options struct {
	// Population files every session under the shared negative pool.
	Population bool
	// WindowEvents > 0 stores one vector per window instead of per session.
	WindowEvents int
	WindowStride int
}

// Result summarizes one ingestion run.
type Result struct {
	Sessions int     `json:"sessions"`
	Vectors  int     `json:"vectors"`
	Failed   int     `json:"failed"`
	Errors   []error `json:"-"`
}

// Pipeline extracts and stores feature vectors.
type Pipeline struct {
	extractor *ml.Extractor
	features  store.FeatureStore
	opts      Options
	log       *structlog.Logger
}

func NewPipeline(ex *ml.Extractor, features store.FeatureStore, opts Options, log *structlog.Logger) *Pipeline {
	if opts.WindowEvents > 0 && opts.WindowStride <= 0 {
		opts.WindowStride = opts.WindowEvents
	}
	if log == nil {
		log = structlog.Nop()
	}
	return &Pipeline{extractor: ex, features: features, opts: opts, log: log.Component("ingest")}
}

// Run ingests every session in events. A bad session is logged and counted
// but never stops the others; only store and context errors abort the run.
func (p *Pipeline) Run(ctx context.Context, events []types.RawEvent) (Result, error) {
	if p.opts.Population {
		events = relabel(events)
	}
	var res Result
	for _, s := range GroupSessions(events) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Sessions++
		n, err := p.session(ctx, s)
		res.Vectors += n
		if err == nil {
			continue
		}
		if !errors.Is(err, ml.ErrInvalidSession) {
			return res, err
		}
		res.Failed++
		res.Errors = append(res.Errors, err)
		p.log.ForIdentity(s.IdentityID).Warn().Err(err).Str("session", s.SessionID).Msg("session skipped")
	}
	p.log.Info().Int("sessions", res.Sessions).Int("vectors", res.Vectors).Int("failed", res.Failed).Msg("ingest finished")
	return res, nil
}

func (p *Pipeline) session(ctx context.Context, s Session) (int, error) {
	if p.opts.WindowEvents <= 0 {
		fv, err := p.extractor.Extract(s.Events)
		if err != nil {
			return 0, err
		}
		if err := p.features.PutVector(ctx, &fv); err != nil {
			return 0, fmt.Errorf("store vector %s/%s: %w", s.IdentityID, s.SessionID, err)
		}
		return 1, nil
	}

	stored := 0
	for fv, err := range p.extractor.Windows(s.Events, p.opts.WindowEvents, p.opts.WindowStride) {
		if err != nil {
			return stored, err
		}
		if err := p.features.PutVector(ctx, &fv); err != nil {
			return stored, fmt.Errorf("store vector %s/%s: %w", s.IdentityID, s.SessionID, err)
		}
		stored++
	}
	return stored, nil
}

// relabel moves events into the population pool, keeping sessions of
// different identities apart.
func relabel(events []types.RawEvent) []types.RawEvent {
	out := make([]types.RawEvent, len(events))
	for i, ev := range events {
		ev.SessionID = ev.IdentityID + "/" + ev.SessionID
		ev.IdentityID = types.PopulationIdentity
		out[i] = ev
	}
	return out
}
