package ml

import (
	"fmt"
	"math"
	"sort"

	"pointerguard/pkg/metrics"
	"pointerguard/shared/types"
)

// ExtractorConfig controls the session feature pipeline.
type ExtractorConfig struct {
	// MinEvents below which a session yields the all-zero vector.
	MinEvents int
	// TimingCutoff separates related events (double clicks, move runs),
	// in the same unit as event timestamps.
	TimingCutoff float64
	// DragThreshold is the travel between press and release that turns a
	// click into a drag.
	DragThreshold      float64
	Envelope           Envelope
	RollingWindows     []int
	StraightnessWindow int
}

// DefaultExtractorConfig returns the production pipeline settings.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MinEvents:          3,
		TimingCutoff:       5,
		DragThreshold:      5,
		Envelope:           Envelope{MaxX: 16384, MaxY: 16384},
		RollingWindows:     []int{3, 5, 10},
		StraightnessWindow: 5,
	}
}

// Extractor turns one session of raw events into a fixed-shape vector.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	cfg   ExtractorConfig
	names []string
}

// NewExtractor creates an extractor, filling unset config fields with defaults.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	def := DefaultExtractorConfig()
	if cfg.MinEvents <= 0 {
		cfg.MinEvents = def.MinEvents
	}
	if cfg.TimingCutoff <= 0 {
		cfg.TimingCutoff = def.TimingCutoff
	}
	if cfg.DragThreshold <= 0 {
		cfg.DragThreshold = def.DragThreshold
	}
	if cfg.Envelope.MaxX <= cfg.Envelope.MinX || cfg.Envelope.MaxY <= cfg.Envelope.MinY {
		cfg.Envelope = def.Envelope
	}
	if len(cfg.RollingWindows) == 0 {
		cfg.RollingWindows = def.RollingWindows
	}
	if cfg.StraightnessWindow < 2 {
		cfg.StraightnessWindow = def.StraightnessWindow
	}
	e := &Extractor{cfg: cfg}
	e.names = sortedKeys(e.assemble(nil))
	return e
}

// FeatureNames returns the canonical feature order. It depends only on the
// extractor configuration.
func (e *Extractor) FeatureNames() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

// Extract computes the session vector. The events must belong to one
// identity and one session and be sorted by timestamp.
func (e *Extractor) Extract(events []types.RawEvent) (types.FeatureVector, error) {
	if err := validateSession(events); err != nil {
		metrics.ExtractionsTotal.WithLabelValues("invalid").Inc()
		return types.FeatureVector{}, err
	}
	return e.extract(events), nil
}

func (e *Extractor) extract(events []types.RawEvent) types.FeatureVector {
	fv := types.FeatureVector{
		IdentityID: events[0].IdentityID,
		SessionID:  events[0].SessionID,
		Timestamp:  events[len(events)-1].Timestamp,
	}
	clean := removeOutliers(events, e.cfg.Envelope)
	if len(clean) < e.cfg.MinEvents {
		metrics.ExtractionsTotal.WithLabelValues("degenerate").Inc()
		fv.Features = e.assemble(nil)
		return fv
	}

	t := buildTrack(clean)
	labels, groups := classifyActions(t, e.cfg.DragThreshold, e.cfg.TimingCutoff)
	ids, count := assignInstances(t, labels, groups, e.cfg.TimingCutoff)
	p := &pipeline{
		track:      t,
		kin:        computeKinematics(t, e.cfg.StraightnessWindow),
		labels:     labels,
		instances:  ids,
		nInstances: count,
	}
	metrics.ExtractionsTotal.WithLabelValues("ok").Inc()
	fv.Features = e.assemble(p)
	return fv
}

func validateSession(events []types.RawEvent) error {
	if len(events) == 0 {
		return &InvalidSessionError{Reason: "no events"}
	}
	identity, session := events[0].IdentityID, events[0].SessionID
	prev := math.Inf(-1)
	for i, ev := range events {
		if ev.IdentityID != identity {
			return &InvalidSessionError{IdentityID: identity, SessionID: session, Reason: fmt.Sprintf("event %d belongs to identity %q", i, ev.IdentityID)}
		}
		if ev.SessionID != session {
			return &InvalidSessionError{IdentityID: identity, SessionID: session, Reason: fmt.Sprintf("event %d belongs to session %q", i, ev.SessionID)}
		}
		if !ev.Kind.Valid() {
			return &InvalidSessionError{IdentityID: identity, SessionID: session, Reason: fmt.Sprintf("event %d has unknown kind %q", i, ev.Kind)}
		}
		if !finite(ev.Timestamp) || ev.Timestamp < prev {
			return &InvalidSessionError{IdentityID: identity, SessionID: session, Reason: fmt.Sprintf("event %d is out of timestamp order", i)}
		}
		prev = ev.Timestamp
	}
	return nil
}

// pipeline carries the intermediate results of one extraction.
type pipeline struct {
	track      *track
	kin        *kinematics
	labels     []Action
	instances  []int
	nInstances int
}

// summaryColumns are the per-event columns reduced to distribution summaries.
var summaryColumns = []string{
	"distance", "elapsed",
	"speed", "acceleration", "jerk", "angular_velocity",
	"curvature", "straightness", "complexity",
}

func (p *pipeline) column(name string) []float64 {
	switch name {
	case "distance":
		return p.track.distance
	case "elapsed":
		return p.track.elapsed
	}
	return p.kin.channel(name)
}

// deltas returns a sanitized copy of the column without the delta-less head.
func deltas(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	copy(out, values[1:])
	return sanitizeColumn(out)
}

// assemble builds the feature map. A nil pipeline produces the all-zero
// vector with the full name set, which also defines FeatureNames.
func (e *Extractor) assemble(p *pipeline) map[string]float64 {
	f := make(map[string]float64, len(e.names))

	for _, name := range summaryColumns {
		var vals []float64
		if p != nil {
			vals = deltas(p.column(name))
		}
		s := Summarize(vals).values()
		for i, stat := range summaryStats {
			f[name+"_"+stat] = s[i]
		}
	}

	for _, w := range e.cfg.RollingWindows {
		for _, ch := range rateChannels {
			var rolled [][]float64
			if p != nil {
				if vals := deltas(p.kin.channel(ch)); len(vals) > 0 {
					rolled = rollingWindow(vals, w)
				}
			}
			for si, stat := range rollingStats {
				var series []float64
				if rolled != nil {
					series = rolled[si]
				}
				base := fmt.Sprintf("rolling%d_%s_%s", w, ch, stat)
				mean := calculateMean(series)
				f[base+"_mean"] = mean
				f[base+"_std"] = calculateStd(series, mean)
			}
		}
	}

	e.actionFeatures(f, p)
	sanitizeFeatures(f)
	return f
}

func (e *Extractor) actionFeatures(f map[string]float64, p *pipeline) {
	n := 0
	nInst := 0
	eventCounts := make([]float64, len(actionNames))
	instCounts := make([]float64, len(actionNames))
	var durations, lengths, sizes []float64
	var duration, totalDistance, scrollTotal, pauses float64

	if p != nil {
		t := p.track
		n = t.len()
		nInst = p.nInstances
		for _, l := range p.labels {
			eventCounts[l]++
		}
		for start := 0; start < n; {
			end := start
			for end+1 < n && p.instances[end+1] == p.instances[start] {
				end++
			}
			instCounts[p.labels[start]]++
			durations = append(durations, t.ts[end]-t.ts[start])
			length := 0.0
			for k := start + 1; k <= end; k++ {
				length += t.distance[k]
			}
			lengths = append(lengths, length)
			sizes = append(sizes, float64(end-start+1))
			start = end + 1
		}
		duration = t.ts[n-1] - t.ts[0]
		for i := 1; i < n; i++ {
			totalDistance += t.distance[i]
			if t.elapsed[i] > e.cfg.TimingCutoff {
				pauses++
			}
		}
		for i, l := range p.labels {
			if l == ActionScroll {
				scrollTotal += math.Abs(t.wheel[i])
			}
		}
	}

	for a, name := range actionNames {
		f["count_"+name] = eventCounts[a]
		f["ratio_"+name] = safeDiv(eventCounts[a], float64(n))
		f["instances_"+name] = instCounts[a]
		f["instance_ratio_"+name] = safeDiv(instCounts[a], float64(nInst))
	}
	for name, vals := range map[string][]float64{
		"instance_duration": durations,
		"instance_length":   lengths,
		"instance_events":   sizes,
	} {
		s := Summarize(vals)
		f[name+"_mean"] = s.Mean
		f[name+"_std"] = s.Std
		f[name+"_max"] = s.Max
	}

	clicks := eventCounts[ActionClick] + eventCounts[ActionDoubleClick]
	f["event_count"] = float64(n)
	f["session_duration"] = duration
	f["total_distance"] = totalDistance
	f["events_per_second"] = safeDiv(float64(n), duration)
	f["clicks_per_second"] = safeDiv(clicks, duration)
	f["scrolls_per_second"] = safeDiv(eventCounts[ActionScroll], duration)
	f["instances_per_second"] = safeDiv(float64(nInst), duration)
	f["scroll_delta_total"] = scrollTotal
	f["pause_ratio"] = safeDiv(pauses, float64(n-1))
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
