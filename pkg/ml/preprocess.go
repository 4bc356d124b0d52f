package ml

import (
	"math"

	"pointerguard/shared/types"
)

// Envelope is the addressable screen area. Positions outside it are dropped
// as capture glitches.
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
}

func (e Envelope) contains(p types.Point) bool {
	return finite(p.X) && finite(p.Y) &&
		p.X >= e.MinX && p.X <= e.MaxX &&
		p.Y >= e.MinY && p.Y <= e.MaxY
}

// track is the columnar per-event view the pipeline works on. Index 0 carries
// zero deltas.
type track struct {
	kinds    []types.EventKind
	buttons  []string
	wheel    []float64
	ts       []float64
	x, y     []float64
	distance []float64
	elapsed  []float64
	heading  []float64
	turn     []float64
}

func (t *track) len() int { return len(t.ts) }

// removeOutliers drops events whose reported position lies outside env.
// Events without a position are kept for gap-filling.
func removeOutliers(events []types.RawEvent, env Envelope) []types.RawEvent {
	out := make([]types.RawEvent, 0, len(events))
	for _, ev := range events {
		if ev.Position != nil && !env.contains(*ev.Position) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// buildTrack gap-fills missing positions and computes pairwise deltas.
// Positionless events inherit the last known position; a leading run without
// any position back-fills from the first known one.
func buildTrack(events []types.RawEvent) *track {
	n := len(events)
	t := &track{
		kinds:    make([]types.EventKind, n),
		buttons:  make([]string, n),
		wheel:    make([]float64, n),
		ts:       make([]float64, n),
		x:        make([]float64, n),
		y:        make([]float64, n),
		distance: make([]float64, n),
		elapsed:  make([]float64, n),
		heading:  make([]float64, n),
		turn:     make([]float64, n),
	}

	first := -1
	for i, ev := range events {
		if ev.Position != nil {
			first = i
			break
		}
	}
	var lastX, lastY float64
	if first >= 0 {
		lastX, lastY = events[first].Position.X, events[first].Position.Y
	}
	for i, ev := range events {
		t.kinds[i] = ev.Kind
		t.buttons[i] = ev.Button
		t.wheel[i] = ev.WheelDelta
		t.ts[i] = ev.Timestamp
		if ev.Position != nil {
			lastX, lastY = ev.Position.X, ev.Position.Y
		}
		t.x[i], t.y[i] = lastX, lastY
	}

	// Heading is undefined until the pointer first moves; turns are only
	// measured between two real headings.
	headed := false
	for i := 1; i < n; i++ {
		dx := t.x[i] - t.x[i-1]
		dy := t.y[i] - t.y[i-1]
		t.distance[i] = math.Hypot(dx, dy)
		t.elapsed[i] = t.ts[i] - t.ts[i-1]
		if t.distance[i] == 0 {
			t.heading[i] = t.heading[i-1]
			continue
		}
		h := math.Atan2(dy, dx)
		if headed {
			t.turn[i] = wrapAngle(h - t.heading[i-1])
		}
		t.heading[i] = h
		headed = true
	}
	return t
}

// wrapAngle maps a into (-π, π].
func wrapAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
