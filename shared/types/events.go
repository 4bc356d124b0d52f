package types

import "time"

// PopulationIdentity is the reserved identity holding the bulk negative pool.
const PopulationIdentity = "__population__"

// EventKind is the device-level kind of a pointer event.
type EventKind string

const (
	EventMove       EventKind = "move"
	EventButtonDown EventKind = "button_down"
	EventButtonUp   EventKind = "button_up"
	EventWheel      EventKind = "wheel"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventMove, EventButtonDown, EventButtonUp, EventWheel:
		return true
	}
	return false
}

// IsButton reports whether k is a press or release.
func (k EventKind) IsButton() bool {
	return k == EventButtonDown || k == EventButtonUp
}

// Point is a screen position in device pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// RawEvent is one observation from the pointing device. Position is nil for
// events the capture layer reported without coordinates (wheel-only ticks).
type RawEvent struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	Timestamp  float64   `json:"timestamp"`
	Position   *Point    `json:"pos,omitempty"`
	Kind       EventKind `json:"kind"`
	Button     string    `json:"button,omitempty"`
	WheelDelta float64   `json:"wheel_delta,omitempty"`
}

// At is a convenience constructor for positioned events.
func At(identity, session string, ts float64, kind EventKind, x, y float64) RawEvent {
	return RawEvent{
		IdentityID: identity,
		SessionID:  session,
		Timestamp:  ts,
		Position:   &Point{X: x, Y: y},
		Kind:       kind,
	}
}

// FeatureVector is the fixed-shape numeric summary of one session or window.
// Seq is assigned by the feature store on Put and orders vectors by arrival.
type FeatureVector struct {
	IdentityID string             `json:"identity_id"`
	SessionID  string             `json:"session_id"`
	Timestamp  float64            `json:"timestamp"`
	Features   map[string]float64 `json:"features"`
	Seq        uint64             `json:"seq"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (fv FeatureVector) Clone() FeatureVector {
	out := fv
	out.Features = make(map[string]float64, len(fv.Features))
	for k, v := range fv.Features {
		out.Features[k] = v
	}
	return out
}
