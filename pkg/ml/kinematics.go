package ml

import "math"

// kinematics holds per-event rate channels derived from a track.
type kinematics struct {
	speed           []float64
	acceleration    []float64
	jerk            []float64
	angularVelocity []float64
	curvature       []float64
	straightness    []float64
	complexity      []float64
}

// rateChannels are the channels that get rolling-window statistics.
var rateChannels = []string{"speed", "acceleration", "jerk", "angular_velocity"}

func (k *kinematics) channel(name string) []float64 {
	switch name {
	case "speed":
		return k.speed
	case "acceleration":
		return k.acceleration
	case "jerk":
		return k.jerk
	case "angular_velocity":
		return k.angularVelocity
	case "curvature":
		return k.curvature
	case "straightness":
		return k.straightness
	case "complexity":
		return k.complexity
	}
	return nil
}

// computeKinematics derives rates by successive differencing. Zero elapsed
// time yields a zero rate rather than an infinity.
func computeKinematics(t *track, window int) *kinematics {
	n := t.len()
	k := &kinematics{
		speed:           make([]float64, n),
		acceleration:    make([]float64, n),
		jerk:            make([]float64, n),
		angularVelocity: make([]float64, n),
		curvature:       make([]float64, n),
		straightness:    make([]float64, n),
		complexity:      make([]float64, n),
	}
	for i := 1; i < n; i++ {
		dt := t.elapsed[i]
		k.speed[i] = safeDiv(t.distance[i], dt)
		k.acceleration[i] = safeDiv(k.speed[i]-k.speed[i-1], dt)
		k.jerk[i] = safeDiv(k.acceleration[i]-k.acceleration[i-1], dt)
		k.angularVelocity[i] = safeDiv(t.turn[i], dt)
		k.curvature[i] = safeDiv(math.Abs(t.turn[i]), t.distance[i])
	}
	trajectory(t, k, window)
	return k
}

// trajectory fills straightness (direct distance over path length) and
// complexity (absolute turning per unit of path) over a trailing window of
// events.
func trajectory(t *track, k *kinematics, window int) {
	if window < 2 {
		window = 2
	}
	n := t.len()
	for i := 1; i < n; i++ {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		path, turning := 0.0, 0.0
		for j := start + 1; j <= i; j++ {
			path += t.distance[j]
			turning += math.Abs(t.turn[j])
		}
		direct := math.Hypot(t.x[i]-t.x[start], t.y[i]-t.y[start])
		k.straightness[i] = math.Min(1, safeDiv(direct, path))
		k.complexity[i] = safeDiv(turning, path)
	}
}
