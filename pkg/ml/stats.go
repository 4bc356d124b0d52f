package ml

import (
	"math"
	"sort"
)

// Summary holds the distribution statistics reported for one numeric column.
type Summary struct {
	Mean     float64
	Std      float64
	Min      float64
	Max      float64
	Median   float64
	P25      float64
	P75      float64
	Skewness float64
	Kurtosis float64
}

// summaryStats are the suffixes emitted for every summarised column, in order.
var summaryStats = []string{"mean", "std", "min", "max", "median", "p25", "p75", "skew", "kurtosis"}

func (s Summary) values() []float64 {
	return []float64{s.Mean, s.Std, s.Min, s.Max, s.Median, s.P25, s.P75, s.Skewness, s.Kurtosis}
}

// Summarize computes the distribution summary of values. Empty input yields
// the zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	mean := calculateMean(values)
	std := calculateStd(values, mean)
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return Summary{
		Mean:     mean,
		Std:      std,
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Median:   percentileSorted(sorted, 50),
		P25:      percentileSorted(sorted, 25),
		P75:      percentileSorted(sorted, 75),
		Skewness: calculateSkewness(values, mean, std),
		Kurtosis: calculateKurtosis(values, mean, std),
	}
}

func calculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// calculateStd is the population standard deviation.
func calculateStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

func calculateSkewness(values []float64, mean, std float64) float64 {
	if std == 0 || len(values) < 3 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		z := (v - mean) / std
		sum += z * z * z
	}
	return sum / float64(len(values))
}

// calculateKurtosis returns excess kurtosis.
func calculateKurtosis(values []float64, mean, std float64) float64 {
	if std == 0 || len(values) < 4 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		z := (v - mean) / std
		sum += z * z * z * z
	}
	return sum/float64(len(values)) - 3
}

// percentileSorted interpolates linearly between closest ranks.
func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, 50)
}

// rollingStats are the per-window statistics computed by rollingWindow.
var rollingStats = []string{"mean", "std", "min", "max", "range", "skew", "kurtosis"}

// rollingWindow computes trailing-window statistics over values. Windows at
// the head of the series use the points available (minimum one). The result
// is indexed [stat][position].
func rollingWindow(values []float64, window int) [][]float64 {
	out := make([][]float64, len(rollingStats))
	for s := range out {
		out[s] = make([]float64, len(values))
	}
	for i := range values {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		w := values[start : i+1]
		mean := calculateMean(w)
		std := calculateStd(w, mean)
		lo, hi := w[0], w[0]
		for _, v := range w[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		out[0][i] = mean
		out[1][i] = std
		out[2][i] = lo
		out[3][i] = hi
		out[4][i] = hi - lo
		out[5][i] = calculateSkewness(w, mean, std)
		out[6][i] = calculateKurtosis(w, mean, std)
	}
	return out
}

// safeDiv returns a/b, or 0 when b is zero or the quotient is not finite.
func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	q := a / b
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return 0
	}
	return q
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// sanitizeColumn replaces infinities with 0 and NaN with the median of the
// finite entries.
func sanitizeColumn(values []float64) []float64 {
	var good []float64
	hasNaN := false
	for i, v := range values {
		switch {
		case math.IsInf(v, 0):
			values[i] = 0
		case math.IsNaN(v):
			hasNaN = true
		default:
			good = append(good, v)
		}
	}
	if !hasNaN {
		return values
	}
	fill := 0.0
	if len(good) > 0 {
		fill = median(good)
	}
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = fill
		}
	}
	return values
}

// sanitizeFeatures performs the final NaN/Inf sweep over a feature map.
func sanitizeFeatures(features map[string]float64) {
	for k, v := range features {
		if !finite(v) {
			features[k] = 0
		}
	}
}
