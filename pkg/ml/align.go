package ml

import "sort"

// Align reindexes features onto order. Columns absent from features are
// zero-filled and reported as Missing; columns outside order are dropped and
// reported as Extra.
func Align(features map[string]float64, order []string) ([]float64, FeatureAlignmentWarning) {
	var warn FeatureAlignmentWarning
	row := make([]float64, len(order))
	known := make(map[string]struct{}, len(order))
	for i, name := range order {
		known[name] = struct{}{}
		v, ok := features[name]
		if !ok {
			warn.Missing = append(warn.Missing, name)
			continue
		}
		if finite(v) {
			row[i] = v
		}
	}
	for name := range features {
		if _, ok := known[name]; !ok {
			warn.Extra = append(warn.Extra, name)
		}
	}
	sort.Strings(warn.Extra)
	return row, warn
}

// UnionNames returns the sorted union of feature names across maps.
func UnionNames(sets ...map[string]float64) []string {
	seen := make(map[string]float64)
	for _, s := range sets {
		for k := range s {
			seen[k] = 0
		}
	}
	return sortedKeys(seen)
}
