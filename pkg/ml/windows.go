package ml

import (
	"fmt"
	"iter"

	"pointerguard/shared/types"
)

// Windows lazily yields one vector per window of size events, advancing by
// stride. Sessions shorter than size yield a single vector over all events.
// When stride leaves a tail uncovered, a last window ends on the final event.
// Nothing is computed until the sequence is ranged over, and ranging again
// restarts from the first window. Validation errors are yielded once.
func (e *Extractor) Windows(events []types.RawEvent, size, stride int) iter.Seq2[types.FeatureVector, error] {
	return func(yield func(types.FeatureVector, error) bool) {
		if size <= 0 || stride <= 0 {
			yield(types.FeatureVector{}, fmt.Errorf("window size %d and stride %d must be positive", size, stride))
			return
		}
		if err := validateSession(events); err != nil {
			yield(types.FeatureVector{}, err)
			return
		}
		if len(events) <= size {
			yield(e.extract(events), nil)
			return
		}
		last := len(events) - size
		start := 0
		for ; start <= last; start += stride {
			if !yield(e.extract(events[start:start+size]), nil) {
				return
			}
		}
		if start-stride < last {
			yield(e.extract(events[last:]), nil)
		}
	}
}
