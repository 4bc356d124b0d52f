package scoring

import (
	"fmt"

	"pointerguard/shared/types"
)

// Policy decides what to emit for a vector whose identity has no model.
type Policy string

const (
	// PolicySkip emits nothing.
	PolicySkip Policy = "skip"
	// PolicyAllow emits a normal record with score 0.
	PolicyAllow Policy = "allow"
	// PolicyDeny emits an anomalous record with score 1.
	PolicyDeny Policy = "deny"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicySkip, PolicyAllow, PolicyDeny:
		return p, nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown no-model policy %q", s)
	}
}

// fallback builds the record the policy prescribes, if any.
func (e *Engine) fallback(p Policy, identity string, fv types.FeatureVector) (types.ScoreRecord, bool) {
	switch p {
	case PolicyAllow:
		rec := e.record(identity, fv, 0)
		rec.Decision = types.DecisionNormal
		rec.Policy = types.PolicyDefaultAllow
		return rec, true
	case PolicyDeny:
		rec := e.record(identity, fv, 1)
		rec.Decision = types.DecisionAnomalous
		rec.Policy = types.PolicyDefaultDeny
		return rec, true
	default:
		return types.ScoreRecord{}, false
	}
}
