package types

import (
	"encoding/json"
	"time"
)

// Decision is the binary verdict attached to a score.
type Decision string

const (
	DecisionNormal    Decision = "normal"
	DecisionAnomalous Decision = "anomalous"
)

// Negative pool provenance recorded on artifacts.
const (
	NegativeSourcePopulation = "population"
	NegativeSourceIdentities = "identities"
	NegativeSourceMixed      = "mixed"
)

// SampleCounts records the class balance a model was trained on.
type SampleCounts struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

// ModelArtifact is an immutable trained model for one identity. A retrain
// produces a new artifact; existing ones are never modified.
type ModelArtifact struct {
	IdentityID       string          `json:"identity_id"`
	Version          string          `json:"version"`
	Algorithm        string          `json:"algorithm"`
	ClassifierState  json.RawMessage `json:"classifier_state"`
	FeatureNameOrder []string        `json:"feature_name_order"`
	TrainedAt        time.Time       `json:"trained_at"`
	SampleCounts     SampleCounts    `json:"sample_counts"`
	NegativeSource   string          `json:"negative_source"`
	ValidationMetric float64         `json:"validation_metric"`
}

// Score policies applied when no model exists for an identity.
const (
	PolicyDefaultAllow = "default-allow"
	PolicyDefaultDeny  = "default-deny"
)

// ScoreRecord is the append-only result of scoring one feature vector.
type ScoreRecord struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"identity_id"`
	SessionID    string    `json:"session_id"`
	Seq          uint64    `json:"seq"`
	Timestamp    float64   `json:"timestamp"`
	ScoredAt     time.Time `json:"scored_at"`
	AnomalyScore float64   `json:"anomaly_score"`
	Decision     Decision  `json:"decision"`
	ModelVersion string    `json:"model_version,omitempty"`
	Policy       string    `json:"policy,omitempty"`
}

// Anomalous reports whether the record carries an anomalous decision.
func (r ScoreRecord) Anomalous() bool { return r.Decision == DecisionAnomalous }

// ActionKind names an entry in the escalation audit trail.
type ActionKind string

const (
	ActionNotify             ActionKind = "notify"
	ActionWarn               ActionKind = "warn"
	ActionLock               ActionKind = "lock"
	ActionLogout             ActionKind = "logout"
	ActionCountdownResolved  ActionKind = "countdown_resolved"
	ActionCountdownCancelled ActionKind = "countdown_cancelled"
	ActionSuppressed         ActionKind = "suppressed"
	ActionReset              ActionKind = "reset"
)

// Action outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeDegraded  = "degraded"
	OutcomeFailed    = "failed"
	OutcomeRecorded  = "recorded"
)

// ActionRecord is one entry of the hash-chained escalation audit trail.
type ActionRecord struct {
	ID            string     `json:"id"`
	IdentityID    string     `json:"identity_id"`
	Kind          ActionKind `json:"kind"`
	Severity      string     `json:"severity,omitempty"`
	Channel       string     `json:"channel,omitempty"`
	Outcome       string     `json:"outcome"`
	Error         string     `json:"error,omitempty"`
	Manual        bool       `json:"manual,omitempty"`
	ScoreRecordID string     `json:"score_record_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	PrevHash      string     `json:"prev_hash"`
	Hash          string     `json:"hash"`
}
