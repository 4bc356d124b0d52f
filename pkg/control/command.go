// Package control routes operator commands to training, monitoring and
// alerting, and exposes them over HTTP.
package control

import (
	"errors"
	"fmt"
	"time"

	"pointerguard/pkg/notify"
	"pointerguard/shared/types"
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Kind tags a Command.
type Kind int

const (
	CmdRetrain Kind = iota + 1
	CmdManualAlert
	CmdCancelCountdown
	CmdResetAlerts
	CmdStartMonitor
	CmdStopMonitor
	CmdQuit
)

var kindNames = map[Kind]string{
	CmdRetrain:         "retrain",
	CmdManualAlert:     "manual_alert",
	CmdCancelCountdown: "cancel_countdown",
	CmdResetAlerts:     "reset_alerts",
	CmdStartMonitor:    "start_monitor",
	CmdStopMonitor:     "stop_monitor",
	CmdQuit:            "quit",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a command name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// Command is one operator request. Severity and Message only apply to
// CmdManualAlert.
type Command struct {
	Kind       Kind
	IdentityID string
	Severity   notify.Severity
	Message    string
	Operator   string
}

// Validate checks that the command carries what its kind needs.
func (c Command) Validate() error {
	if _, ok := kindNames[c.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, c.Kind)
	}
	if c.Kind == CmdQuit {
		return nil
	}
	if c.IdentityID == "" || c.IdentityID == types.PopulationIdentity {
		return fmt.Errorf("%w: %s needs a monitored identity", ErrInvalidCommand, c.Kind)
	}
	if c.Kind == CmdManualAlert && (c.Severity < notify.SeverityLow || c.Severity > notify.SeverityHigh) {
		return fmt.Errorf("%w: severity %d", ErrInvalidCommand, c.Severity)
	}
	return nil
}

// Result is what a command produced.
type Result struct {
	Command    string     `json:"command"`
	IdentityID string     `json:"identity_id,omitempty"`
	Model      *ModelInfo `json:"model,omitempty"`
}

// ModelInfo describes a freshly published model without its weights.
type ModelInfo struct {
	Version          string             `json:"version"`
	TrainedAt        time.Time          `json:"trained_at"`
	SampleCounts     types.SampleCounts `json:"sample_counts"`
	NegativeSource   string             `json:"negative_source"`
	ValidationMetric float64            `json:"validation_metric"`
}

func modelInfo(art *types.ModelArtifact) *ModelInfo {
	return &ModelInfo{
		Version:          art.Version,
		TrainedAt:        art.TrainedAt,
		SampleCounts:     art.SampleCounts,
		NegativeSource:   art.NegativeSource,
		ValidationMetric: art.ValidationMetric,
	}
}
