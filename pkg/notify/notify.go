// Package notify delivers alert notifications to a human.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pointerguard/pkg/structlog"
)

// Severity grades an alert.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseSeverity accepts low, medium or high.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Notification is one message for the person at the keyboard. A non-zero
// Countdown asks the notifier to offer a cancel action until it elapses.
type Notification struct {
	IdentityID string        `json:"identity_id"`
	Severity   Severity      `json:"-"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Countdown  time.Duration `json:"-"`
}

// Notifier delivers a notification. cancelled reports that a human
// cancelled the countdown before it elapsed; notifiers that cannot collect a
// response always return false.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) (cancelled bool, err error)
}

// LogNotifier writes notifications to the structured log. It never fails and
// is the last channel of every chain.
type LogNotifier struct {
	log *structlog.Logger
}

func NewLogNotifier(log *structlog.Logger) *LogNotifier {
	if log == nil {
		log = structlog.Nop()
	}
	return &LogNotifier{log: log.Component("notify")}
}

func (l *LogNotifier) Name() string { return "log" }

func (l *LogNotifier) Notify(_ context.Context, n Notification) (bool, error) {
	l.log.SecurityEvent("alert_notification", structlog.Fields{
		"identity_id":       n.IdentityID,
		"severity":          n.Severity.String(),
		"title":             n.Title,
		"message":           n.Message,
		"countdown_seconds": n.Countdown.Seconds(),
	})
	return false, nil
}
