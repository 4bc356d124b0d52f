package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks cross-field constraints. Thresholds are required.
func Validate(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	d := c.Detection
	switch {
	case d.AnomalyThreshold == 0:
		add("detection.anomaly_threshold", "is required")
	case d.AnomalyThreshold < 0 || d.AnomalyThreshold > 1:
		add("detection.anomaly_threshold", "must be within (0,1], got %v", d.AnomalyThreshold)
	}
	switch {
	case d.LockThreshold == 0:
		add("detection.lock_threshold", "is required")
	case d.LockThreshold < 0 || d.LockThreshold > 1:
		add("detection.lock_threshold", "must be within (0,1], got %v", d.LockThreshold)
	}
	if d.AnomalyThreshold > 0 && d.LockThreshold > 0 {
		if d.NotifyThreshold < d.AnomalyThreshold || d.NotifyThreshold > d.LockThreshold {
			add("detection.notify_threshold", "must lie between anomaly_threshold and lock_threshold")
		}
		if d.AnomalyThreshold > d.LockThreshold {
			add("detection.lock_threshold", "must not be below anomaly_threshold")
		}
	}
	switch d.NoModelPolicy {
	case "skip", "allow", "deny":
	default:
		add("detection.no_model_policy", "unknown policy %q (want skip, allow or deny)", d.NoModelPolicy)
	}

	a := c.Alerting
	if a.AlertCooldownSeconds < 0 {
		add("alerting.alert_cooldown_seconds", "must not be negative")
	}
	if a.CountdownSeconds < 0 {
		add("alerting.countdown_seconds", "must not be negative")
	}
	for _, ch := range a.Channels {
		switch ch {
		case "desktop", "log":
		case "webhook":
			if a.WebhookURL == "" {
				add("alerting.webhook_url", "required when the webhook channel is enabled")
			}
		default:
			add("alerting.channels", "unknown channel %q", ch)
		}
	}

	t := c.Training
	if t.MinTrainingSamplesPerClass < 1 {
		add("training.min_training_samples_per_class", "must be at least 1")
	}
	if t.NegativeSampleCap < t.MinTrainingSamplesPerClass {
		add("training.negative_sample_cap", "must be at least min_training_samples_per_class")
	}
	if t.Trees < 1 || t.MaxDepth < 1 || t.MinLeaf < 1 {
		add("training", "trees, max_depth and min_leaf must be positive")
	}

	if c.Scoring.ScoringPollIntervalSeconds < 1 {
		add("scoring.scoring_poll_interval_seconds", "must be at least 1")
	}

	e := c.Extraction
	if e.ScreenMaxX <= e.ScreenMinX || e.ScreenMaxY <= e.ScreenMinY {
		add("extraction", "screen envelope is empty")
	}
	for _, w := range e.RollingWindows {
		if w < 2 {
			add("extraction.rolling_windows", "window %d is below 2", w)
		}
	}

	switch c.Storage.Backend {
	case "bolt", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			add("storage.postgres_dsn", "required for the postgres backend")
		}
	default:
		add("storage.backend", "unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.ModelStore == "redis" && c.Storage.RedisAddr == "" {
		add("storage.redis_addr", "required when model_store is redis")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
