package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pointerguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
detection:
  anomaly_threshold: 0.8
  lock_threshold: 0.9
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Detection.NotifyThreshold)
	assert.Equal(t, "skip", cfg.Detection.NoModelPolicy)
	assert.Equal(t, 60, cfg.Alerting.AlertCooldownSeconds)
	assert.Equal(t, 10, cfg.Training.MinTrainingSamplesPerClass)
	assert.Equal(t, 500, cfg.Training.NegativeSampleCap)
	assert.Equal(t, 5, cfg.Scoring.ScoringPollIntervalSeconds)
	assert.False(t, cfg.Alerting.ForceLogoutEnabled)
	assert.Equal(t, []int{3, 5, 10}, cfg.Extraction.RollingWindows)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
}

func TestLoad_MissingThresholdsIsFatal(t *testing.T) {
	path := writeConfig(t, `
alerting:
  alert_cooldown_seconds: 30
`)
	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields["detection.anomaly_threshold"])
	assert.True(t, fields["detection.lock_threshold"])
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
detection:
  anomaly_threshold: 0.8
  lock_threshold: 0.9
  lock_treshold: 0.95
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
detection:
  anomaly_threshold: 0.8
  lock_threshold: 0.9
`)
	t.Setenv("POINTERGUARD_LOCK_THRESHOLD", "0.95")
	t.Setenv("POINTERGUARD_FORCE_LOGOUT_ENABLED", "true")
	t.Setenv("POINTERGUARD_IDENTITIES", "alice, bob")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.95, cfg.Detection.LockThreshold)
	assert.True(t, cfg.Alerting.ForceLogoutEnabled)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Scoring.Identities)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("POINTERGUARD_ANOMALY_THRESHOLD", "high")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POINTERGUARD_ANOMALY_THRESHOLD")
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := &Config{}
	cfg.Detection.AnomalyThreshold = 0.9
	cfg.Detection.LockThreshold = 0.8
	cfg.applyDefaults()

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_threshold")
}

func TestValidate_WebhookNeedsURL(t *testing.T) {
	cfg := &Config{}
	cfg.Detection.AnomalyThreshold = 0.8
	cfg.Detection.LockThreshold = 0.9
	cfg.Alerting.Channels = []string{"webhook", "log"}
	cfg.applyDefaults()

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook_url")
}
