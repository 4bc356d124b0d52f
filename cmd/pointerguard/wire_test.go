package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointerguard/pkg/scoring"
	"pointerguard/shared/config"
	"pointerguard/shared/types"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	var cfg config.Config
	require.NoError(t, config.Parse([]byte(yaml), &cfg))
	return &cfg
}

func TestNotifiers_LogAlwaysLast(t *testing.T) {
	cfg := testConfig(t, "alerting:\n  channels: [webhook, log, desktop]\n  webhook_url: http://127.0.0.1:9/hook\n")
	chain, closeAll := notifiers(cfg, nil)
	defer closeAll()

	names := make([]string, len(chain))
	for i, n := range chain {
		names[i] = n.Name()
	}
	assert.Equal(t, []string{"webhook", "desktop", "log"}, names)
}

func TestOpenStore_Bolt(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "storage:\n  backend: bolt\n  timeout_seconds: 2\n")
	cfg.Storage.Path = filepath.Join(t.TempDir(), "pg.db")

	s, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.PutVector(ctx, &types.FeatureVector{IdentityID: "alice", Features: map[string]float64{"f0": 1}}))
	vs, err := s.Vectors(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, vs, 1)

	cfg.Storage.Backend = "cassandra"
	_, err = openStore(ctx, cfg)
	require.Error(t, err)
}

func TestLoopConfig(t *testing.T) {
	cfg := testConfig(t, "detection:\n  no_model_policy: deny\nscoring:\n  scoring_poll_interval_seconds: 7\n  batch_size: 16\n")
	lc, err := loopConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, scoring.PolicyDeny, lc.Policy)
	assert.Equal(t, 16, lc.BatchSize)
	assert.Equal(t, 7.0, lc.Interval.Seconds())

	cfg.Detection.NoModelPolicy = "maybe"
	_, err = loopConfig(cfg)
	require.Error(t, err)
}

func TestTrainCmd_HelpPointsToDaemonRetrain(t *testing.T) {
	cmd := trainCmd(nil)
	assert.Contains(t, cmd.Long, "/v1/commands")
	assert.Contains(t, cmd.Long, "reset alert")
}
