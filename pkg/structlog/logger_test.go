package structlog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestLogger_IdentityAndCorrelation(t *testing.T) {
	var buf bytes.Buffer
	log := New("pointerguard", "debug", &buf)

	ctx, corrID := GetOrCreateCorrelationID(context.Background())
	log.WithContext(ctx).ForIdentity("alice").Info().Msg("scored")

	line := decodeLine(t, &buf)
	assert.Equal(t, "pointerguard", line["service"])
	assert.Equal(t, "alice", line["identity"])
	assert.Equal(t, corrID, line["correlation_id"])
	assert.Equal(t, "scored", line["message"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New("pointerguard", "warn", &buf)

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}

func TestLogger_AuditLog(t *testing.T) {
	var buf bytes.Buffer
	log := New("pointerguard", "info", &buf)

	log.AuditLog("lock", Fields{"identity": "bob"})

	line := decodeLine(t, &buf)
	assert.Equal(t, "audit", line["event_type"])
	assert.Equal(t, "lock", line["audit_action"])
	assert.Equal(t, "bob", line["identity"])
}

func TestGetOrCreateCorrelationID_Reuses(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "fixed")
	_, id := GetOrCreateCorrelationID(ctx)
	assert.Equal(t, "fixed", id)
}
