package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointerguard/pkg/structlog"
)

func TestLogNotifier_NeverFails(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(structlog.New("test", "info", &buf))

	cancelled, err := n.Notify(context.Background(), Notification{
		IdentityID: "alice", Severity: SeverityHigh, Title: "Unusual pointer activity",
		Message: "session will lock", Countdown: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Contains(t, buf.String(), `"severity":"high"`)
	assert.Contains(t, buf.String(), `"identity_id":"alice"`)
}

func TestWebhookNotifier_PostsJSONAndReadsCancel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"cancelled":true}`))
	}))
	defer srv.Close()

	cancelled, err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Notification{
		IdentityID: "alice", Severity: SeverityMedium, Title: "t", Message: "m", Countdown: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Equal(t, "medium", got["severity"])
	assert.Equal(t, 10.0, got["countdown_seconds"])
	assert.Equal(t, "alice", got["identity_id"])
}

func TestWebhookNotifier_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Notification{Severity: SeverityLow})
	require.Error(t, err)
}

func TestWebhookNotifier_EmptyReplyIsNotCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cancelled, err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Notification{Severity: SeverityLow})
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "high", SeverityHigh.String())
	assert.Equal(t, "unknown", Severity(0).String())
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" High ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)
	_, err = ParseSeverity("critical")
	require.Error(t, err)
}
