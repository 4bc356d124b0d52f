package platform

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointerguard/pkg/structlog"
)

func TestDryRunController(t *testing.T) {
	var buf bytes.Buffer
	c := NewDryRunController(structlog.New("test", "info", &buf))

	require.NoError(t, c.Execute(context.Background(), ActionLock))
	assert.Contains(t, buf.String(), `"action":"lock"`)
	require.Error(t, c.Execute(context.Background(), Action("reboot")))
}

func TestLogin1Controller_RejectsUnknownAction(t *testing.T) {
	c := NewLogin1Controller("c1")
	assert.Equal(t, "c1", c.SessionID)
	require.Error(t, c.Execute(context.Background(), Action("shutdown")))
}
