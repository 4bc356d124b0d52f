package platform

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	login1Name    = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager = "org.freedesktop.login1.Manager"
)

// Login1Controller locks or terminates the current session through
// systemd-logind on the system bus.
type Login1Controller struct {
	// SessionID selects the logind session. Empty means the session of
	// this process, falling back to $XDG_SESSION_ID.
	SessionID string
}

func NewLogin1Controller(sessionID string) *Login1Controller {
	if sessionID == "" {
		sessionID = os.Getenv("XDG_SESSION_ID")
	}
	return &Login1Controller{SessionID: sessionID}
}

func (l *Login1Controller) Name() string { return "login1" }

func (l *Login1Controller) Execute(ctx context.Context, action Action) error {
	var method string
	switch action {
	case ActionLock:
		method = login1Manager + ".LockSession"
	case ActionLogout:
		method = login1Manager + ".TerminateSession"
	default:
		return fmt.Errorf("unknown platform action %q", action)
	}

	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	defer conn.Close()
	mgr := conn.Object(login1Name, login1Path)

	session := l.SessionID
	if session == "" {
		if session, err = l.ownSession(ctx, conn, mgr); err != nil {
			return err
		}
	}
	if err := mgr.CallWithContext(ctx, method, 0, session).Err; err != nil {
		return fmt.Errorf("login1 %s session %s: %w", action, session, err)
	}
	return nil
}

func (l *Login1Controller) ownSession(ctx context.Context, conn *dbus.Conn, mgr dbus.BusObject) (string, error) {
	var path dbus.ObjectPath
	if err := mgr.CallWithContext(ctx, login1Manager+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&path); err != nil {
		return "", fmt.Errorf("login1 resolve session: %w", err)
	}
	prop, err := conn.Object(login1Name, path).GetProperty("org.freedesktop.login1.Session.Id")
	if err != nil {
		return "", fmt.Errorf("login1 session id: %w", err)
	}
	id, ok := prop.Value().(string)
	if !ok {
		return "", fmt.Errorf("login1 session id: unexpected type %T", prop.Value())
	}
	return id, nil
}
