package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName  = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsIface = "org.freedesktop.Notifications"

	cancelActionKey    = "cancel"
	notifyCloseTimeout = 2 * time.Second
)

// urgency hint values from the desktop notifications specification.
var urgency = map[Severity]byte{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2}

// DesktopNotifier shows notifications through the session bus notification
// daemon. Countdown notifications carry a Cancel button.
type DesktopNotifier struct {
	appName string

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDesktopNotifier connects lazily; a missing session bus surfaces as a
// Notify error so the dispatcher can fall back to a weaker channel.
func NewDesktopNotifier(appName string) *DesktopNotifier {
	return &DesktopNotifier{appName: appName}
}

func (d *DesktopNotifier) Name() string { return "desktop" }

func (d *DesktopNotifier) connect(ctx context.Context) (*dbus.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && d.conn.Connected() {
		return d.conn, nil
	}
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	d.conn = conn
	return conn, nil
}

// Close releases the bus connection.
func (d *DesktopNotifier) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *DesktopNotifier) Notify(ctx context.Context, n Notification) (bool, error) {
	conn, err := d.connect(ctx)
	if err != nil {
		return false, err
	}

	var signals chan *dbus.Signal
	if n.Countdown > 0 {
		if err := conn.AddMatchSignalContext(ctx, dbus.WithMatchInterface(notificationsIface)); err != nil {
			return false, fmt.Errorf("subscribe notification signals: %w", err)
		}
		signals = make(chan *dbus.Signal, 16)
		conn.Signal(signals)
		defer func() {
			conn.RemoveSignal(signals)
			_ = conn.RemoveMatchSignal(dbus.WithMatchInterface(notificationsIface))
		}()
	}

	var actions []string
	expire := int32(-1)
	if n.Countdown > 0 {
		actions = []string{cancelActionKey, "Cancel"}
		expire = int32(n.Countdown.Milliseconds())
	}
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency[n.Severity])}

	obj := conn.Object(notificationsName, notificationsPath)
	var id uint32
	call := obj.CallWithContext(ctx, notificationsIface+".Notify", 0,
		d.appName, uint32(0), "dialog-warning", n.Title, n.Message, actions, hints, expire)
	if err := call.Store(&id); err != nil {
		return false, fmt.Errorf("notify: %w", err)
	}
	if n.Countdown == 0 {
		return false, nil
	}

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), notifyCloseTimeout)
			obj.CallWithContext(closeCtx, notificationsIface+".CloseNotification", 0, id)
			cancel()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, nil
			}
			return false, ctx.Err()
		case sig, ok := <-signals:
			if !ok {
				return false, errors.New("notify: session bus closed")
			}
			if len(sig.Body) < 2 {
				continue
			}
			if sigID, _ := sig.Body[0].(uint32); sigID != id {
				continue
			}
			switch sig.Name {
			case notificationsIface + ".ActionInvoked":
				if key, _ := sig.Body[1].(string); key == cancelActionKey {
					return true, nil
				}
			case notificationsIface + ".NotificationClosed":
				return false, nil
			}
		}
	}
}
