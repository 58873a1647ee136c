package notify

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsCall  = notificationsDest + ".Notify"
	notificationAppID  = "tabmix"
	notificationIcon   = "audio-volume-high"
	defaultExpireAfter = int32(-1)
)

// Desktop shows messages through the freedesktop notification service on
// the session bus.
type Desktop struct {
	obj dbus.BusObject
}

// NewDesktop connects to the shared session bus.
func NewDesktop() (*Desktop, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &Desktop{obj: conn.Object(notificationsDest, notificationsPath)}, nil
}

func (d *Desktop) Send(ctx context.Context, msg Message) error {
	call := d.obj.CallWithContext(ctx, notificationsCall, 0,
		notificationAppID,
		uint32(0),
		notificationIcon,
		msg.Title,
		msg.Body,
		[]string{},
		desktopHints(),
		defaultExpireAfter,
	)
	if call.Err != nil {
		return fmt.Errorf("desktop notification failed: %w", call.Err)
	}
	return nil
}

func desktopHints() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(byte(1)),
		"category":      dbus.MakeVariant("device"),
		"transient":     dbus.MakeVariant(true),
		"desktop-entry": dbus.MakeVariant(notificationAppID),
	}
}
