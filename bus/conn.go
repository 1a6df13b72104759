// Package bus exposes the configuration registry and the session manager
// on the D-Bus message bus, and provides client proxies for front ends.
package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-sessiond/common"
)

// Kind selects the message bus to connect to.
type Kind string

const (
	SystemBus  Kind = "system"
	SessionBus Kind = "session"
)

// ParseKind validates a bus kind from configuration or flags.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case SystemBus, SessionBus:
		return Kind(s), nil
	case "":
		return SystemBus, nil
	default:
		return "", fmt.Errorf("%w: unknown bus %q", common.ErrInvalidArgument, s)
	}
}

// Connect opens a private connection to the bus, retrying while the bus
// daemon is not reachable yet.
func Connect(ctx context.Context, kind Kind) (*dbus.Conn, error) {
	dial := dbus.ConnectSystemBus
	if kind == SessionBus {
		dial = dbus.ConnectSessionBus
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = common.BusConnectTimeout

	var conn *dbus.Conn
	op := func() error {
		c, err := dial(dbus.WithContext(ctx))
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		common.LogWarn("Connecting to the %s bus failed, retrying in %s: %v", kind, next, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, &common.TransportError{Op: "connect " + string(kind) + " bus", Err: err}
	}
	return conn, nil
}

// RequestName claims a well-known name. Another owner is an error.
func RequestName(conn *dbus.Conn, name string) error {
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return &common.TransportError{Op: "request name " + name, Err: err}
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already taken", name)
	}
	return nil
}

// callInfo extracts the caller and the target object of a method call.
func callInfo(msg dbus.Message) (sender string, path dbus.ObjectPath) {
	if v, ok := msg.Headers[dbus.FieldSender]; ok {
		sender, _ = v.Value().(string)
	}
	if v, ok := msg.Headers[dbus.FieldPath]; ok {
		path, _ = v.Value().(dbus.ObjectPath)
	}
	return sender, path
}

// child returns the last element of path when it is a direct child of
// root.
func child(root string, path dbus.ObjectPath) (string, bool) {
	rest, ok := strings.CutPrefix(string(path), root+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
