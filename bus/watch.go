package bus

import (
	"context"
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

// EventKind tells which signal an Event came from.
type EventKind int

const (
	EventStatus EventKind = iota
	EventLog
	EventAttention
)

// Event is one session signal as seen by a front end.
type Event struct {
	Kind    EventKind
	Path    string
	Status  sessionmgr.Status
	Log     sessionmgr.LogEvent
	Type    requiresqueue.Type
	Group   requiresqueue.Group
	Message string
}

var errSignalsClosed = errors.New("signal channel closed")

const (
	busDaemonName          = "org.freedesktop.DBus"
	busDaemonPath          = "/org/freedesktop/DBus"
	memberNameOwnerChanged = "NameOwnerChanged"
)

// WatchDepartures calls fn with the unique name of every bus client that
// disconnects, until ctx is done.
func WatchDepartures(ctx context.Context, conn *dbus.Conn, fn func(name string)) error {
	opts := []dbus.MatchOption{
		dbus.WithMatchSender(busDaemonName),
		dbus.WithMatchObjectPath(busDaemonPath),
		dbus.WithMatchInterface(busDaemonName),
		dbus.WithMatchMember(memberNameOwnerChanged),
	}
	if err := conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return &common.TransportError{Op: "watch " + memberNameOwnerChanged, Err: err}
	}
	defer func() { _ = conn.RemoveMatchSignal(opts...) }()

	ch := make(chan *dbus.Signal, 64)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return &common.TransportError{Op: "watch " + memberNameOwnerChanged, Err: errSignalsClosed}
			}
			if name, ok := departedName(sig); ok {
				fn(name)
			}
		}
	}
}

// departedName returns the unique name a NameOwnerChanged signal reports
// as gone. Well-known names changing hands are ignored.
func departedName(sig *dbus.Signal) (string, bool) {
	if sig.Name != busDaemonName+"."+memberNameOwnerChanged {
		return "", false
	}
	var name, oldOwner, newOwner string
	if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil {
		return "", false
	}
	if newOwner != "" || !strings.HasPrefix(name, ":") {
		return "", false
	}
	return name, true
}

// Watch delivers the signals of the session at path to fn until ctx is
// done. Log signals only arrive while receive_log_events is enabled.
func (p *SessionProxy) Watch(ctx context.Context, path string, fn func(Event)) error {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(dbus.ObjectPath(path)),
		dbus.WithMatchInterface(common.InterfaceSessions),
	}
	if err := p.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return &common.TransportError{Op: "watch " + path, Err: err}
	}
	defer func() { _ = p.conn.RemoveMatchSignal(opts...) }()

	ch := make(chan *dbus.Signal, 32)
	p.conn.Signal(ch)
	defer p.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return &common.TransportError{Op: "watch " + path, Err: errSignalsClosed}
			}
			if string(sig.Path) != path {
				continue
			}
			if ev, ok := decodeSignal(sig); ok {
				fn(ev)
			}
		}
	}
}

func decodeSignal(sig *dbus.Signal) (Event, bool) {
	var (
		a, b    uint32
		message string
	)
	if err := dbus.Store(sig.Body, &a, &b, &message); err != nil {
		common.LogDebug("Ignoring malformed %s signal: %v", sig.Name, err)
		return Event{}, false
	}

	ev := Event{Path: string(sig.Path), Message: message}
	switch sig.Name {
	case SignalStatusChange:
		ev.Kind = EventStatus
		ev.Status = sessionmgr.NewStatus(a, b, message)
	case SignalLog:
		ev.Kind = EventLog
		ev.Log = sessionmgr.NewLogEvent(a, b, message)
	case SignalAttentionRequired:
		ev.Kind = EventAttention
		ev.Type = requiresqueue.TypeFromWire(a)
		ev.Group = requiresqueue.GroupFromWire(b)
	default:
		return Event{}, false
	}
	return ev, true
}
