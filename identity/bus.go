package identity

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

var errEmptySender = errors.New("empty caller token")

const (
	busGetUnixUser      = "org.freedesktop.DBus.GetConnectionUnixUser"
	busGetUnixProcessID = "org.freedesktop.DBus.GetConnectionUnixProcessID"
)

// BusResolver asks the message bus daemon for the credentials of a unique
// bus name.
type BusResolver struct {
	conn *dbus.Conn
}

// NewBusResolver returns a resolver querying the bus daemon behind conn.
func NewBusResolver(conn *dbus.Conn) *BusResolver {
	return &BusResolver{conn: conn}
}

// ResolveUID returns the uid owning sender.
func (r *BusResolver) ResolveUID(ctx context.Context, sender string) (uint32, error) {
	return r.query(ctx, busGetUnixUser, sender)
}

// ResolvePID returns the pid of the process owning sender.
func (r *BusResolver) ResolvePID(ctx context.Context, sender string) (uint32, error) {
	return r.query(ctx, busGetUnixProcessID, sender)
}

func (r *BusResolver) query(ctx context.Context, method, sender string) (uint32, error) {
	if sender == "" {
		return 0, lookupError(sender, errEmptySender)
	}

	var id uint32
	call := r.conn.BusObject().CallWithContext(ctx, method, dbus.FlagNoAutoStart, sender)
	if err := call.Store(&id); err != nil {
		return 0, lookupError(sender, err)
	}
	return id, nil
}
