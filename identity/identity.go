// Package identity resolves the uid and pid behind a caller token.
//
// A caller token is whatever the transport uses to name the party on the
// other end of a call: a unique bus name such as ":1.42" on D-Bus, or a
// registered connection key for unix socket callers. Identities are
// resolved on every call and never cached, since a token can be reused by
// a different peer after the original one goes away.
package identity

import (
	"context"
	"fmt"

	"github.com/yllada/vpn-sessiond/common"
)

// Root is the uid of the privileged-override identity.
const Root = common.RootUID

// Identity is the resolved credential set of one caller.
type Identity struct {
	Sender string
	UID    uint32
	PID    uint32
}

// IsRoot reports whether the identity is the superuser.
func (i Identity) IsRoot() bool {
	return i.UID == Root
}

func (i Identity) String() string {
	return fmt.Sprintf("%s (uid %d, pid %d)", i.Sender, i.UID, i.PID)
}

// Resolver maps a caller token to its credentials.
// Implementations must return a *common.LookupError when the token cannot
// be resolved so that authorization fails closed.
type Resolver interface {
	ResolveUID(ctx context.Context, sender string) (uint32, error)
	ResolvePID(ctx context.Context, sender string) (uint32, error)
}

// Resolve asks r for both the uid and the pid of sender.
func Resolve(ctx context.Context, r Resolver, sender string) (Identity, error) {
	uid, err := r.ResolveUID(ctx, sender)
	if err != nil {
		return Identity{}, lookupError(sender, err)
	}
	pid, err := r.ResolvePID(ctx, sender)
	if err != nil {
		return Identity{}, lookupError(sender, err)
	}
	return Identity{Sender: sender, UID: uid, PID: pid}, nil
}

// ResolveUID asks r only for the uid of sender. The pid is left zero.
func ResolveUID(ctx context.Context, r Resolver, sender string) (Identity, error) {
	uid, err := r.ResolveUID(ctx, sender)
	if err != nil {
		return Identity{}, lookupError(sender, err)
	}
	return Identity{Sender: sender, UID: uid}, nil
}

func lookupError(sender string, err error) error {
	if _, ok := err.(*common.LookupError); ok {
		return err
	}
	return &common.LookupError{Sender: sender, Err: err}
}
