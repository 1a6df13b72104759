// Package acl implements the access control list guarding every
// configuration profile and session object.
//
// A Guard is not safe for concurrent use on its own. It is always read and
// mutated under the lock of the object embedding it, so an access check
// and the action it permits happen atomically.
package acl

import (
	"slices"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/identity"
)

// Guard holds the owner, the public flag and the granted uids of one object.
type Guard struct {
	owner   uint32
	public  bool
	granted []uint32
}

// Snapshot is the persistable state of a Guard.
type Snapshot struct {
	Owner   uint32   `cbor:"1,keyasint" json:"owner"`
	Public  bool     `cbor:"2,keyasint" json:"public_access"`
	Granted []uint32 `cbor:"3,keyasint" json:"acl"`
}

// New returns a private guard owned by owner.
func New(owner uint32) *Guard {
	return &Guard{owner: owner}
}

// Restore rebuilds a guard from a snapshot. Duplicates and the owner are
// dropped from the granted list.
func Restore(s Snapshot) *Guard {
	g := New(s.Owner)
	g.public = s.Public
	for _, uid := range s.Granted {
		_ = g.Grant(uid)
	}
	return g
}

// Snapshot returns a copy of the guard state.
func (g *Guard) Snapshot() Snapshot {
	return Snapshot{Owner: g.owner, Public: g.public, Granted: g.List()}
}

// Owner returns the uid that created the object.
func (g *Guard) Owner() uint32 {
	return g.owner
}

// PublicAccess reports whether any caller passes CheckAccess.
func (g *Guard) PublicAccess() bool {
	return g.public
}

// SetPublicAccess sets the public flag. Owner checking is the caller's job.
func (g *Guard) SetPublicAccess(public bool) {
	g.public = public
}

// CheckAccess succeeds when the object is public, the caller owns it,
// the caller is root and allowRoot is set, or the caller was granted access.
func (g *Guard) CheckAccess(id identity.Identity, allowRoot bool) error {
	switch {
	case g.public:
		return nil
	case id.UID == g.owner:
		return nil
	case allowRoot && id.IsRoot():
		return nil
	case slices.Contains(g.granted, id.UID):
		return nil
	}
	return &common.AccessDeniedError{UID: id.UID}
}

// CheckOwnerAccess succeeds only for the owner, or for root when allowRoot
// is set. The public flag and the granted list are ignored.
func (g *Guard) CheckOwnerAccess(id identity.Identity, allowRoot bool) error {
	if id.UID == g.owner || (allowRoot && id.IsRoot()) {
		return nil
	}
	return &common.AccessDeniedError{UID: id.UID, OwnerOnly: true}
}

// Grant adds uid to the granted list. Granting the owner or an already
// granted uid fails with common.ErrDuplicateGrant.
func (g *Guard) Grant(uid uint32) error {
	if uid == g.owner || slices.Contains(g.granted, uid) {
		return common.ErrDuplicateGrant
	}
	g.granted = append(g.granted, uid)
	return nil
}

// Revoke removes uid from the granted list. Revoking a uid that is not
// listed fails with common.ErrNoSuchGrant.
func (g *Guard) Revoke(uid uint32) error {
	i := slices.Index(g.granted, uid)
	if i < 0 {
		return common.ErrNoSuchGrant
	}
	g.granted = slices.Delete(g.granted, i, i+1)
	return nil
}

// List returns a copy of the granted uids in grant order.
func (g *Guard) List() []uint32 {
	out := make([]uint32, len(g.granted))
	copy(out, g.granted)
	return out
}
