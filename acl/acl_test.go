package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/identity"
)

func uid(u uint32) identity.Identity {
	return identity.Identity{Sender: ":test", UID: u}
}

func TestCheckAccess(t *testing.T) {
	g := New(1000)
	require.NoError(t, g.Grant(2000))

	tests := []struct {
		name      string
		public    bool
		caller    uint32
		allowRoot bool
		wantErr   bool
	}{
		{"owner", false, 1000, false, false},
		{"granted", false, 2000, false, false},
		{"stranger", false, 3000, false, true},
		{"root allowed", false, 0, true, false},
		{"root not allowed", false, 0, false, true},
		{"public stranger", true, 3000, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.SetPublicAccess(tt.public)
			err := g.CheckAccess(uid(tt.caller), tt.allowRoot)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var denied *common.AccessDeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, tt.caller, denied.UID)
			assert.False(t, denied.OwnerOnly)
		})
	}
}

func TestCheckOwnerAccess(t *testing.T) {
	g := New(1000)
	g.SetPublicAccess(true)
	require.NoError(t, g.Grant(2000))

	assert.NoError(t, g.CheckOwnerAccess(uid(1000), false))
	assert.NoError(t, g.CheckOwnerAccess(uid(0), true))

	for _, caller := range []uint32{2000, 3000} {
		err := g.CheckOwnerAccess(uid(caller), true)
		var denied *common.AccessDeniedError
		require.ErrorAs(t, err, &denied, "uid %d", caller)
		assert.True(t, denied.OwnerOnly)
	}
	assert.ErrorIs(t, g.CheckOwnerAccess(uid(0), false), common.ErrAccessDenied)
}

func TestGrantRevoke(t *testing.T) {
	g := New(1000)

	require.NoError(t, g.Grant(2000))
	require.NoError(t, g.Grant(3000))
	assert.Equal(t, []uint32{2000, 3000}, g.List())

	assert.ErrorIs(t, g.Grant(2000), common.ErrDuplicateGrant)
	assert.ErrorIs(t, g.Grant(1000), common.ErrDuplicateGrant)
	assert.Equal(t, []uint32{2000, 3000}, g.List(), "failed grants must not change the list")

	require.NoError(t, g.Revoke(2000))
	assert.Equal(t, []uint32{3000}, g.List())
	assert.ErrorIs(t, g.Revoke(2000), common.ErrNoSuchGrant)
	assert.ErrorIs(t, g.CheckAccess(uid(2000), false), common.ErrAccessDenied)
}

func TestListIsCopy(t *testing.T) {
	g := New(1)
	require.NoError(t, g.Grant(2))

	l := g.List()
	l[0] = 99
	assert.Equal(t, []uint32{2}, g.List())
}

func TestSnapshotRestore(t *testing.T) {
	g := New(1000)
	g.SetPublicAccess(true)
	require.NoError(t, g.Grant(2000))
	require.NoError(t, g.Grant(2001))

	r := Restore(g.Snapshot())
	assert.Equal(t, g.Snapshot(), r.Snapshot())

	dirty := Restore(Snapshot{Owner: 5, Granted: []uint32{5, 6, 6, 7}})
	assert.Equal(t, []uint32{6, 7}, dirty.List())
}
