package configmgr

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/identity"
)

const (
	ownerBus    = ":1.1000"
	grantedBus  = ":1.2000"
	strangerBus = ":1.3000"
	rootBus     = ":1.0"
)

func newResolver() *identity.StaticResolver {
	return identity.NewStaticResolver(
		identity.Identity{Sender: ownerBus, UID: 1000, PID: 11},
		identity.Identity{Sender: grantedBus, UID: 2000, PID: 22},
		identity.Identity{Sender: strangerBus, UID: 3000, PID: 33},
		identity.Identity{Sender: rootBus, UID: 0, PID: 1},
	)
}

func newManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Options{
		Resolver:          newResolver(),
		Store:             store,
		PrivilegedUID:     0,
		AllowRootOverride: true,
	})
	require.NoError(t, err)
	return m
}

func importWork(t *testing.T, m *Manager) string {
	t.Helper()
	path, err := m.Import(context.Background(), ownerBus, "work.conf", workProfile, false, false)
	require.NoError(t, err)
	return path
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	path := importWork(t, m)
	assert.True(t, strings.HasPrefix(path, common.RootPathConfiguration+"/"))
	assert.NotContains(t, strings.TrimPrefix(path, common.RootPathConfiguration+"/"), "-")

	props, err := m.Properties(ctx, ownerBus, path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), props.Owner)
	assert.Empty(t, props.ACL)
	assert.False(t, props.PublicAccess)
	assert.False(t, props.Sealed)

	_, err = m.Import(ctx, ownerBus, "bad", "dev tun\n", false, false)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	_, err = m.Import(ctx, ownerBus, "both", workProfile, true, true)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = m.Import(ctx, ":1.404", "nobody", workProfile, false, false)
	assert.ErrorIs(t, err, common.ErrLookup)
}

// Import as uid 1000, grant uid 2000, then lock down.
func TestFetchLockdownScenario(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)

	acl, err := m.GetAccessList(ctx, ownerBus, path)
	require.NoError(t, err)
	assert.Empty(t, acl)

	require.NoError(t, m.AccessGrant(ctx, ownerBus, path, 2000))
	acl, err = m.GetAccessList(ctx, ownerBus, path)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2000}, acl)

	_, err = m.Fetch(ctx, strangerBus, path)
	var denied *common.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, uint32(3000), denied.UID)

	blob, err := m.Fetch(ctx, grantedBus, path)
	require.NoError(t, err)
	assert.Equal(t, workProfile, blob)

	require.NoError(t, m.SetLockedDown(ctx, ownerBus, path, true))

	_, err = m.Fetch(ctx, grantedBus, path)
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, uint32(2000), denied.UID)

	_, err = m.FetchJSON(ctx, grantedBus, path)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	_, err = m.Fetch(ctx, ownerBus, path)
	assert.NoError(t, err)

	_, err = m.Fetch(ctx, rootBus, path)
	assert.NoError(t, err, "privileged identity reads locked-down profiles")

	_, err = m.Open(ctx, grantedBus, path)
	assert.NoError(t, err, "lockdown does not prevent starting a session")
}

func TestFetchJSON(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)

	out, err := m.FetchJSON(ctx, ownerBus, path)
	require.NoError(t, err)

	var doc struct {
		Name    string   `json:"name"`
		Owner   uint32   `json:"owner"`
		Options []Option `json:"options"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "work.conf", doc.Name)
	assert.Equal(t, uint32(1000), doc.Owner)
	assert.Equal(t, "client", doc.Options[0].Name)
}

func TestSetterGates(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)
	require.NoError(t, m.AccessGrant(ctx, ownerBus, path, 2000))

	// Cosmetic fields need plain access.
	require.NoError(t, m.SetName(ctx, grantedBus, path, "renamed"))
	assert.ErrorIs(t, m.SetName(ctx, strangerBus, path, "x"), common.ErrAccessDenied)

	// Who-can-read fields are owner-only even for granted users and public profiles.
	require.NoError(t, m.SetPublicAccess(ctx, ownerBus, path, true))
	for _, err := range []error{
		m.SetLockedDown(ctx, grantedBus, path, true),
		m.SetPublicAccess(ctx, strangerBus, path, false),
		m.SetPersistTun(ctx, grantedBus, path, true),
		m.AccessGrant(ctx, grantedBus, path, 3000),
		m.AccessRevoke(ctx, grantedBus, path, 2000),
		m.Remove(ctx, strangerBus, path),
		m.Seal(ctx, grantedBus, path),
	} {
		var denied *common.AccessDeniedError
		require.ErrorAs(t, err, &denied)
		assert.True(t, denied.OwnerOnly)
	}

	// Public access opens plain reads to anyone.
	_, err := m.Fetch(ctx, strangerBus, path)
	assert.NoError(t, err)
}

func TestSeal(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)

	require.NoError(t, m.Seal(ctx, ownerBus, path))
	before, err := m.Properties(ctx, ownerBus, path)
	require.NoError(t, err)

	require.NoError(t, m.Seal(ctx, ownerBus, path))
	after, err := m.Properties(ctx, ownerBus, path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "sealing twice changes nothing")
	assert.True(t, after.Sealed)

	assert.ErrorIs(t, m.SetName(ctx, ownerBus, path, "new"), common.ErrSealed)
	assert.ErrorIs(t, m.SetAlias(ctx, ownerBus, path, "work"), common.ErrSealed)
	assert.ErrorIs(t, m.SetPersistTun(ctx, ownerBus, path, true), common.ErrSealed)
	assert.NoError(t, m.SetLockedDown(ctx, ownerBus, path, true))
	assert.NoError(t, m.SetPublicAccess(ctx, ownerBus, path, true))
	assert.NoError(t, m.AccessGrant(ctx, ownerBus, path, 2000))
}

func TestAlias(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)
	other := importWork(t, m)

	assert.ErrorIs(t, m.SetAlias(ctx, ownerBus, path, "bad-alias"), common.ErrInvalidArgument)
	require.NoError(t, m.SetAlias(ctx, ownerBus, path, "work"))

	resolved, err := m.ResolveAlias("work")
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	blob, err := m.Fetch(ctx, ownerBus, "work")
	require.NoError(t, err)
	assert.Equal(t, workProfile, blob)

	assert.ErrorIs(t, m.SetAlias(ctx, ownerBus, other, "work"), common.ErrAliasExists)

	require.NoError(t, m.SetAlias(ctx, ownerBus, path, "office"))
	_, err = m.ResolveAlias("work")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, m.Remove(ctx, ownerBus, "office"))
	_, err = m.ResolveAlias("office")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestFetchAvailableConfigs(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	b, err := m.Import(ctx, ownerBus, "b", workProfile, false, false)
	require.NoError(t, err)
	a, err := m.Import(ctx, ownerBus, "a", workProfile, false, false)
	require.NoError(t, err)
	c, err := m.Import(ctx, strangerBus, "c", workProfile, false, false)
	require.NoError(t, err)

	paths, err := m.FetchAvailableConfigs(ctx, ownerBus)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, paths)

	paths, err = m.FetchAvailableConfigs(ctx, rootBus)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, c}, paths)

	paths, err = m.FetchAvailableConfigs(ctx, grantedBus)
	require.NoError(t, err)
	assert.Empty(t, paths)

	named, err := m.LookupConfigName(ctx, strangerBus, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{c}, named)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)

	require.NoError(t, m.Remove(ctx, ownerBus, path))
	_, err := m.Fetch(ctx, ownerBus, path)
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, m.Remove(ctx, ownerBus, path), common.ErrNotFound)
}

func TestRemoveDeferredWhileInFlight(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)

	// Pin the profile as an in-flight call would.
	c, err := m.acquire(path)
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, ownerBus, path))

	m.mu.Lock()
	_, present := m.configs[path]
	m.mu.Unlock()
	assert.True(t, present, "object must outlive in-flight calls")

	_, err = m.Fetch(ctx, ownerBus, path)
	assert.ErrorIs(t, err, common.ErrNotFound, "removed objects are not reachable")

	m.release(c)
	m.mu.Lock()
	_, present = m.configs[path]
	m.mu.Unlock()
	assert.False(t, present)
}

func TestOpenSingleUse(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	path, err := m.Import(ctx, ownerBus, "once", workProfile, true, false)
	require.NoError(t, err)

	p, err := m.Open(ctx, ownerBus, path)
	require.NoError(t, err)
	assert.Equal(t, "once", p.Name)
	assert.True(t, p.Parsed.Has("auth-user-pass"))

	_, err = m.Open(ctx, ownerBus, path)
	assert.ErrorIs(t, err, common.ErrInvalidState, "reserved while the first session starts")

	m.Settle(ctx, path, false)
	props, err := m.Properties(ctx, ownerBus, path)
	require.NoError(t, err, "a failed start leaves the profile in place")
	assert.Zero(t, props.UsedCount)

	_, err = m.Open(ctx, ownerBus, path)
	require.NoError(t, err)
	m.Settle(ctx, path, true)

	_, err = m.Open(ctx, ownerBus, path)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestOpenRecordsUsage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := NewManager(ctx, Options{Resolver: newResolver(), Now: func() time.Time { return now }})
	require.NoError(t, err)

	path := importWork(t, m)
	_, err = m.Open(ctx, strangerBus, path)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	tests := []struct {
		name    string
		started bool
		want    uint32
	}{
		{"start failed", false, 0},
		{"started", true, 1},
		{"started again", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(ctx, ownerBus, path)
			require.NoError(t, err)
			_, err = m.Open(ctx, ownerBus, path)
			require.NoError(t, err, "reusable profiles are never reserved")
			m.Settle(ctx, path, tt.started)

			props, err := m.Properties(ctx, ownerBus, path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, props.UsedCount)
		})
	}

	props, err := m.Properties(ctx, ownerBus, path)
	require.NoError(t, err)
	assert.Equal(t, now, props.LastUsedAt)
}

func TestLookupFailureFailsClosed(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	m, err := NewManager(ctx, Options{Resolver: r})
	require.NoError(t, err)

	path := importWork(t, m)
	require.NoError(t, m.SetPublicAccess(ctx, ownerBus, path, true))

	r.Fail(strangerBus, errors.New("bus unreachable"))
	_, err = m.Fetch(ctx, strangerBus, path)
	assert.ErrorIs(t, err, common.ErrLookup)
	assert.NotErrorIs(t, err, common.ErrAccessDenied)
}

func TestConcurrentGrantRevoke(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)
	path := importWork(t, m)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.AccessGrant(ctx, ownerBus, path, 2000)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, common.ErrDuplicateGrant)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestPersistentProfilesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "profiles.db")

	store, err := OpenSQLiteStore(ctx, dbPath)
	require.NoError(t, err)
	m := newManager(t, store)

	path, err := m.Import(ctx, ownerBus, "persisted", workProfile, false, true)
	require.NoError(t, err)
	volatile := importWork(t, m)
	require.NoError(t, m.AccessGrant(ctx, ownerBus, path, 2000))
	require.NoError(t, m.SetAlias(ctx, ownerBus, path, "persisted"))
	require.NoError(t, m.Seal(ctx, ownerBus, path))
	require.NoError(t, m.Close())

	store, err = OpenSQLiteStore(ctx, dbPath)
	require.NoError(t, err)
	m = newManager(t, store)
	defer m.Close()

	props, err := m.Properties(ctx, grantedBus, "persisted")
	require.NoError(t, err)
	assert.Equal(t, path, props.Path)
	assert.Equal(t, []uint32{2000}, props.ACL)
	assert.True(t, props.Sealed)
	assert.True(t, props.Persistent)

	_, err = m.Properties(ctx, ownerBus, volatile)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, m.Remove(ctx, ownerBus, path))
	records, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
