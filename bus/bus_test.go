package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/configmgr"
	"github.com/yllada/vpn-sessiond/identity"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

const (
	ownerBus    = ":1.1000"
	strangerBus = ":1.3000"

	profile = "client\nremote vpn.example.com 1194\nauth-user-pass\n"
)

func TestToDBusError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"access denied", &common.AccessDeniedError{UID: 3000}, ErrorAccessDenied},
		{"duplicate grant", common.ErrDuplicateGrant, ErrorDuplicateGrant},
		{"no grant", fmt.Errorf("revoke: %w", common.ErrNoSuchGrant), ErrorNoSuchGrant},
		{"not ready", &common.NotReadyError{}, ErrorNotReady},
		{"already provided", &common.RequestError{ID: 4, Err: common.ErrAlreadyProvided}, ErrorAlreadyProvided},
		{"unknown request", &common.RequestError{ID: 9, Err: common.ErrUnknownRequest}, ErrorUnknownRequest},
		{"sealed", common.ErrSealed, ErrorSealed},
		{"alias", common.ErrAliasExists, ErrorAliasExists},
		{"not found", &common.NotFoundError{What: "session", Key: "/x"}, ErrorNotFound},
		{"state", &common.StateError{Op: "Pause", State: "Ready"}, ErrorInvalidState},
		{"argument", common.ErrInvalidArgument, ErrorInvalidArgument},
		{"lookup", &common.LookupError{Sender: ":1.9", Err: errors.New("gone")}, ErrorLookup},
		{"internal", errors.New("disk full"), ErrorInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := ToDBusError(tt.err)
			require.NotNil(t, de)
			assert.Equal(t, tt.want, de.Name)
			assert.Equal(t, tt.err.Error(), de.Error())
		})
	}

	assert.Nil(t, ToDBusError(nil))
}

func TestToDBusError_PassesBusErrors(t *testing.T) {
	de := invalidArgs("expected a string value")
	assert.Same(t, de, ToDBusError(de))
}

func TestFromDBusError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind common.ErrorKind
	}{
		{"access denied", dbus.NewError(ErrorAccessDenied, []interface{}{"denied"}), common.KindAuth},
		{"access denied by value", dbus.Error{Name: ErrorAccessDenied, Body: []interface{}{"denied"}}, common.KindAuth},
		{"not ready", dbus.NewError(ErrorNotReady, []interface{}{"need input"}), common.KindNotReady},
		{"queue", dbus.NewError(ErrorAlreadyProvided, nil), common.KindQueue},
		{"sealed", dbus.NewError(ErrorSealed, nil), common.KindSealed},
		{"unknown domain name", dbus.NewError(ErrorPrefix+"future", nil), common.KindInternal},
		{"unknown object", dbus.NewError("org.freedesktop.DBus.Error.UnknownObject", []interface{}{"/x"}), common.KindNotFound},
		{"no reply", dbus.NewError("org.freedesktop.DBus.Error.NoReply", nil), common.KindTransport},
		{"service unknown", dbus.NewError("org.freedesktop.DBus.Error.ServiceUnknown", nil), common.KindTransport},
		{"plain error", errors.New("connection reset"), common.KindTransport},
		{"deadline", context.DeadlineExceeded, common.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromDBusError("Fetch", tt.err)
			assert.Equal(t, tt.kind, common.Kind(err))
		})
	}

	assert.NoError(t, FromDBusError("Fetch", nil))
}

func TestErrorRoundTrip(t *testing.T) {
	for _, e := range errorNames {
		t.Run(e.name, func(t *testing.T) {
			err := FromDBusError("op", ToDBusError(e.err))
			assert.ErrorIs(t, err, e.err)
			assert.Equal(t, common.Kind(e.err), common.Kind(err))
		})
	}

	err := FromDBusError("op", ToDBusError(&common.NotReadyError{Message: "password required"}))
	var nre *common.NotReadyError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "password required", nre.Error())
	assert.False(t, common.Retryable(err))
}

func TestErrorRoundTrip_TypedErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		check    func(t *testing.T, err error)
	}{
		{
			name:     "access denied",
			err:      &common.AccessDeniedError{UID: 3000},
			sentinel: common.ErrAccessDenied,
			check: func(t *testing.T, err error) {
				var denied *common.AccessDeniedError
				require.ErrorAs(t, err, &denied)
				assert.Equal(t, uint32(3000), denied.UID)
				assert.False(t, denied.OwnerOnly)
			},
		},
		{
			name:     "owner only, wrapped",
			err:      fmt.Errorf("disconnect: %w", &common.AccessDeniedError{UID: 2000, OwnerOnly: true}),
			sentinel: common.ErrAccessDenied,
			check: func(t *testing.T, err error) {
				var denied *common.AccessDeniedError
				require.ErrorAs(t, err, &denied)
				assert.Equal(t, uint32(2000), denied.UID)
				assert.True(t, denied.OwnerOnly)
			},
		},
		{
			name:     "request already provided",
			err:      &common.RequestError{ID: 7, Err: common.ErrAlreadyProvided},
			sentinel: common.ErrAlreadyProvided,
			check: func(t *testing.T, err error) {
				var reqErr *common.RequestError
				require.ErrorAs(t, err, &reqErr)
				assert.Equal(t, uint32(7), reqErr.ID)
				assert.Equal(t, (&common.RequestError{ID: 7, Err: common.ErrAlreadyProvided}).Error(), err.Error())
			},
		},
		{
			name:     "request with invalid value",
			err:      &common.RequestError{ID: 3, Err: fmt.Errorf("%w: empty value", common.ErrInvalidArgument)},
			sentinel: common.ErrInvalidArgument,
			check: func(t *testing.T, err error) {
				var reqErr *common.RequestError
				require.ErrorAs(t, err, &reqErr)
				assert.Equal(t, uint32(3), reqErr.ID)
				assert.Contains(t, err.Error(), "empty value")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := ToDBusError(tt.err)
			assert.Equal(t, tt.err.Error(), de.Error(), "first body element stays the message")

			err := FromDBusError("op", de)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, common.Kind(tt.err), common.Kind(err))
			tt.check(t, err)
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", SystemBus, false},
		{"system", SystemBus, false},
		{"session", SessionBus, false},
		{"starter", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, common.ErrInvalidArgument)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestChild(t *testing.T) {
	root := common.RootPathConfiguration
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{root + "/abc", "abc", true},
		{root, "", false},
		{root + "/", "", false},
		{root + "/aliases/work", "", false},
		{"/net/openvpn/v3/sessions/abc", "", false},
		{root + "x/abc", "", false},
	}
	for _, tt := range tests {
		got, ok := child(root, dbus.ObjectPath(tt.path))
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestCallInfo(t *testing.T) {
	msg := dbus.Message{Headers: map[dbus.HeaderField]dbus.Variant{
		dbus.FieldSender: dbus.MakeVariant(ownerBus),
		dbus.FieldPath:   dbus.MakeVariant(dbus.ObjectPath(common.RootPathSessions)),
	}}
	sender, path := callInfo(msg)
	assert.Equal(t, ownerBus, sender)
	assert.Equal(t, dbus.ObjectPath(common.RootPathSessions), path)

	sender, path = callInfo(dbus.Message{})
	assert.Empty(t, sender)
	assert.Empty(t, path)
}

func TestDecodeSignal(t *testing.T) {
	path := dbus.ObjectPath(common.RootPathSessions + "/abc")

	ev, ok := decodeSignal(&dbus.Signal{
		Path: path,
		Name: SignalStatusChange,
		Body: []interface{}{uint32(sessionmgr.StatusMajorConnection), uint32(sessionmgr.StatusMinorConnConnected), "up"},
	})
	require.True(t, ok)
	assert.Equal(t, EventStatus, ev.Kind)
	assert.Equal(t, sessionmgr.StatusMinorConnConnected, ev.Status.Minor)
	assert.Equal(t, string(path), ev.Path)

	ev, ok = decodeSignal(&dbus.Signal{
		Path: path,
		Name: SignalAttentionRequired,
		Body: []interface{}{uint32(requiresqueue.TypeCredentials), uint32(requiresqueue.GroupUserPassword), "credentials needed"},
	})
	require.True(t, ok)
	assert.Equal(t, EventAttention, ev.Kind)
	assert.Equal(t, requiresqueue.GroupUserPassword, ev.Group)

	ev, ok = decodeSignal(&dbus.Signal{Path: path, Name: SignalLog, Body: []interface{}{uint32(99), uint32(3), "x"}})
	require.True(t, ok)
	assert.Equal(t, sessionmgr.LogGroup(0), ev.Log.Group, "out of range group degrades to undefined")

	_, ok = decodeSignal(&dbus.Signal{Path: path, Name: SignalLog, Body: []interface{}{"bad"}})
	assert.False(t, ok)
	_, ok = decodeSignal(&dbus.Signal{Path: path, Name: "other.Signal", Body: []interface{}{uint32(1), uint32(1), ""}})
	assert.False(t, ok)
}

func TestDepartedName(t *testing.T) {
	const nameOwnerChanged = "org.freedesktop.DBus.NameOwnerChanged"
	tests := []struct {
		name   string
		sig    *dbus.Signal
		want   string
		wantOK bool
	}{
		{
			name:   "unique name gone",
			sig:    &dbus.Signal{Name: nameOwnerChanged, Body: []interface{}{":1.42", ":1.42", ""}},
			want:   ":1.42",
			wantOK: true,
		},
		{
			name: "unique name appeared",
			sig:  &dbus.Signal{Name: nameOwnerChanged, Body: []interface{}{":1.43", "", ":1.43"}},
		},
		{
			name: "well-known name released",
			sig:  &dbus.Signal{Name: nameOwnerChanged, Body: []interface{}{"net.example.Svc", ":1.7", ""}},
		},
		{
			name: "malformed body",
			sig:  &dbus.Signal{Name: nameOwnerChanged, Body: []interface{}{uint32(1)}},
		},
		{
			name: "other signal",
			sig:  &dbus.Signal{Name: "org.freedesktop.DBus.NameLost", Body: []interface{}{":1.42", ":1.42", ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := departedName(tt.sig)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatisticsFromMap(t *testing.T) {
	stats := statisticsFromMap(map[string]int64{"BYTES_OUT": 2, "BYTES_IN": 1})
	assert.Equal(t, sessionmgr.Statistics{{Name: "BYTES_IN", Value: 1}, {Name: "BYTES_OUT", Value: 2}}, stats)
	assert.Empty(t, statisticsFromMap(nil))
}

func TestUnixTime(t *testing.T) {
	assert.Equal(t, uint64(0), unixTime(time.Time{}))
	assert.True(t, fromUnix(0).IsZero())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, ts.Equal(fromUnix(unixTime(ts))))
}

func newRegistry(t *testing.T) *configmgr.Manager {
	t.Helper()
	m, err := configmgr.NewManager(context.Background(), configmgr.Options{
		Resolver: identity.NewStaticResolver(
			identity.Identity{Sender: ownerBus, UID: 1000, PID: 11},
			identity.Identity{Sender: strangerBus, UID: 3000, PID: 33},
		),
		AllowRootOverride: true,
	})
	require.NoError(t, err)
	return m
}

func TestConfigurationProperties(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	svc := NewConfigurationService(ctx, nil, registry, 0)

	path, err := registry.Import(ctx, ownerBus, "work.conf", profile, false, false)
	require.NoError(t, err)
	obj := dbus.ObjectPath(path)

	all, err := svc.getAll(ctx, ownerBus, obj)
	require.NoError(t, err)
	assert.Equal(t, "work.conf", all[PropName].Value())
	assert.Equal(t, uint32(1000), all[PropOwner].Value())
	assert.Equal(t, []uint32{}, all[PropACL].Value())
	assert.Equal(t, false, all[PropLockedDown].Value())

	_, err = svc.getAll(ctx, strangerBus, obj)
	assert.ErrorIs(t, err, common.ErrAccessDenied)

	require.NoError(t, svc.set(ctx, ownerBus, obj, PropLockedDown, dbus.MakeVariant(true)))
	require.NoError(t, svc.set(ctx, ownerBus, obj, PropAlias, dbus.MakeVariant("work")))

	all, err = svc.getAll(ctx, ownerBus, dbus.ObjectPath(common.AliasPathConfiguration+"/work"))
	require.NoError(t, err)
	assert.Equal(t, obj, all[PropConfigPath].Value())

	err = svc.set(ctx, ownerBus, obj, PropLockedDown, dbus.MakeVariant("yes"))
	var de *dbus.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errInvalidArgs, de.Name)

	err = svc.set(ctx, ownerBus, obj, PropOwner, dbus.MakeVariant(uint32(0)))
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errPropertyReadOnly, de.Name)

	err = svc.set(ctx, ownerBus, obj, "nonsense", dbus.MakeVariant(true))
	require.ErrorAs(t, err, &de)
	assert.Equal(t, errUnknownProperty, de.Name)
}

func TestCallTimeout(t *testing.T) {
	tests := []struct {
		name    string
		connect time.Duration
		want    time.Duration
	}{
		{"unset", 0, DefaultCallTimeout},
		{"default connect", common.ConnectionTimeout, DefaultCallTimeout},
		{"short connect", 5 * time.Second, DefaultCallTimeout},
		{"long connect", 3 * time.Minute, 6 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CallTimeout(tt.connect))
		})
	}
}

func TestCallContextOutlivesConnect(t *testing.T) {
	connect := 3 * time.Minute
	svc := NewSessionService(context.Background(), nil, CallTimeout(connect))

	ctx, cancel := svc.callContext()
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Greater(t, time.Until(deadline), connect)

	svc = NewSessionService(context.Background(), nil, 0)
	ctx, cancel = svc.callContext()
	defer cancel()
	deadline, ok = ctx.Deadline()
	require.True(t, ok)
	assert.InDelta(t, DefaultCallTimeout.Seconds(), time.Until(deadline).Seconds(), 1)
}

func TestIntrospectionData(t *testing.T) {
	xml := string(introspect.NewIntrospectable(node([]introspect.Interface{sessionObjectInterface}, nil)))
	for _, want := range []string{
		"UserInputQueueFetch", "a(uuussbb)", "AttentionRequired", `name="statistics" type="a{sx}"`,
		common.InterfaceProperties, common.InterfaceIntrospectable,
	} {
		assert.True(t, strings.Contains(xml, want), "introspection lacks %s", want)
	}

	xml = string(introspect.NewIntrospectable(node([]introspect.Interface{configRootInterface}, []string{"abc", "aliases"})))
	assert.Contains(t, xml, `<node name="abc">`)
	assert.Contains(t, xml, "FetchAvailableConfigs")
}
