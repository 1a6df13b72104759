package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sessiond/bus"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/keyring"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

const sessionPath = common.RootPathSessions + "/abc"

// fakeSessions models the queue of one session. A Connect that fails
// with NotReady re-queues every request, as an authentication failure does.
type fakeSessions struct {
	reqs        []requiresqueue.Request
	values      map[uint32]string
	connectErrs []error
	connects    int
	stuck       []common.TypeGroup
}

func newFakeSessions(reqs ...requiresqueue.Request) *fakeSessions {
	return &fakeSessions{reqs: reqs, values: make(map[uint32]string)}
}

func (f *fakeSessions) Ready(ctx context.Context, path string) (sessionmgr.Readiness, error) {
	if f.stuck != nil {
		return sessionmgr.Readiness{Pending: f.stuck}, nil
	}
	var pending []common.TypeGroup
	for _, r := range f.reqs {
		if !r.Provided {
			pending = append(pending, common.TypeGroup{Type: uint32(r.Type), Group: uint32(r.Group)})
		}
	}
	return sessionmgr.Readiness{Ready: len(pending) == 0, Pending: pending}, nil
}

func (f *fakeSessions) QueueFetch(ctx context.Context, path string, t requiresqueue.Type, g requiresqueue.Group) ([]requiresqueue.Request, error) {
	var out []requiresqueue.Request
	for _, r := range f.reqs {
		if r.Type == t && r.Group == g {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSessions) Provide(ctx context.Context, path string, req requiresqueue.Request, value string) error {
	for i := range f.reqs {
		if f.reqs[i].ID != req.ID {
			continue
		}
		if f.reqs[i].Provided {
			return &common.RequestError{ID: req.ID, Err: common.ErrAlreadyProvided}
		}
		f.reqs[i].Provided = true
		f.values[req.ID] = value
		return nil
	}
	return &common.RequestError{ID: req.ID, Err: common.ErrUnknownRequest}
}

func (f *fakeSessions) Connect(ctx context.Context, path string) error {
	f.connects++
	if f.connects > len(f.connectErrs) {
		return nil
	}
	err := f.connectErrs[f.connects-1]
	if common.Kind(err) == common.KindNotReady {
		for i := range f.reqs {
			f.reqs[i].Provided = false
		}
	}
	return err
}

type fakePrompter struct {
	answers map[string]string
	asked   []string
	err     error
}

func (p *fakePrompter) Prompt(req requiresqueue.Request) (string, error) {
	p.asked = append(p.asked, req.Name)
	if p.err != nil {
		return "", p.err
	}
	return p.answers[req.Name], nil
}

type fakeStore struct {
	values    map[keyring.Key]string
	forgotten []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[keyring.Key]string)}
}

func (s *fakeStore) Get(k keyring.Key) (string, error) {
	v, ok := s.values[k]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) Set(k keyring.Key, value string) error {
	s.values[k] = value
	return nil
}

func (s *fakeStore) ForgetProfile(profile string, names []string) error {
	s.forgotten = append(s.forgotten, names...)
	for k := range s.values {
		if k.Profile == profile {
			delete(s.values, k)
		}
	}
	return nil
}

func userPassRequests() []requiresqueue.Request {
	return []requiresqueue.Request{
		{ID: 1, Type: requiresqueue.TypeCredentials, Group: requiresqueue.GroupUserPassword, Name: "username", Description: "Username"},
		{ID: 2, Type: requiresqueue.TypeCredentials, Group: requiresqueue.GroupUserPassword, Name: "password", Description: "Password", HiddenInput: true},
	}
}

func userPassKey(name string) keyring.Key {
	return keyring.Key{Profile: "work.conf", Group: requiresqueue.GroupUserPassword, Name: name}
}

func TestStarter_PromptsAndRemembers(t *testing.T) {
	sessions := newFakeSessions(userPassRequests()...)
	prompt := &fakePrompter{answers: map[string]string{"username": "alice", "password": "s3cret"}}
	store := newFakeStore()

	s := &starter{sessions: sessions, prompt: prompt, out: io.Discard, store: store, profile: "work.conf", remember: true}
	require.NoError(t, s.run(context.Background(), sessionPath))

	assert.Equal(t, map[uint32]string{1: "alice", 2: "s3cret"}, sessions.values)
	assert.Equal(t, 1, sessions.connects)
	assert.Equal(t, "s3cret", store.values[userPassKey("password")])
}

func TestStarter_StaleRememberedAnswers(t *testing.T) {
	sessions := newFakeSessions(userPassRequests()...)
	sessions.connectErrs = []error{&common.NotReadyError{Message: "AUTH_FAILED"}}
	prompt := &fakePrompter{answers: map[string]string{"username": "alice", "password": "new"}}
	store := newFakeStore()
	store.values[userPassKey("username")] = "alice"
	store.values[userPassKey("password")] = "old"

	var out bytes.Buffer
	s := &starter{sessions: sessions, prompt: prompt, out: &out, store: store, profile: "work.conf"}
	require.NoError(t, s.run(context.Background(), sessionPath))

	assert.Equal(t, 2, sessions.connects)
	assert.Equal(t, []string{"username", "password"}, prompt.asked, "second round must prompt")
	assert.Equal(t, []string{"username", "password"}, store.forgotten)
	assert.Equal(t, "new", sessions.values[2])
	assert.Empty(t, store.values, "answers are only stored with remember")
	assert.Contains(t, out.String(), "AUTH_FAILED")
}

func TestStarter_ChallengesAreNotRemembered(t *testing.T) {
	sessions := newFakeSessions(requiresqueue.Request{
		ID: 7, Type: requiresqueue.TypeCredentials, Group: requiresqueue.GroupChallengeDynamic, Name: "dynamic_challenge",
	})
	prompt := &fakePrompter{answers: map[string]string{"dynamic_challenge": "123456"}}
	store := newFakeStore()

	s := &starter{sessions: sessions, prompt: prompt, out: io.Discard, store: store, profile: "work.conf", remember: true}
	require.NoError(t, s.run(context.Background(), sessionPath))

	assert.Equal(t, "123456", sessions.values[7])
	assert.Empty(t, store.values)
}

func TestStarter_WithoutStore(t *testing.T) {
	sessions := newFakeSessions(userPassRequests()...)
	prompt := &fakePrompter{answers: map[string]string{"username": "alice", "password": "pw"}}

	s := &starter{sessions: sessions, prompt: prompt, out: io.Discard, profile: "work.conf", remember: true}
	require.NoError(t, s.run(context.Background(), sessionPath))
	assert.Len(t, sessions.values, 2)
}

func TestStarter_GivesUp(t *testing.T) {
	sessions := newFakeSessions(userPassRequests()...)
	for i := 0; i < maxConnectAttempts+2; i++ {
		sessions.connectErrs = append(sessions.connectErrs, &common.NotReadyError{Message: "AUTH_FAILED"})
	}
	prompt := &fakePrompter{answers: map[string]string{"username": "alice", "password": "wrong"}}

	s := &starter{sessions: sessions, prompt: prompt, out: io.Discard}
	err := s.run(context.Background(), sessionPath)
	assert.Equal(t, common.KindNotReady, common.Kind(err))
	assert.Equal(t, maxConnectAttempts, sessions.connects)
}

func TestStarter_ConnectErrorIsFinal(t *testing.T) {
	sessions := newFakeSessions()
	sessions.connectErrs = []error{&common.AccessDeniedError{UID: 3000}}

	s := &starter{sessions: sessions, prompt: &fakePrompter{}, out: io.Discard}
	err := s.run(context.Background(), sessionPath)
	assert.ErrorIs(t, err, common.ErrAccessDenied)
	assert.Equal(t, 1, sessions.connects)
}

func TestStarter_NothingToAnswer(t *testing.T) {
	reqs := userPassRequests()
	for i := range reqs {
		reqs[i].Provided = true
	}
	sessions := newFakeSessions(reqs...)
	sessions.stuck = []common.TypeGroup{{Type: uint32(requiresqueue.TypeCredentials), Group: uint32(requiresqueue.GroupUserPassword)}}

	s := &starter{sessions: sessions, prompt: &fakePrompter{}, out: io.Discard}
	err := s.run(context.Background(), sessionPath)
	assert.ErrorIs(t, err, common.ErrNotReady)
	assert.Zero(t, sessions.connects)
}

func TestStarter_PromptFailure(t *testing.T) {
	sessions := newFakeSessions(userPassRequests()...)
	s := &starter{sessions: sessions, prompt: &fakePrompter{err: io.EOF}, out: io.Discard}

	err := s.run(context.Background(), sessionPath)
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "username")
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := newTerminalPrompter(strings.NewReader("alice\r\nlast"), &out, -1)
	reqs := userPassRequests()

	v, err := p.Prompt(reqs[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	v, err = p.Prompt(reqs[1])
	require.NoError(t, err)
	assert.Equal(t, "last", v, "hidden input falls back to a plain read without a tty")

	_, err = p.Prompt(requiresqueue.Request{Name: "pin"})
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, "Username: Password: pin: ", out.String())
}

func TestRememberable(t *testing.T) {
	assert.True(t, rememberable(requiresqueue.GroupUserPassword))
	assert.True(t, rememberable(requiresqueue.GroupHTTPProxyCreds))
	assert.True(t, rememberable(requiresqueue.GroupPKPassphrase))
	assert.False(t, rememberable(requiresqueue.GroupChallengeStatic))
	assert.False(t, rememberable(requiresqueue.GroupChallengeDynamic))
	assert.False(t, rememberable(requiresqueue.GroupOpenURL))
}

type fakeLookup struct {
	aliases  map[string]string
	names    map[string][]string
	aliasErr error
}

func (f *fakeLookup) ResolvePath(ctx context.Context, target string) (string, error) {
	if f.aliasErr != nil {
		return "", f.aliasErr
	}
	if p, ok := f.aliases[target]; ok {
		return p, nil
	}
	return "", &common.NotFoundError{What: "alias", Key: target}
}

func (f *fakeLookup) LookupConfigName(ctx context.Context, name string) ([]string, error) {
	return f.names[name], nil
}

func TestResolveConfig(t *testing.T) {
	const (
		pathA = common.RootPathConfiguration + "/aaa"
		pathB = common.RootPathConfiguration + "/bbb"
	)
	lookup := &fakeLookup{
		aliases: map[string]string{"work": pathA},
		names: map[string][]string{
			"work.conf": {pathA},
			"home":      {pathA, pathB},
		},
	}

	tests := []struct {
		target string
		want   string
		kind   common.ErrorKind
	}{
		{pathB, pathB, common.KindNone},
		{"work", pathA, common.KindNone},
		{"work.conf", pathA, common.KindNone},
		{"home", "", common.KindInvalid},
		{"missing", "", common.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := resolveConfig(context.Background(), lookup, tt.target)
			assert.Equal(t, tt.kind, common.Kind(err))
			assert.Equal(t, tt.want, got)
		})
	}

	lookup.aliasErr = &common.TransportError{Op: "get", Err: errors.New("bus gone")}
	_, err := resolveConfig(context.Background(), lookup, "work")
	assert.Equal(t, common.KindTransport, common.Kind(err))
}

func TestResolveSession(t *testing.T) {
	lookup := &fakeLookup{names: map[string][]string{"work.conf": {sessionPath}}}

	got, err := resolveSession(context.Background(), lookup, sessionPath)
	require.NoError(t, err)
	assert.Equal(t, sessionPath, got)

	got, err = resolveSession(context.Background(), lookup, "work.conf")
	require.NoError(t, err)
	assert.Equal(t, sessionPath, got)

	_, err = resolveSession(context.Background(), lookup, "other")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestConfigValue(t *testing.T) {
	tests := []struct {
		prop    string
		raw     string
		want    interface{}
		wantErr bool
	}{
		{bus.PropName, "Work VPN", "Work VPN", false},
		{bus.PropAlias, "work", "work", false},
		{bus.PropLockedDown, "true", true, false},
		{bus.PropPublicAccess, "0", false, false},
		{bus.PropPersistTun, "maybe", nil, true},
		{bus.PropOwner, "1000", nil, true},
	}
	for _, tt := range tests {
		got, err := configValue(tt.prop, tt.raw)
		if tt.wantErr {
			assert.ErrorIs(t, err, common.ErrInvalidArgument, tt.prop)
			continue
		}
		require.NoError(t, err, tt.prop)
		assert.Equal(t, tt.want, got, tt.prop)
	}
}

func TestParseUID(t *testing.T) {
	uid, err := parseUID("1000")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), uid)

	for _, bad := range []string{"", "-1", "alice", "4294967296"} {
		_, err := parseUID(bad)
		assert.ErrorIs(t, err, common.ErrInvalidArgument, bad)
	}
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))

	assert.Equal(t, "-", formatUIDs(nil))
	assert.Equal(t, "1000,1001", formatUIDs([]uint32{1000, 1001}))

	assert.Equal(t, "abcdef01", shortPath(common.RootPathSessions+"/abcdef0123456789"))
	assert.Equal(t, "abc", shortPath(sessionPath))

	assert.Equal(t, "1h 2m 3s", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "42s", formatDuration(42*time.Second))

	assert.Equal(t, "1.0 KiB", statValue(sessionmgr.Stat{Name: sessionmgr.StatBytesIn, Value: 1024}))
	assert.Equal(t, "7", statValue(sessionmgr.Stat{Name: sessionmgr.StatPacketsIn, Value: 7}))

	assert.Equal(t, "corp_work.conf", keyringProfile("corp/work.conf"))
	assert.Contains(t, stateText(sessionmgr.StateConnected), sessionmgr.StateConnected.String())
}

func TestCommandTree(t *testing.T) {
	app := NewRootCommand("1.0.0")
	for _, path := range [][]string{
		{"serve"},
		{"config", "import"},
		{"config", "set"},
		{"config", "revoke"},
		{"session", "start"},
		{"session", "pause"},
		{"session", "disconnect"},
		{"session", "log"},
	} {
		cmd, _, err := app.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	cmd, _, err := app.Find([]string{"session", "stop"})
	require.NoError(t, err)
	assert.Equal(t, "disconnect", cmd.Name())
}
