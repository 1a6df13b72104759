package keyring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"

	"github.com/yllada/vpn-sessiond/requiresqueue"
)

var userKey = Key{Profile: "work", Group: requiresqueue.GroupUserPassword, Name: "username"}

func openFileStore(t *testing.T, dir string, machine string) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir, ForceFile: true, MachineSecret: []byte(machine)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "work/user-password/username", userKey.String())
	assert.True(t, userKey.valid())
	assert.False(t, Key{Profile: "a/b", Group: requiresqueue.GroupUserPassword, Name: "x"}.valid())
	assert.False(t, Key{Profile: "work", Name: "x"}.valid())
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, "machine-a")
	assert.False(t, s.UsingSystem())

	_, err := s.Get(userKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(userKey, "alice"))
	value, err := s.Get(userKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", value)
	assert.True(t, s.Exists(userKey))

	info, err := os.Stat(filepath.Join(dir, fileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "alice")

	reopened := openFileStore(t, dir, "machine-a")
	value, err = reopened.Get(userKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", value)

	_, err = Open(Options{Dir: dir, ForceFile: true, MachineSecret: []byte("machine-b")})
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, s.Delete(userKey))
	require.NoError(t, s.Delete(userKey))
	assert.False(t, s.Exists(userKey))
}

func TestFileStore_Tampered(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, "machine-a")
	require.NoError(t, s.Set(userKey, "alice"))

	path := filepath.Join(dir, fileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = Open(Options{Dir: dir, ForceFile: true, MachineSecret: []byte("machine-a")})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestForgetProfile(t *testing.T) {
	s := openFileStore(t, t.TempDir(), "machine-a")
	pass := Key{Profile: "work", Group: requiresqueue.GroupUserPassword, Name: "password"}
	other := Key{Profile: "home", Group: requiresqueue.GroupUserPassword, Name: "username"}

	require.NoError(t, s.Set(userKey, "alice"))
	require.NoError(t, s.Set(pass, "s3cret"))
	require.NoError(t, s.Set(other, "bob"))

	require.NoError(t, s.ForgetProfile("work", nil))
	assert.False(t, s.Exists(userKey))
	assert.False(t, s.Exists(pass))
	assert.True(t, s.Exists(other))
}

func TestSystemStore(t *testing.T) {
	gokeyring.MockInit()

	s, err := Open(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.UsingSystem())

	require.NoError(t, s.Set(userKey, "alice"))
	value, err := s.Get(userKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", value)

	require.NoError(t, s.ForgetProfile("work", []string{"username", "password"}))
	_, err = s.Get(userKey)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(userKey))
}

func TestInvalidInput(t *testing.T) {
	s := openFileStore(t, t.TempDir(), "machine-a")
	assert.ErrorIs(t, s.Set(Key{}, "x"), ErrInvalidKey)
	assert.Error(t, s.Set(userKey, ""))
	_, err := s.Get(Key{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}
