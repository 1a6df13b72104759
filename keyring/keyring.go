// Package keyring remembers credential answers for front ends.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	gokeyring "github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/secret"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = common.AppName

	fileName    = ".credentials"
	fileVersion = byte(0x01)
)

var hkdfInfo = []byte("vpn-sessiond.keyring.file.v1")

// Common errors returned by keyring operations.
var (
	ErrNotFound    = errors.New("credential not found")
	ErrInvalidKey  = errors.New("invalid credential key")
	ErrUnavailable = errors.New("keyring service unavailable")
	ErrCorrupt     = errors.New("credential file corrupt or from another machine")
)

// Key names one remembered answer: the profile it belongs to, the
// request group and the request name.
type Key struct {
	Profile string
	Group   requiresqueue.Group
	Name    string
}

func (k Key) String() string {
	return k.Profile + "/" + k.Group.String() + "/" + k.Name
}

func (k Key) valid() bool {
	return k.Profile != "" && k.Name != "" && k.Group != requiresqueue.GroupUnset &&
		!strings.Contains(k.Profile, "/")
}

// Options configures a Store.
type Options struct {
	// Dir holds the fallback credential file. Defaults to the per-user
	// configuration directory.
	Dir string
	// ForceFile skips the system keyring.
	ForceFile bool
	// MachineSecret overrides the machine data the file key is derived from.
	MachineSecret []byte
}

// Store keeps remembered answers.
type Store struct {
	system bool

	mu    sync.Mutex
	path  string
	key   *secret.Value
	cache map[string]string
}

// Open probes the system keyring and falls back to the encrypted file.
func Open(opts Options) (*Store, error) {
	if !opts.ForceFile && probeSystem() {
		return &Store{system: true}, nil
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = common.GetConfigDir(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	machine := opts.MachineSecret
	if machine == nil {
		machine = machineData()
	}
	key, err := deriveKey(machine)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:  filepath.Join(dir, fileName),
		key:   key,
		cache: make(map[string]string),
	}
	if err := s.load(); err != nil {
		key.Close()
		return nil, err
	}
	common.LogDebug("Using encrypted credential file %s", s.path)
	return s, nil
}

func probeSystem() bool {
	testKey := serviceName + "-probe"
	if err := gokeyring.Set(serviceName, testKey, "probe"); err != nil {
		return false
	}
	_ = gokeyring.Delete(serviceName, testKey)
	return true
}

// UsingSystem reports whether answers go to the system keyring.
func (s *Store) UsingSystem() bool {
	return s.system
}

// Close releases the file key.
func (s *Store) Close() error {
	if s.key != nil {
		return s.key.Close()
	}
	return nil
}

// Set remembers an answer.
func (s *Store) Set(k Key, value string) error {
	if !k.valid() {
		return ErrInvalidKey
	}
	if value == "" {
		return errors.New("value cannot be empty")
	}

	if s.system {
		return gokeyring.Set(serviceName, k.String(), value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[k.String()] = value
	return s.save()
}

// Get returns a remembered answer.
func (s *Store) Get(k Key) (string, error) {
	if !k.valid() {
		return "", ErrInvalidKey
	}

	if s.system {
		value, err := gokeyring.Get(serviceName, k.String())
		if errors.Is(err, gokeyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return value, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.cache[k.String()]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Delete forgets an answer. Deleting an absent answer is not an error.
func (s *Store) Delete(k Key) error {
	if !k.valid() {
		return ErrInvalidKey
	}

	if s.system {
		err := gokeyring.Delete(serviceName, k.String())
		if errors.Is(err, gokeyring.ErrNotFound) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[k.String()]; !ok {
		return nil
	}
	delete(s.cache, k.String())
	return s.save()
}

// Exists checks if an answer is remembered.
func (s *Store) Exists(k Key) bool {
	_, err := s.Get(k)
	return err == nil
}

// ForgetProfile drops every answer of a profile kept in the file. The
// system keyring cannot be enumerated, so there the known request names
// of every group are tried.
func (s *Store) ForgetProfile(profile string, names []string) error {
	if profile == "" {
		return ErrInvalidKey
	}

	if s.system {
		var firstErr error
		for g := requiresqueue.GroupUserPassword; g <= requiresqueue.GroupOpenURL; g++ {
			for _, name := range names {
				if err := s.Delete(Key{Profile: profile, Group: g, Name: name}); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := profile + "/"
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
	return s.save()
}

func machineData() []byte {
	hostname, _ := os.Hostname()
	id := "default-machine-id"
	if data, err := os.ReadFile("/etc/machine-id"); err == nil {
		id = strings.TrimSpace(string(data))
	}
	return []byte(fmt.Sprintf("%s-%s-%s-%d", common.AppName, hostname, id, os.Getuid()))
}

func deriveKey(machine []byte) (*secret.Value, error) {
	sum := sha256.Sum256(machine)
	reader := hkdf.New(sha256.New, sum[:], nil, hkdfInfo)
	buf := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("failed to derive file key: %w", err)
	}
	return secret.FromBytes(buf)
}

// load must be called before the Store is shared.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	plain, err := s.decrypt(data)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(plain, &s.cache); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// save must be called with mu held.
func (s *Store) save() error {
	plain, err := cbor.Marshal(s.cache)
	if err != nil {
		return err
	}
	data, err := s.encrypt(plain)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// encrypt produces version || nonce || ciphertext, with the version byte
// authenticated as additional data.
func (s *Store) encrypt(plain []byte) ([]byte, error) {
	var out []byte
	err := s.key.WithBytes(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		nonce := make([]byte, chacha20poly1305.NonceSizeX)
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		out = make([]byte, 0, 1+len(nonce)+len(plain)+aead.Overhead())
		out = append(out, fileVersion)
		out = append(out, nonce...)
		out = aead.Seal(out, nonce, plain, []byte{fileVersion})
		return nil
	})
	return out, err
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	if len(data) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || data[0] != fileVersion {
		return nil, ErrCorrupt
	}
	nonce := data[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := data[1+chacha20poly1305.NonceSizeX:]

	var plain []byte
	err := s.key.WithBytes(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		plain, err = aead.Open(nil, nonce, ciphertext, data[:1])
		if err != nil {
			return ErrCorrupt
		}
		return nil
	})
	return plain, err
}
