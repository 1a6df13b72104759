// Package sessionmgr implements the session lifecycle manager: VPN
// sessions created from registry profiles, each with its own access
// control list, credential queue and tunnel backend.
//
// Session state moves along
//
//	Initializing -> NotReady <-> Ready -> Connecting -> Connected <-> Paused
//
// and any live state ends in Disconnecting -> Terminated. A terminated
// session is gone from the manager once the calls pinning it return.
package sessionmgr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yllada/vpn-sessiond/acl"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/identity"
	"github.com/yllada/vpn-sessiond/requiresqueue"
)

// Options configures a Manager.
type Options struct {
	// Resolver turns caller tokens into identities. Required.
	Resolver identity.Resolver
	// Configs hands out profiles to new sessions. Required.
	Configs ConfigSource
	// Backends creates the tunnel engine of each session. Required.
	Backends BackendFactory
	// Signals receives status, log and attention events.
	Signals Signaller
	// AllowRootOverride lets uid 0 pass access checks.
	AllowRootOverride bool
	// DefaultLogVerbosity is the log_verbosity of new sessions.
	DefaultLogVerbosity uint32
	// ConnectTimeout bounds a single connect, resume or restart attempt.
	ConnectTimeout time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns every live session.
type Manager struct {
	resolver       identity.Resolver
	configs        ConfigSource
	backends       BackendFactory
	signals        Signaller
	allowRoot      bool
	verbosity      uint32
	connectTimeout time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Resolver == nil || opts.Configs == nil || opts.Backends == nil {
		return nil, fmt.Errorf("%w: session manager needs a resolver, a config source and a backend factory", common.ErrInvalidArgument)
	}
	if err := validVerbosity(opts.DefaultLogVerbosity); err != nil {
		return nil, err
	}
	if opts.Signals == nil {
		opts.Signals = nopSignaller{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = common.ConnectionTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		resolver:       opts.Resolver,
		configs:        opts.Configs,
		backends:       opts.Backends,
		signals:        opts.Signals,
		allowRoot:      opts.AllowRootOverride,
		verbosity:      opts.DefaultLogVerbosity,
		connectTimeout: opts.ConnectTimeout,
		now:            opts.Now,
		sessions:       make(map[string]*Session),
	}, nil
}

// NewTunnel creates a session from the profile at configPath and returns
// its object path. The caller becomes the session owner. Aliases are not
// accepted here.
func (m *Manager) NewTunnel(ctx context.Context, sender, configPath string) (string, error) {
	id, err := identity.Resolve(ctx, m.resolver, sender)
	if err != nil {
		return "", err
	}
	if common.IsAlias(configPath) {
		return "", fmt.Errorf("%w: sessions must be started from a configuration path, not an alias", common.ErrInvalidArgument)
	}

	profile, err := m.configs.Open(ctx, sender, configPath)
	if err != nil {
		return "", err
	}
	started := false
	defer func() { m.configs.Settle(ctx, profile.Path, started) }()

	s := &Session{
		path:           common.ObjectPath(common.RootPathSessions),
		configPath:     profile.Path,
		configName:     profile.Name,
		created:        m.now(),
		queue:          requiresqueue.New(),
		signals:        m.signals,
		allowRoot:      m.allowRoot,
		connectTimeout: m.connectTimeout,
		guard:          acl.New(id.UID),
		state:          StateInitializing,
		verbosity:      m.verbosity,
	}

	info := SessionInfo{
		Path:       s.path,
		ConfigPath: s.configPath,
		ConfigName: s.configName,
		Owner:      id.UID,
		Created:    s.created,
	}
	backend, err := m.backends(info, sessionSink{s: s})
	if err != nil {
		return "", fmt.Errorf("failed to start backend: %w", err)
	}
	s.backend = backend

	if err := backend.Prepare(ctx, profile, s.queue); err != nil {
		if derr := backend.Disconnect(ctx); derr != nil {
			common.LogWith(common.Fields{"session": s.path}).Warnf("Backend cleanup failed: %v", derr)
		}
		s.queue.Reset()
		return "", fmt.Errorf("failed to prepare backend: %w", err)
	}
	started = true

	m.mu.Lock()
	m.sessions[s.path] = s
	m.mu.Unlock()

	s.publish(Status{Major: StatusMajorSession, Minor: StatusMinorSessNew})
	common.LogWith(common.Fields{
		"session": s.path,
		"config":  s.configPath,
		"uid":     id.UID,
	}).Info("Session created")
	return s.path, nil
}

// FetchAvailableSessions lists the sessions the caller may access.
func (m *Manager) FetchAvailableSessions(ctx context.Context, sender string) ([]string, error) {
	return m.filter(ctx, sender, func(*Session) bool { return true })
}

// LookupConfigName lists the accessible sessions started from a profile
// with the given name.
func (m *Manager) LookupConfigName(ctx context.Context, sender, name string) ([]string, error) {
	return m.filter(ctx, sender, func(s *Session) bool { return s.configName == name })
}

func (m *Manager) filter(ctx context.Context, sender string, match func(*Session) bool) ([]string, error) {
	id, err := identity.Resolve(ctx, m.resolver, sender)
	if err != nil {
		return nil, err
	}

	var visible []*Session
	for _, s := range m.snapshot() {
		if !match(s) {
			continue
		}
		if s.read(id, func() {}) == nil {
			visible = append(visible, s)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].created.Equal(visible[j].created) {
			return visible[i].created.Before(visible[j].created)
		}
		return visible[i].path < visible[j].path
	})

	paths := make([]string, len(visible))
	for i, s := range visible {
		paths[i] = s.path
	}
	return paths, nil
}

// Ready reports whether the session can connect. A session still waiting
// for input moves to NotReady and front ends are asked for attention.
func (m *Manager) Ready(ctx context.Context, sender, path string) (Readiness, error) {
	var r Readiness
	err := m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		var err error
		r, err = s.ready(id)
		return err
	})
	return r, err
}

// Connect starts the tunnel of a Ready session and blocks until it is up
// or has failed.
func (m *Manager) Connect(ctx context.Context, sender, path string) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.connect(ctx, id)
	})
}

// Restart reconnects a Connected or Paused session.
func (m *Manager) Restart(ctx context.Context, sender, path string) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.restart(ctx, id)
	})
}

// Pause suspends a Connected session.
func (m *Manager) Pause(ctx context.Context, sender, path, reason string) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.pause(ctx, id, reason)
	})
}

// Resume reconnects a Paused session.
func (m *Manager) Resume(ctx context.Context, sender, path string) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.resume(ctx, id)
	})
}

// Disconnect terminates a session. Only the owner may do so.
func (m *Manager) Disconnect(ctx context.Context, sender, path string) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		if err := s.disconnect(ctx, id); err != nil {
			return err
		}
		m.remove(s)
		return nil
	})
}

// Status returns the last status of the session.
func (m *Manager) Status(ctx context.Context, sender, path string) (Status, error) {
	var st Status
	err := m.read(ctx, sender, path, func(s *Session) { st = s.status })
	return st, err
}

// State returns the lifecycle state of the session.
func (m *Manager) State(ctx context.Context, sender, path string) (State, error) {
	var st State
	err := m.read(ctx, sender, path, func(s *Session) { st = s.state })
	return st, err
}

// LastLogEvent returns the most recent backend log record.
func (m *Manager) LastLogEvent(ctx context.Context, sender, path string) (LogEvent, error) {
	var ev LogEvent
	err := m.read(ctx, sender, path, func(s *Session) { ev = s.lastLog })
	return ev, err
}

// Statistics returns the tunnel counters, refreshed from the backend
// while the tunnel is up.
func (m *Manager) Statistics(ctx context.Context, sender, path string) (Statistics, error) {
	var stats Statistics
	err := m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		var err error
		stats, err = s.statistics(id)
		return err
	})
	return stats, err
}

// Properties returns a snapshot of the session properties.
func (m *Manager) Properties(ctx context.Context, sender, path string) (Properties, error) {
	var (
		p       Properties
		backend Backend
	)
	err := m.read(ctx, sender, path, func(s *Session) {
		p = s.properties()
		backend = s.backend
	})
	if err != nil {
		return Properties{}, err
	}
	p.BackendPID = backend.PID()
	return p, nil
}

// GetOwner returns the uid owning the session.
func (m *Manager) GetOwner(ctx context.Context, sender, path string) (uint32, error) {
	var owner uint32
	err := m.read(ctx, sender, path, func(s *Session) { owner = s.guard.Owner() })
	return owner, err
}

// GetAccessList returns the uids granted access to the session.
func (m *Manager) GetAccessList(ctx context.Context, sender, path string) ([]uint32, error) {
	var list []uint32
	err := m.read(ctx, sender, path, func(s *Session) { list = s.guard.List() })
	return list, err
}

// ReceiveLogEvents reports whether log events of the session are forwarded.
func (m *Manager) ReceiveLogEvents(ctx context.Context, sender, path string) (bool, error) {
	var on bool
	err := m.read(ctx, sender, path, func(s *Session) { on = s.receiveLog })
	return on, err
}

// SetReceiveLogEvents switches log event forwarding.
func (m *Manager) SetReceiveLogEvents(ctx context.Context, sender, path string, on bool) error {
	return m.write(ctx, sender, path, false, func(s *Session) error {
		s.receiveLog = on
		return nil
	})
}

// LogVerbosity returns the verbosity forwarded log events are filtered at.
func (m *Manager) LogVerbosity(ctx context.Context, sender, path string) (uint32, error) {
	var v uint32
	err := m.read(ctx, sender, path, func(s *Session) { v = s.verbosity })
	return v, err
}

// SetLogVerbosity sets the forwarding verbosity, within 0..6.
func (m *Manager) SetLogVerbosity(ctx context.Context, sender, path string, v uint32) error {
	if err := validVerbosity(v); err != nil {
		return err
	}
	return m.write(ctx, sender, path, false, func(s *Session) error {
		s.verbosity = v
		return nil
	})
}

// PublicAccess reports whether every uid may access the session.
func (m *Manager) PublicAccess(ctx context.Context, sender, path string) (bool, error) {
	var public bool
	err := m.read(ctx, sender, path, func(s *Session) { public = s.guard.PublicAccess() })
	return public, err
}

// SetPublicAccess opens or closes the session to every uid. Owner only.
func (m *Manager) SetPublicAccess(ctx context.Context, sender, path string, public bool) error {
	return m.writeOrdered(ctx, sender, path, true, func(s *Session) error {
		s.guard.SetPublicAccess(public)
		return nil
	})
}

// AccessGrant grants uid access to the session. Owner only.
func (m *Manager) AccessGrant(ctx context.Context, sender, path string, uid uint32) error {
	return m.writeOrdered(ctx, sender, path, true, func(s *Session) error {
		return s.guard.Grant(uid)
	})
}

// AccessRevoke revokes a grant. Owner only.
func (m *Manager) AccessRevoke(ctx context.Context, sender, path string, uid uint32) error {
	return m.writeOrdered(ctx, sender, path, true, func(s *Session) error {
		return s.guard.Revoke(uid)
	})
}

// QueueTypeGroups lists the classes of input still outstanding.
func (m *Manager) QueueTypeGroups(ctx context.Context, sender, path string) ([]common.TypeGroup, error) {
	var pending []common.TypeGroup
	err := m.read(ctx, sender, path, func(s *Session) { pending = s.queue.PendingTypeGroups() })
	return pending, err
}

// QueueFetch returns the requests of one type and group. The fetch is
// remembered per caller for QueueCheck.
func (m *Manager) QueueFetch(ctx context.Context, sender, path string, t requiresqueue.Type, g requiresqueue.Group) ([]requiresqueue.Request, error) {
	var reqs []requiresqueue.Request
	err := m.read(ctx, sender, path, func(s *Session) { reqs = s.queue.Fetch(sender, t, g) })
	return reqs, err
}

// QueueCheck reports whether requests were added since the caller last
// fetched.
func (m *Manager) QueueCheck(ctx context.Context, sender, path string) (bool, error) {
	var fresh bool
	err := m.read(ctx, sender, path, func(s *Session) { fresh = s.queue.CheckForNew(sender) })
	return fresh, err
}

// QueueProvide answers the request with the given id.
func (m *Manager) QueueProvide(ctx context.Context, sender, path string, reqID uint32, value string) error {
	return m.writeOrdered(ctx, sender, path, false, func(s *Session) error {
		return s.queue.Provide(reqID, value)
	})
}

// ForgetCaller drops the per-caller queue bookkeeping of every session
// for a bus client that went away.
func (m *Manager) ForgetCaller(sender string) {
	for _, s := range m.snapshot() {
		s.queue.Forget(sender)
	}
}

// RefreshStatistics pulls fresh counters for every session with a live
// tunnel and returns them keyed by session path.
func (m *Manager) RefreshStatistics() map[string]Statistics {
	out := make(map[string]Statistics)
	for _, s := range m.snapshot() {
		s.stateMu.RLock()
		up := s.state.tunnelUp()
		s.stateMu.RUnlock()
		if up {
			out[s.path] = s.refreshStatistics()
		}
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	return len(m.snapshot())
}

// Close tears down every session without access checks.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		s.stateMu.Lock()
		if s.cancelConnect != nil {
			s.cancelConnect()
		}
		s.stateMu.Unlock()

		s.mu.Lock()
		if err := s.backend.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		s.queue.Reset()
		s.stateMu.Lock()
		s.state = StateTerminated
		s.stateMu.Unlock()
		s.mu.Unlock()
	}
	if len(sessions) > 0 {
		common.LogInfo("Closed %d session(s)", len(sessions))
	}
	return firstErr
}

// with resolves the caller and pins the session while fn runs.
func (m *Manager) with(ctx context.Context, sender, path string, fn func(identity.Identity, *Session) error) error {
	id, err := identity.Resolve(ctx, m.resolver, sender)
	if err != nil {
		return err
	}

	s, err := m.acquire(path)
	if err != nil {
		return err
	}
	defer m.release(s)

	return fn(id, s)
}

func (m *Manager) read(ctx context.Context, sender, path string, fn func(*Session)) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.read(id, func() { fn(s) })
	})
}

func (m *Manager) write(ctx context.Context, sender, path string, ownerOnly bool, fn func(*Session) error) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.write(id, ownerOnly, func() error { return fn(s) })
	})
}

func (m *Manager) writeOrdered(ctx context.Context, sender, path string, ownerOnly bool, fn func(*Session) error) error {
	return m.with(ctx, sender, path, func(id identity.Identity, s *Session) error {
		return s.writeOrdered(id, ownerOnly, func() error { return fn(s) })
	})
}

func (m *Manager) acquire(path string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[path]
	if !ok || s.removed {
		return nil, &common.NotFoundError{What: "session", Key: path}
	}
	s.inflight++
	return s, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.inflight--
	if s.removed && s.inflight == 0 && m.sessions[s.path] == s {
		delete(m.sessions, s.path)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	s.removed = true
	m.mu.Unlock()
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.removed {
			out = append(out, s)
		}
	}
	return out
}
