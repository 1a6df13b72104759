package sessionmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/vpn-sessiond/acl"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/identity"
	"github.com/yllada/vpn-sessiond/requiresqueue"
)

// Readiness is the outcome of a readiness query. A session that is not
// ready lists the classes of input still outstanding.
type Readiness struct {
	Ready   bool
	Pending []common.TypeGroup
}

// Err converts a negative outcome into a *common.NotReadyError for
// transports that can only signal it as an error.
func (r Readiness) Err() error {
	if r.Ready {
		return nil
	}
	return &common.NotReadyError{Pending: r.Pending}
}

// Properties is a snapshot of the readable session properties.
type Properties struct {
	Path             string
	ConfigPath       string
	ConfigName       string
	Owner            uint32
	ACL              []uint32
	PublicAccess     bool
	ReceiveLogEvents bool
	LogVerbosity     uint32
	Created          time.Time
	BackendPID       int
	State            State
	Status           Status
	LastLog          LogEvent
}

// Session is one VPN tunnel and its state machine.
//
// mu serializes transitions and is held across backend calls. stateMu
// guards the fields below it and is never held across a backend call, so
// status and log reads stay responsive while a transition is running.
// Access checks are made under stateMu in the same critical section as
// the change they authorize.
type Session struct {
	path           string
	configPath     string
	configName     string
	created        time.Time
	queue          *requiresqueue.Queue
	backend        Backend
	signals        Signaller
	allowRoot      bool
	connectTimeout time.Duration

	mu sync.Mutex

	stateMu       sync.RWMutex
	guard         *acl.Guard
	state         State
	status        Status
	lastLog       LogEvent
	stats         Statistics
	receiveLog    bool
	verbosity     uint32
	pauseReason   string
	cancelConnect context.CancelFunc

	// Guarded by Manager.mu.
	inflight int
	removed  bool
}

// Path returns the object path of the session.
func (s *Session) Path() string {
	return s.path
}

func (s *Session) stateError(op string) error {
	return &common.StateError{Op: op, State: s.state.String()}
}

// ready answers a readiness query. Must not be called with stateMu held.
func (s *Session) ready(id identity.Identity) (Readiness, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if err := s.guard.CheckAccess(id, s.allowRoot); err != nil {
		s.stateMu.Unlock()
		return Readiness{}, err
	}

	pending := s.queue.PendingTypeGroups()
	r := Readiness{Ready: len(pending) == 0, Pending: pending}
	switch s.state {
	case StateInitializing, StateNotReady, StateReady:
		if r.Ready {
			s.state = StateReady
		} else {
			s.state = StateNotReady
		}
	case StateConnected, StatePaused:
	default:
		err := s.stateError("Ready")
		s.stateMu.Unlock()
		return Readiness{}, err
	}
	s.stateMu.Unlock()

	if !r.Ready {
		s.requestAttention(pending)
	}
	return r, nil
}

func (s *Session) connect(ctx context.Context, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if err := s.guard.CheckAccess(id, s.allowRoot); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if s.state != StateReady {
		err := s.stateError("Connect")
		s.stateMu.Unlock()
		return err
	}
	if pending := s.queue.PendingTypeGroups(); len(pending) > 0 {
		s.state = StateNotReady
		s.stateMu.Unlock()
		s.requestAttention(pending)
		return &common.NotReadyError{Pending: pending}
	}

	s.state = StateConnecting
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	s.cancelConnect = cancel
	s.stateMu.Unlock()
	defer cancel()

	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnConnecting})
	return s.finishConnect("Connect", s.backend.Connect(cctx, s.queue))
}

// finishConnect settles the state after a backend connect attempt.
// Must be called with mu held.
func (s *Session) finishConnect(op string, err error) error {
	s.stateMu.Lock()
	s.cancelConnect = nil
	if err == nil {
		s.state = StateConnected
		s.stateMu.Unlock()
		s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnConnected})
		common.LogWith(common.Fields{"session": s.path}).Info("Tunnel connected")
		return nil
	}

	s.state = StateNotReady
	pending := s.queue.PendingTypeGroups()
	s.stateMu.Unlock()

	common.LogWith(common.Fields{"session": s.path}).Warnf("%s failed: %v", op, err)
	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnFailed, Message: err.Error()})

	if len(pending) > 0 {
		s.requestAttention(pending)
		return &common.NotReadyError{Pending: pending, Message: err.Error()}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

func (s *Session) pause(ctx context.Context, id identity.Identity, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if err := s.guard.CheckAccess(id, s.allowRoot); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if s.state != StateConnected {
		err := s.stateError("Pause")
		s.stateMu.Unlock()
		return err
	}
	s.stateMu.Unlock()

	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnPausing, Message: reason})
	if err := s.backend.Pause(ctx, reason); err != nil {
		return fmt.Errorf("pause failed: %w", err)
	}

	s.stateMu.Lock()
	s.state = StatePaused
	s.pauseReason = reason
	s.stateMu.Unlock()

	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnPaused, Message: reason})
	common.LogWith(common.Fields{"session": s.path, "reason": reason}).Info("Tunnel paused")
	return nil
}

func (s *Session) resume(ctx context.Context, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if err := s.guard.CheckAccess(id, s.allowRoot); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if s.state != StatePaused {
		err := s.stateError("Resume")
		s.stateMu.Unlock()
		return err
	}
	s.state = StateConnecting
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	s.cancelConnect = cancel
	s.stateMu.Unlock()
	defer cancel()

	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnResuming})
	err := s.finishConnect("Resume", s.backend.Resume(cctx))
	if err == nil {
		s.stateMu.Lock()
		s.pauseReason = ""
		s.stateMu.Unlock()
	}
	return err
}

func (s *Session) restart(ctx context.Context, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if err := s.guard.CheckAccess(id, s.allowRoot); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if !s.state.tunnelUp() {
		err := s.stateError("Restart")
		s.stateMu.Unlock()
		return err
	}
	s.state = StateConnecting
	cctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	s.cancelConnect = cancel
	s.pauseReason = ""
	s.stateMu.Unlock()
	defer cancel()

	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnReconnecting})
	if err := s.backend.Pause(cctx, "restart"); err != nil {
		return s.finishConnect("Restart", err)
	}
	return s.finishConnect("Restart", s.backend.Resume(cctx))
}

// disconnect tears the session down. A running connect attempt is
// cancelled first so the caller does not wait for it to time out.
func (s *Session) disconnect(ctx context.Context, id identity.Identity) error {
	s.stateMu.Lock()
	if err := s.guard.CheckOwnerAccess(id, s.allowRoot); err != nil {
		s.stateMu.Unlock()
		return err
	}
	if s.state.Terminal() {
		err := s.stateError("Disconnect")
		s.stateMu.Unlock()
		return err
	}
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	s.stateMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	if s.state.Terminal() {
		err := s.stateError("Disconnect")
		s.stateMu.Unlock()
		return err
	}
	s.state = StateDisconnecting
	s.stateMu.Unlock()

	s.publish(Status{Major: StatusMajorConnection, Minor: StatusMinorConnDisconnecting})
	if err := s.backend.Disconnect(ctx); err != nil {
		common.LogWith(common.Fields{"session": s.path}).Warnf("Backend disconnect failed: %v", err)
	}
	s.queue.Reset()

	s.stateMu.Lock()
	s.state = StateTerminated
	s.stateMu.Unlock()

	s.publish(Status{Major: StatusMajorSession, Minor: StatusMinorSessRemoved})
	common.LogWith(common.Fields{"session": s.path, "uid": id.UID}).Info("Session terminated")
	return nil
}

// read runs fn under the read lock after an access check.
func (s *Session) read(id identity.Identity, fn func()) error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if err := s.guard.CheckAccess(id, s.allowRoot); err != nil {
		return err
	}
	fn()
	return nil
}

// writeOrdered is write for changes that must not land while a
// transition is running, such as ACL edits and queue answers. A grant
// revoked during a connect takes effect once the connect has settled.
func (s *Session) writeOrdered(id identity.Identity, ownerOnly bool, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(id, ownerOnly, fn)
}

// write runs fn under the write lock after an access check.
func (s *Session) write(id identity.Identity, ownerOnly bool, fn func() error) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	var err error
	if ownerOnly {
		err = s.guard.CheckOwnerAccess(id, s.allowRoot)
	} else {
		err = s.guard.CheckAccess(id, s.allowRoot)
	}
	if err != nil {
		return err
	}
	if s.state.Terminal() {
		return s.stateError("modify")
	}
	return fn()
}

func (s *Session) statistics(id identity.Identity) (Statistics, error) {
	var (
		up    bool
		stats Statistics
	)
	err := s.read(id, func() {
		up = s.state.tunnelUp()
		stats = s.stats
	})
	if err != nil {
		return nil, err
	}
	if up {
		stats = s.refreshStatistics()
	}
	return stats, nil
}

// refreshStatistics asks the backend for fresh counters while the tunnel
// is up and returns the latest snapshot.
func (s *Session) refreshStatistics() Statistics {
	s.stateMu.RLock()
	up := s.state.tunnelUp()
	s.stateMu.RUnlock()
	if !up {
		s.stateMu.RLock()
		defer s.stateMu.RUnlock()
		return s.stats
	}

	fresh := s.backend.Statistics()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if fresh != nil {
		s.stats = fresh
	}
	return s.stats
}

// properties must be called with stateMu held. BackendPID is left for the
// caller to fill in outside the lock.
func (s *Session) properties() Properties {
	return Properties{
		Path:             s.path,
		ConfigPath:       s.configPath,
		ConfigName:       s.configName,
		Owner:            s.guard.Owner(),
		ACL:              s.guard.List(),
		PublicAccess:     s.guard.PublicAccess(),
		ReceiveLogEvents: s.receiveLog,
		LogVerbosity:     s.verbosity,
		Created:          s.created,
		State:            s.state,
		Status:           s.status,
		LastLog:          s.lastLog,
	}
}

// publish records a status and signals it.
func (s *Session) publish(st Status) {
	s.stateMu.Lock()
	s.status = st
	s.stateMu.Unlock()
	s.signals.StatusChange(s.path, st)
}

func (s *Session) requestAttention(pending []common.TypeGroup) {
	for _, tg := range pending {
		t := requiresqueue.TypeFromWire(tg.Type)
		g := requiresqueue.GroupFromWire(tg.Group)
		s.signals.AttentionRequired(s.path, t, g, fmt.Sprintf("%s input required", g))
	}
}

// sessionSink is the EventSink handed to the backend of a session.
type sessionSink struct {
	s *Session
}

// StatusChange records a backend status. A tunnel that drops while
// connected leaves the session NotReady.
func (k sessionSink) StatusChange(st Status) {
	s := k.s
	s.stateMu.Lock()
	s.status = st
	if s.state == StateConnected && st.Major == StatusMajorConnection {
		switch st.Minor {
		case StatusMinorConnFailed, StatusMinorConnAuthFailed, StatusMinorConnDisconnected:
			s.state = StateNotReady
		}
	}
	if s.state == StateConnected && st.Major == StatusMajorProcess {
		switch st.Minor {
		case StatusMinorProcStopped, StatusMinorProcKilled:
			s.state = StateNotReady
		}
	}
	s.stateMu.Unlock()
	s.signals.StatusChange(s.path, st)
}

// Log records a backend log record and forwards it when the session
// subscribed to log events at a sufficient verbosity.
func (k sessionSink) Log(ev LogEvent) {
	s := k.s
	s.stateMu.Lock()
	s.lastLog = ev
	forward := s.receiveLog && ev.Category.Visible(s.verbosity)
	s.stateMu.Unlock()

	common.LogWith(common.Fields{"session": s.path, "group": ev.Group.String()}).Debug(ev.Message)
	if forward {
		s.signals.Log(s.path, ev)
	}
}

// RequireInput adds a request to the session queue and asks front ends
// for attention.
func (k sessionSink) RequireInput(t requiresqueue.Type, g requiresqueue.Group, name, description string, hidden bool) uint32 {
	id := k.s.queue.RequireAdd(t, g, name, description, hidden)
	k.s.signals.AttentionRequired(k.s.path, t, g, description)
	return id
}

// ClearInput drops a class of requests from the session queue.
func (k sessionSink) ClearInput(t requiresqueue.Type, g requiresqueue.Group) {
	k.s.queue.ClearGroup(t, g)
}
