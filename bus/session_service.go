package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

// Session property names.
const (
	PropStatus           = "status"
	PropLastLog          = "last_log"
	PropStatistics       = "statistics"
	PropReceiveLogEvents = "receive_log_events"
	PropLogVerbosity     = "log_verbosity"
	PropSessionState     = "state"
	PropConfigName       = "config_name"
	PropSessionCreated   = "session_created"
	PropBackendPID       = "backend_pid"
)

// Session signal names.
const (
	SignalStatusChange      = common.InterfaceSessions + ".StatusChange"
	SignalLog               = common.InterfaceSessions + ".Log"
	SignalAttentionRequired = common.InterfaceSessions + ".AttentionRequired"
)

// StatusValue is the wire form of a session status, (uus).
type StatusValue struct {
	Major   uint32
	Minor   uint32
	Message string
}

// LogValue is the wire form of a log record, (uus).
type LogValue struct {
	Group    uint32
	Category uint32
	Message  string
}

// TypeGroupValue is one outstanding input class, (uu).
type TypeGroupValue struct {
	Type  uint32
	Group uint32
}

// RequestValue is one queued prompt, (uuussbb).
type RequestValue struct {
	Type        uint32
	Group       uint32
	ID          uint32
	Name        string
	Description string
	HiddenInput bool
	Provided    bool
}

// SessionService exports a session manager on the bus and publishes its
// events as signals. Create the service first and hand it to the manager
// as its Signaller.
type SessionService struct {
	service
	manager *sessionmgr.Manager
}

// NewSessionService prepares the session export. ctx bounds every call
// served and each call gets at most timeout, DefaultCallTimeout when zero.
func NewSessionService(ctx context.Context, conn *dbus.Conn, timeout time.Duration) *SessionService {
	return &SessionService{
		service: newService(ctx, conn, common.InterfaceSessions, timeout),
	}
}

// Export registers the session root and every session below it.
func (s *SessionService) Export(manager *sessionmgr.Manager) error {
	s.manager = manager
	if err := s.export(common.RootPathSessions, &sessionMethods{s}, s, s.introspect); err != nil {
		return fmt.Errorf("failed to export session service: %w", err)
	}
	return nil
}

// Unexport removes the sessions from the bus.
func (s *SessionService) Unexport() {
	s.unexport(common.RootPathSessions)
}

// StatusChange implements sessionmgr.Signaller.
func (s *SessionService) StatusChange(path string, st sessionmgr.Status) {
	s.emit(path, SignalStatusChange, uint32(st.Major), uint32(st.Minor), st.Message)
}

// Log implements sessionmgr.Signaller.
func (s *SessionService) Log(path string, ev sessionmgr.LogEvent) {
	s.emit(path, SignalLog, uint32(ev.Group), uint32(ev.Category), ev.Message)
}

// AttentionRequired implements sessionmgr.Signaller.
func (s *SessionService) AttentionRequired(path string, t requiresqueue.Type, g requiresqueue.Group, message string) {
	s.emit(path, SignalAttentionRequired, uint32(t), uint32(g), message)
}

func (s *SessionService) emit(path, name string, values ...interface{}) {
	if err := s.conn.Emit(dbus.ObjectPath(path), name, values...); err != nil {
		common.LogWith(common.Fields{"path": path, "signal": name}).Debugf("Failed to emit signal: %v", err)
	}
}

func (s *SessionService) getAll(ctx context.Context, sender string, path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	p, err := s.manager.Properties(ctx, sender, string(path))
	if err != nil {
		return nil, err
	}
	stats, err := s.manager.Statistics(ctx, sender, string(path))
	if err != nil {
		return nil, err
	}

	acl := p.ACL
	if acl == nil {
		acl = []uint32{}
	}
	return map[string]dbus.Variant{
		PropStatus:           dbus.MakeVariant(StatusValue{uint32(p.Status.Major), uint32(p.Status.Minor), p.Status.Message}),
		PropLastLog:          dbus.MakeVariant(LogValue{uint32(p.LastLog.Group), uint32(p.LastLog.Category), p.LastLog.Message}),
		PropStatistics:       dbus.MakeVariant(stats.Map()),
		PropReceiveLogEvents: dbus.MakeVariant(p.ReceiveLogEvents),
		PropLogVerbosity:     dbus.MakeVariant(p.LogVerbosity),
		PropPublicAccess:     dbus.MakeVariant(p.PublicAccess),
		PropOwner:            dbus.MakeVariant(p.Owner),
		PropACL:              dbus.MakeVariant(acl),
		PropSessionState:     dbus.MakeVariant(p.State.String()),
		PropConfigPath:       dbus.MakeVariant(dbus.ObjectPath(p.ConfigPath)),
		PropConfigName:       dbus.MakeVariant(p.ConfigName),
		PropSessionCreated:   dbus.MakeVariant(unixTime(p.Created)),
		PropBackendPID:       dbus.MakeVariant(uint32(max(p.BackendPID, 0))),
	}, nil
}

func (s *SessionService) set(ctx context.Context, sender string, path dbus.ObjectPath, name string, value dbus.Variant) error {
	target := string(path)
	switch name {
	case PropReceiveLogEvents, PropPublicAccess:
		v, err := variantBool(value)
		if err != nil {
			return err
		}
		if name == PropPublicAccess {
			return s.manager.SetPublicAccess(ctx, sender, target, v)
		}
		return s.manager.SetReceiveLogEvents(ctx, sender, target, v)
	case PropLogVerbosity:
		v, err := variantUint32(value)
		if err != nil {
			return err
		}
		return s.manager.SetLogVerbosity(ctx, sender, target, v)
	case PropStatus, PropLastLog, PropStatistics, PropOwner, PropACL, PropSessionState,
		PropConfigPath, PropConfigName, PropSessionCreated, PropBackendPID:
		return readOnly(name)
	default:
		return dbus.NewError(errUnknownProperty, []interface{}{"unknown property " + name})
	}
}

func (s *SessionService) introspect(msg dbus.Message) *introspect.Node {
	sender, path := callInfo(msg)
	if string(path) != common.RootPathSessions {
		return node([]introspect.Interface{sessionObjectInterface}, nil)
	}

	ctx, cancel := s.callContext()
	defer cancel()
	var children []string
	if paths, err := s.manager.FetchAvailableSessions(ctx, sender); err == nil {
		for _, p := range paths {
			if id, ok := child(common.RootPathSessions, dbus.ObjectPath(p)); ok {
				children = append(children, id)
			}
		}
	}
	return node([]introspect.Interface{sessionRootInterface}, children)
}

// sessionMethods carries the methods of the sessions interface.
type sessionMethods struct {
	s *SessionService
}

func (m *sessionMethods) root(msg dbus.Message, name string) (string, context.Context, context.CancelFunc, *dbus.Error) {
	sender, path := callInfo(msg)
	if string(path) != common.RootPathSessions {
		return "", nil, nil, unknownMethod(name, path)
	}
	ctx, cancel := m.s.callContext()
	return sender, ctx, cancel, nil
}

// call runs fn for a method on a session object.
func (m *sessionMethods) call(msg dbus.Message, name string, fn func(ctx context.Context, sender, path string) error) *dbus.Error {
	sender, path := callInfo(msg)
	if _, ok := child(common.RootPathSessions, path); !ok {
		return unknownMethod(name, path)
	}
	ctx, cancel := m.s.callContext()
	defer cancel()

	if err := fn(ctx, sender, string(path)); err != nil {
		common.LogWith(common.Fields{"path": path, "sender": sender, "method": name}).Debugf("Call failed: %v", err)
		return ToDBusError(err)
	}
	return nil
}

func (m *sessionMethods) NewTunnel(msg dbus.Message, configPath dbus.ObjectPath) (dbus.ObjectPath, *dbus.Error) {
	sender, ctx, cancel, derr := m.root(msg, "NewTunnel")
	if derr != nil {
		return "", derr
	}
	defer cancel()

	path, err := m.s.manager.NewTunnel(ctx, sender, string(configPath))
	if err != nil {
		return "", ToDBusError(err)
	}
	return dbus.ObjectPath(path), nil
}

func (m *sessionMethods) FetchAvailableSessions(msg dbus.Message) ([]dbus.ObjectPath, *dbus.Error) {
	sender, ctx, cancel, derr := m.root(msg, "FetchAvailableSessions")
	if derr != nil {
		return nil, derr
	}
	defer cancel()

	paths, err := m.s.manager.FetchAvailableSessions(ctx, sender)
	if err != nil {
		return nil, ToDBusError(err)
	}
	return objectPaths(paths), nil
}

func (m *sessionMethods) LookupConfigName(msg dbus.Message, name string) ([]dbus.ObjectPath, *dbus.Error) {
	sender, ctx, cancel, derr := m.root(msg, "LookupConfigName")
	if derr != nil {
		return nil, derr
	}
	defer cancel()

	paths, err := m.s.manager.LookupConfigName(ctx, sender, name)
	if err != nil {
		return nil, ToDBusError(err)
	}
	return objectPaths(paths), nil
}

func (m *sessionMethods) Ready(msg dbus.Message) *dbus.Error {
	return m.call(msg, "Ready", func(ctx context.Context, sender, path string) error {
		r, err := m.s.manager.Ready(ctx, sender, path)
		if err != nil {
			return err
		}
		return r.Err()
	})
}

func (m *sessionMethods) Connect(msg dbus.Message) *dbus.Error {
	return m.call(msg, "Connect", m.s.manager.Connect)
}

func (m *sessionMethods) Restart(msg dbus.Message) *dbus.Error {
	return m.call(msg, "Restart", m.s.manager.Restart)
}

func (m *sessionMethods) Disconnect(msg dbus.Message) *dbus.Error {
	return m.call(msg, "Disconnect", m.s.manager.Disconnect)
}

func (m *sessionMethods) Resume(msg dbus.Message) *dbus.Error {
	return m.call(msg, "Resume", m.s.manager.Resume)
}

func (m *sessionMethods) Pause(msg dbus.Message, reason string) *dbus.Error {
	return m.call(msg, "Pause", func(ctx context.Context, sender, path string) error {
		return m.s.manager.Pause(ctx, sender, path, reason)
	})
}

func (m *sessionMethods) AccessGrant(msg dbus.Message, uid uint32) *dbus.Error {
	return m.call(msg, "AccessGrant", func(ctx context.Context, sender, path string) error {
		return m.s.manager.AccessGrant(ctx, sender, path, uid)
	})
}

func (m *sessionMethods) AccessRevoke(msg dbus.Message, uid uint32) *dbus.Error {
	return m.call(msg, "AccessRevoke", func(ctx context.Context, sender, path string) error {
		return m.s.manager.AccessRevoke(ctx, sender, path, uid)
	})
}

func (m *sessionMethods) UserInputQueueGetTypeGroup(msg dbus.Message) ([]TypeGroupValue, *dbus.Error) {
	var out []TypeGroupValue
	derr := m.call(msg, "UserInputQueueGetTypeGroup", func(ctx context.Context, sender, path string) error {
		groups, err := m.s.manager.QueueTypeGroups(ctx, sender, path)
		if err != nil {
			return err
		}
		out = make([]TypeGroupValue, len(groups))
		for i, tg := range groups {
			out[i] = TypeGroupValue{tg.Type, tg.Group}
		}
		return nil
	})
	return out, derr
}

func (m *sessionMethods) UserInputQueueFetch(msg dbus.Message, t, g uint32) ([]RequestValue, *dbus.Error) {
	var out []RequestValue
	derr := m.call(msg, "UserInputQueueFetch", func(ctx context.Context, sender, path string) error {
		reqs, err := m.s.manager.QueueFetch(ctx, sender, path, requiresqueue.TypeFromWire(t), requiresqueue.GroupFromWire(g))
		if err != nil {
			return err
		}
		out = make([]RequestValue, len(reqs))
		for i, r := range reqs {
			out[i] = RequestValue{
				Type:        uint32(r.Type),
				Group:       uint32(r.Group),
				ID:          r.ID,
				Name:        r.Name,
				Description: r.Description,
				HiddenInput: r.HiddenInput,
				Provided:    r.Provided,
			}
		}
		return nil
	})
	return out, derr
}

func (m *sessionMethods) UserInputQueueCheck(msg dbus.Message) (bool, *dbus.Error) {
	var changed bool
	derr := m.call(msg, "UserInputQueueCheck", func(ctx context.Context, sender, path string) error {
		var err error
		changed, err = m.s.manager.QueueCheck(ctx, sender, path)
		return err
	})
	return changed, derr
}

// UserInputProvide answers request id. Type and group are part of the wire
// signature only; the id alone selects the request.
func (m *sessionMethods) UserInputProvide(msg dbus.Message, t, g, id uint32, value string) *dbus.Error {
	return m.call(msg, "UserInputProvide", func(ctx context.Context, sender, path string) error {
		return m.s.manager.QueueProvide(ctx, sender, path, id, value)
	})
}

var sessionRootInterface = introspect.Interface{
	Name: common.InterfaceSessions,
	Methods: []introspect.Method{
		method("NewTunnel", argIn("config_path", "o"), argOut("session_path", "o")),
		method("FetchAvailableSessions", argOut("paths", "ao")),
		method("LookupConfigName", argIn("config_name", "s"), argOut("session_paths", "ao")),
	},
}

var sessionObjectInterface = introspect.Interface{
	Name: common.InterfaceSessions,
	Methods: []introspect.Method{
		method("Ready"),
		method("Connect"),
		method("Restart"),
		method("Disconnect"),
		method("Pause", argIn("reason", "s")),
		method("Resume"),
		method("AccessGrant", argIn("uid", "u")),
		method("AccessRevoke", argIn("uid", "u")),
		method("UserInputQueueGetTypeGroup", argOut("type_groups", "a(uu)")),
		method("UserInputQueueFetch", argIn("type", "u"), argIn("group", "u"), argOut("requests", "a(uuussbb)")),
		method("UserInputQueueCheck", argOut("changed", "b")),
		method("UserInputProvide", argIn("type", "u"), argIn("group", "u"), argIn("id", "u"), argIn("value", "s")),
	},
	Signals: []introspect.Signal{
		{Name: "StatusChange", Args: []introspect.Arg{{Name: "major", Type: "u"}, {Name: "minor", Type: "u"}, {Name: "message", Type: "s"}}},
		{Name: "Log", Args: []introspect.Arg{{Name: "group", Type: "u"}, {Name: "category", Type: "u"}, {Name: "message", Type: "s"}}},
		{Name: "AttentionRequired", Args: []introspect.Arg{{Name: "type", Type: "u"}, {Name: "group", Type: "u"}, {Name: "message", Type: "s"}}},
	},
	Properties: []introspect.Property{
		property(PropStatus, "(uus)", false),
		property(PropLastLog, "(uus)", false),
		property(PropStatistics, "a{sx}", false),
		property(PropReceiveLogEvents, "b", true),
		property(PropLogVerbosity, "u", true),
		property(PropPublicAccess, "b", true),
		property(PropOwner, "u", false),
		property(PropACL, "au", false),
		property(PropSessionState, "s", false),
		property(PropConfigPath, "o", false),
		property(PropConfigName, "s", false),
		property(PropSessionCreated, "t", false),
		property(PropBackendPID, "u", false),
	},
}
