package bus

import (
	"context"
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/configmgr"
	"github.com/yllada/vpn-sessiond/requiresqueue"
	"github.com/yllada/vpn-sessiond/sessionmgr"
)

const (
	methodPropertiesGet    = common.InterfaceProperties + ".Get"
	methodPropertiesGetAll = common.InterfaceProperties + ".GetAll"
	methodPropertiesSet    = common.InterfaceProperties + ".Set"
)

// remote is a client for one service.
type remote struct {
	conn  *dbus.Conn
	dest  string
	iface string
}

func (r remote) call(ctx context.Context, path, method string, out []interface{}, args ...interface{}) error {
	return r.invoke(ctx, path, r.iface+"."+method, out, args...)
}

func (r remote) get(ctx context.Context, path, name string, out interface{}) error {
	var v dbus.Variant
	if err := r.invoke(ctx, path, methodPropertiesGet, []interface{}{&v}, r.iface, name); err != nil {
		return err
	}
	if err := v.Store(out); err != nil {
		return &common.TransportError{Op: "get " + name, Err: err}
	}
	return nil
}

func (r remote) getAll(ctx context.Context, path string) (map[string]dbus.Variant, error) {
	var all map[string]dbus.Variant
	if err := r.invoke(ctx, path, methodPropertiesGetAll, []interface{}{&all}, r.iface); err != nil {
		return nil, err
	}
	return all, nil
}

func (r remote) set(ctx context.Context, path, name string, value interface{}) error {
	return r.invoke(ctx, path, methodPropertiesSet, nil, r.iface, name, dbus.MakeVariant(value))
}

func (r remote) invoke(ctx context.Context, path, member string, out []interface{}, args ...interface{}) error {
	obj := r.conn.Object(r.dest, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, member, 0, args...)
	if call.Err != nil {
		return FromDBusError(member, call.Err)
	}
	if len(out) == 0 {
		return nil
	}
	if err := call.Store(out...); err != nil {
		return &common.TransportError{Op: member, Err: err}
	}
	return nil
}

func stringPaths(paths []dbus.ObjectPath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = string(p)
	}
	return out
}

// ConfigurationProxy calls the configuration service.
type ConfigurationProxy struct {
	remote
}

// NewConfigurationProxy returns a client for the configuration service
// reachable over conn.
func NewConfigurationProxy(conn *dbus.Conn) *ConfigurationProxy {
	return &ConfigurationProxy{remote{conn: conn, dest: common.BusNameConfiguration, iface: common.InterfaceConfiguration}}
}

// Import uploads a profile and returns its path.
func (p *ConfigurationProxy) Import(ctx context.Context, name, blob string, singleUse, persistent bool) (string, error) {
	var path dbus.ObjectPath
	err := p.call(ctx, common.RootPathConfiguration, "Import", []interface{}{&path}, name, blob, singleUse, persistent)
	return string(path), err
}

// FetchAvailableConfigs lists the profiles the caller may access.
func (p *ConfigurationProxy) FetchAvailableConfigs(ctx context.Context) ([]string, error) {
	var paths []dbus.ObjectPath
	err := p.call(ctx, common.RootPathConfiguration, "FetchAvailableConfigs", []interface{}{&paths})
	return stringPaths(paths), err
}

// LookupConfigName lists the accessible profiles carrying name.
func (p *ConfigurationProxy) LookupConfigName(ctx context.Context, name string) ([]string, error) {
	var paths []dbus.ObjectPath
	err := p.call(ctx, common.RootPathConfiguration, "LookupConfigName", []interface{}{&paths}, name)
	return stringPaths(paths), err
}

// ResolvePath turns an alias into the profile path it points to. Object
// paths are returned unchanged.
func (p *ConfigurationProxy) ResolvePath(ctx context.Context, target string) (string, error) {
	if !common.IsAlias(target) {
		return target, nil
	}
	if !common.ValidAlias(target) {
		return "", &common.NotFoundError{What: "alias", Key: target}
	}
	var path dbus.ObjectPath
	if err := p.get(ctx, common.AliasPathConfiguration+"/"+target, PropConfigPath, &path); err != nil {
		return "", err
	}
	return string(path), nil
}

// Fetch returns the profile text.
func (p *ConfigurationProxy) Fetch(ctx context.Context, path string) (string, error) {
	var blob string
	err := p.call(ctx, path, "Fetch", []interface{}{&blob})
	return blob, err
}

// FetchJSON returns the parsed profile as JSON.
func (p *ConfigurationProxy) FetchJSON(ctx context.Context, path string) (string, error) {
	var doc string
	err := p.call(ctx, path, "FetchJSON", []interface{}{&doc})
	return doc, err
}

// Remove deletes the profile.
func (p *ConfigurationProxy) Remove(ctx context.Context, path string) error {
	return p.call(ctx, path, "Remove", nil)
}

// Seal freezes the profile.
func (p *ConfigurationProxy) Seal(ctx context.Context, path string) error {
	return p.call(ctx, path, "Seal", nil)
}

// AccessGrant adds uid to the profile ACL.
func (p *ConfigurationProxy) AccessGrant(ctx context.Context, path string, uid uint32) error {
	return p.call(ctx, path, "AccessGrant", nil, uid)
}

// AccessRevoke removes uid from the profile ACL.
func (p *ConfigurationProxy) AccessRevoke(ctx context.Context, path string, uid uint32) error {
	return p.call(ctx, path, "AccessRevoke", nil, uid)
}

// SetProperty changes one writable profile property.
func (p *ConfigurationProxy) SetProperty(ctx context.Context, path, name string, value interface{}) error {
	return p.set(ctx, path, name, value)
}

// Properties reads every profile property.
func (p *ConfigurationProxy) Properties(ctx context.Context, path string) (configmgr.Properties, error) {
	all, err := p.getAll(ctx, path)
	if err != nil {
		return configmgr.Properties{}, err
	}

	props := configmgr.Properties{Path: path}
	var imported, lastUsed uint64
	err = storeProperties(all, map[string]interface{}{
		PropName:              &props.Name,
		PropAlias:             &props.Alias,
		PropOwner:             &props.Owner,
		PropACL:               &props.ACL,
		PropPublicAccess:      &props.PublicAccess,
		PropLockedDown:        &props.LockedDown,
		PropPersistTun:        &props.PersistTun,
		PropSealed:            &props.Sealed,
		PropSingleUse:         &props.SingleUse,
		PropPersistent:        &props.Persistent,
		PropImportTimestamp:   &imported,
		PropLastUsedTimestamp: &lastUsed,
		PropUsedCount:         &props.UsedCount,
	})
	props.ImportedAt = fromUnix(imported)
	props.LastUsedAt = fromUnix(lastUsed)
	return props, err
}

// SessionProxy calls the session service.
type SessionProxy struct {
	remote
}

// NewSessionProxy returns a client for the session service reachable
// over conn.
func NewSessionProxy(conn *dbus.Conn) *SessionProxy {
	return &SessionProxy{remote{conn: conn, dest: common.BusNameSessions, iface: common.InterfaceSessions}}
}

// NewTunnel creates a session for the profile at configPath.
func (p *SessionProxy) NewTunnel(ctx context.Context, configPath string) (string, error) {
	var path dbus.ObjectPath
	err := p.call(ctx, common.RootPathSessions, "NewTunnel", []interface{}{&path}, dbus.ObjectPath(configPath))
	return string(path), err
}

// FetchAvailableSessions lists the sessions the caller may access.
func (p *SessionProxy) FetchAvailableSessions(ctx context.Context) ([]string, error) {
	var paths []dbus.ObjectPath
	err := p.call(ctx, common.RootPathSessions, "FetchAvailableSessions", []interface{}{&paths})
	return stringPaths(paths), err
}

// LookupConfigName lists the accessible sessions started from profiles
// named name.
func (p *SessionProxy) LookupConfigName(ctx context.Context, name string) ([]string, error) {
	var paths []dbus.ObjectPath
	err := p.call(ctx, common.RootPathSessions, "LookupConfigName", []interface{}{&paths}, name)
	return stringPaths(paths), err
}

// Ready asks whether the session can connect. A session that needs more
// input is reported through the Readiness, not as an error.
func (p *SessionProxy) Ready(ctx context.Context, path string) (sessionmgr.Readiness, error) {
	err := p.call(ctx, path, "Ready", nil)
	if err == nil {
		return sessionmgr.Readiness{Ready: true}, nil
	}
	if common.Kind(err) != common.KindNotReady {
		return sessionmgr.Readiness{}, err
	}

	pending, err := p.QueueTypeGroups(ctx, path)
	if err != nil {
		return sessionmgr.Readiness{}, err
	}
	return sessionmgr.Readiness{Pending: pending}, nil
}

// Connect starts the tunnel.
func (p *SessionProxy) Connect(ctx context.Context, path string) error {
	return p.call(ctx, path, "Connect", nil)
}

// Restart reconnects the tunnel.
func (p *SessionProxy) Restart(ctx context.Context, path string) error {
	return p.call(ctx, path, "Restart", nil)
}

// Disconnect tears the session down.
func (p *SessionProxy) Disconnect(ctx context.Context, path string) error {
	return p.call(ctx, path, "Disconnect", nil)
}

// Pause suspends the tunnel.
func (p *SessionProxy) Pause(ctx context.Context, path, reason string) error {
	return p.call(ctx, path, "Pause", nil, reason)
}

// Resume continues a paused tunnel.
func (p *SessionProxy) Resume(ctx context.Context, path string) error {
	return p.call(ctx, path, "Resume", nil)
}

// AccessGrant adds uid to the session ACL.
func (p *SessionProxy) AccessGrant(ctx context.Context, path string, uid uint32) error {
	return p.call(ctx, path, "AccessGrant", nil, uid)
}

// AccessRevoke removes uid from the session ACL.
func (p *SessionProxy) AccessRevoke(ctx context.Context, path string, uid uint32) error {
	return p.call(ctx, path, "AccessRevoke", nil, uid)
}

// QueueTypeGroups lists the classes of input still outstanding.
func (p *SessionProxy) QueueTypeGroups(ctx context.Context, path string) ([]common.TypeGroup, error) {
	var groups []TypeGroupValue
	if err := p.call(ctx, path, "UserInputQueueGetTypeGroup", []interface{}{&groups}); err != nil {
		return nil, err
	}
	out := make([]common.TypeGroup, len(groups))
	for i, g := range groups {
		out[i] = common.TypeGroup{Type: g.Type, Group: g.Group}
	}
	return out, nil
}

// QueueFetch returns the prompts of one input class.
func (p *SessionProxy) QueueFetch(ctx context.Context, path string, t requiresqueue.Type, g requiresqueue.Group) ([]requiresqueue.Request, error) {
	var reqs []RequestValue
	if err := p.call(ctx, path, "UserInputQueueFetch", []interface{}{&reqs}, uint32(t), uint32(g)); err != nil {
		return nil, err
	}
	out := make([]requiresqueue.Request, len(reqs))
	for i, r := range reqs {
		out[i] = requiresqueue.Request{
			ID:          r.ID,
			Type:        requiresqueue.TypeFromWire(r.Type),
			Group:       requiresqueue.GroupFromWire(r.Group),
			Name:        r.Name,
			Description: r.Description,
			HiddenInput: r.HiddenInput,
			Provided:    r.Provided,
		}
	}
	return out, nil
}

// QueueCheck reports whether the outstanding prompts changed since the
// last fetch.
func (p *SessionProxy) QueueCheck(ctx context.Context, path string) (bool, error) {
	var changed bool
	err := p.call(ctx, path, "UserInputQueueCheck", []interface{}{&changed})
	return changed, err
}

// Provide answers a prompt.
func (p *SessionProxy) Provide(ctx context.Context, path string, req requiresqueue.Request, value string) error {
	return p.call(ctx, path, "UserInputProvide", nil, uint32(req.Type), uint32(req.Group), req.ID, value)
}

// Status returns the last reported status.
func (p *SessionProxy) Status(ctx context.Context, path string) (sessionmgr.Status, error) {
	var v StatusValue
	if err := p.get(ctx, path, PropStatus, &v); err != nil {
		return sessionmgr.Status{}, err
	}
	return sessionmgr.NewStatus(v.Major, v.Minor, v.Message), nil
}

// State returns the lifecycle state.
func (p *SessionProxy) State(ctx context.Context, path string) (sessionmgr.State, error) {
	var s string
	if err := p.get(ctx, path, PropSessionState, &s); err != nil {
		return 0, err
	}
	st, ok := sessionmgr.ParseState(s)
	if !ok {
		return 0, &common.TransportError{Op: "get " + PropSessionState, Err: common.ErrInvalidArgument}
	}
	return st, nil
}

// Statistics returns the tunnel counters sorted by name.
func (p *SessionProxy) Statistics(ctx context.Context, path string) (sessionmgr.Statistics, error) {
	var m map[string]int64
	if err := p.get(ctx, path, PropStatistics, &m); err != nil {
		return nil, err
	}
	return statisticsFromMap(m), nil
}

// SetReceiveLogEvents turns log forwarding on or off.
func (p *SessionProxy) SetReceiveLogEvents(ctx context.Context, path string, on bool) error {
	return p.set(ctx, path, PropReceiveLogEvents, on)
}

// SetLogVerbosity changes the forwarded log level.
func (p *SessionProxy) SetLogVerbosity(ctx context.Context, path string, v uint32) error {
	return p.set(ctx, path, PropLogVerbosity, v)
}

// SetPublicAccess opens or closes the session to every user.
func (p *SessionProxy) SetPublicAccess(ctx context.Context, path string, public bool) error {
	return p.set(ctx, path, PropPublicAccess, public)
}

// Properties reads every session property.
func (p *SessionProxy) Properties(ctx context.Context, path string) (sessionmgr.Properties, sessionmgr.Statistics, error) {
	all, err := p.getAll(ctx, path)
	if err != nil {
		return sessionmgr.Properties{}, nil, err
	}

	props := sessionmgr.Properties{Path: path}
	var (
		status     StatusValue
		lastLog    LogValue
		stats      map[string]int64
		state      string
		configPath dbus.ObjectPath
		created    uint64
		pid        uint32
	)
	err = storeProperties(all, map[string]interface{}{
		PropStatus:           &status,
		PropLastLog:          &lastLog,
		PropStatistics:       &stats,
		PropReceiveLogEvents: &props.ReceiveLogEvents,
		PropLogVerbosity:     &props.LogVerbosity,
		PropPublicAccess:     &props.PublicAccess,
		PropOwner:            &props.Owner,
		PropACL:              &props.ACL,
		PropSessionState:     &state,
		PropConfigPath:       &configPath,
		PropConfigName:       &props.ConfigName,
		PropSessionCreated:   &created,
		PropBackendPID:       &pid,
	})
	if err != nil {
		return sessionmgr.Properties{}, nil, err
	}

	props.Status = sessionmgr.NewStatus(status.Major, status.Minor, status.Message)
	props.LastLog = sessionmgr.NewLogEvent(lastLog.Group, lastLog.Category, lastLog.Message)
	props.State, _ = sessionmgr.ParseState(state)
	props.ConfigPath = string(configPath)
	props.Created = fromUnix(created)
	props.BackendPID = int(pid)
	return props, statisticsFromMap(stats), nil
}

// storeProperties decodes the variants present in all into dest.
// Properties the service did not send are left untouched.
func storeProperties(all map[string]dbus.Variant, dest map[string]interface{}) error {
	for name, ptr := range dest {
		v, ok := all[name]
		if !ok {
			continue
		}
		if err := v.Store(ptr); err != nil {
			return &common.TransportError{Op: "decode " + name, Err: err}
		}
	}
	return nil
}

func statisticsFromMap(m map[string]int64) sessionmgr.Statistics {
	stats := make(sessionmgr.Statistics, 0, len(m))
	for name, value := range m {
		stats = append(stats, sessionmgr.Stat{Name: name, Value: value})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
