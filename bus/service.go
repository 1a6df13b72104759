package bus

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/yllada/vpn-sessiond/common"
)

// DefaultCallTimeout bounds the work done for a single incoming call when
// the service is created without a timeout.
const DefaultCallTimeout = 2 * common.ConnectionTimeout

// CallTimeout returns the call bound that leaves a connect limited to
// connectTimeout room to settle before the caller's context expires.
func CallTimeout(connectTimeout time.Duration) time.Duration {
	if t := 2 * connectTimeout; t > DefaultCallTimeout {
		return t
	}
	return DefaultCallTimeout
}

const (
	errUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	errUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	errInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	errPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"

	signalPropertiesChanged = common.InterfaceProperties + ".PropertiesChanged"
)

func unknownMethod(method string, path dbus.ObjectPath) *dbus.Error {
	return dbus.NewError(errUnknownMethod, []interface{}{method + " is not available on " + string(path)})
}

func invalidArgs(msg string) *dbus.Error {
	return dbus.NewError(errInvalidArgs, []interface{}{msg})
}

// objectProperties is implemented by the services to serve the
// org.freedesktop.DBus.Properties interface of their objects.
type objectProperties interface {
	getAll(ctx context.Context, sender string, path dbus.ObjectPath) (map[string]dbus.Variant, error)
	set(ctx context.Context, sender string, path dbus.ObjectPath, name string, value dbus.Variant) error
}

// service holds what both exported services share.
type service struct {
	conn    *dbus.Conn
	base    context.Context
	iface   string
	timeout time.Duration
}

func newService(ctx context.Context, conn *dbus.Conn, iface string, timeout time.Duration) service {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return service{conn: conn, base: ctx, iface: iface, timeout: timeout}
}

func (s *service) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.base, s.timeout)
}

// export registers the handlers for the whole subtree below root.
func (s *service) export(root string, methods any, props objectProperties, intro func(msg dbus.Message) *introspect.Node) error {
	path := dbus.ObjectPath(root)
	if err := s.conn.ExportSubtree(methods, path, s.iface); err != nil {
		return err
	}
	if err := s.conn.ExportSubtree(&propertiesHandler{service: s, props: props}, path, common.InterfaceProperties); err != nil {
		return err
	}
	return s.conn.ExportSubtree(&introspectHandler{node: intro}, path, common.InterfaceIntrospectable)
}

func (s *service) unexport(root string) {
	path := dbus.ObjectPath(root)
	for _, iface := range []string{s.iface, common.InterfaceProperties, common.InterfaceIntrospectable} {
		_ = s.conn.ExportSubtree(nil, path, iface)
	}
}

// propertiesHandler implements org.freedesktop.DBus.Properties with the
// caller identity passed through to the access checks.
type propertiesHandler struct {
	*service
	props objectProperties
}

func (h *propertiesHandler) Get(msg dbus.Message, iface, name string) (dbus.Variant, *dbus.Error) {
	all, derr := h.GetAll(msg, iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[name]
	if !ok {
		return dbus.Variant{}, dbus.NewError(errUnknownProperty, []interface{}{"unknown property " + name})
	}
	return v, nil
}

func (h *propertiesHandler) GetAll(msg dbus.Message, iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != h.iface {
		return nil, dbus.NewError(errUnknownInterface, []interface{}{"unknown interface " + iface})
	}
	sender, path := callInfo(msg)
	ctx, cancel := h.callContext()
	defer cancel()

	all, err := h.props.getAll(ctx, sender, path)
	if err != nil {
		return nil, ToDBusError(err)
	}
	return all, nil
}

func (h *propertiesHandler) Set(msg dbus.Message, iface, name string, value dbus.Variant) *dbus.Error {
	if iface != h.iface {
		return dbus.NewError(errUnknownInterface, []interface{}{"unknown interface " + iface})
	}
	sender, path := callInfo(msg)
	ctx, cancel := h.callContext()
	defer cancel()

	if err := h.props.set(ctx, sender, path, name, value); err != nil {
		common.LogWith(common.Fields{"path": path, "sender": sender, "property": name}).
			Debugf("Property update rejected: %v", err)
		return ToDBusError(err)
	}

	changed := map[string]dbus.Variant{name: value}
	if err := h.conn.Emit(path, signalPropertiesChanged, h.iface, changed, []string{}); err != nil {
		common.LogDebug("Failed to emit PropertiesChanged for %s: %v", path, err)
	}
	return nil
}

// Property value helpers used by the set handlers.

func variantString(v dbus.Variant) (string, error) {
	s, ok := v.Value().(string)
	if !ok {
		return "", invalidArgs("expected a string value")
	}
	return s, nil
}

func variantBool(v dbus.Variant) (bool, error) {
	b, ok := v.Value().(bool)
	if !ok {
		return false, invalidArgs("expected a boolean value")
	}
	return b, nil
}

func variantUint32(v dbus.Variant) (uint32, error) {
	u, ok := v.Value().(uint32)
	if !ok {
		return 0, invalidArgs("expected an unsigned 32-bit value")
	}
	return u, nil
}

func readOnly(name string) error {
	return dbus.NewError(errPropertyReadOnly, []interface{}{"property " + name + " is read-only"})
}

// unixTime encodes a timestamp as seconds since the epoch, zero when unset.
func unixTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func fromUnix(s uint64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(int64(s), 0)
}

func objectPaths(paths []string) []dbus.ObjectPath {
	out := make([]dbus.ObjectPath, len(paths))
	for i, p := range paths {
		out[i] = dbus.ObjectPath(p)
	}
	return out
}

// introspectHandler answers Introspect with a node built for the called
// path.
type introspectHandler struct {
	node func(msg dbus.Message) *introspect.Node
}

func (h *introspectHandler) Introspect(msg dbus.Message) (string, *dbus.Error) {
	return string(introspect.NewIntrospectable(h.node(msg))), nil
}

func method(name string, args ...introspect.Arg) introspect.Method {
	return introspect.Method{Name: name, Args: args}
}

func argIn(name, sig string) introspect.Arg {
	return introspect.Arg{Name: name, Type: sig, Direction: "in"}
}

func argOut(name, sig string) introspect.Arg {
	return introspect.Arg{Name: name, Type: sig, Direction: "out"}
}

func property(name, sig string, writable bool) introspect.Property {
	access := "read"
	if writable {
		access = "readwrite"
	}
	return introspect.Property{Name: name, Type: sig, Access: access}
}

// standardInterfaces are present on every exported node.
var standardInterfaces = []introspect.Interface{
	introspect.IntrospectData,
	{
		Name: common.InterfaceProperties,
		Methods: []introspect.Method{
			method("Get", argIn("interface_name", "s"), argIn("property_name", "s"), argOut("value", "v")),
			method("GetAll", argIn("interface_name", "s"), argOut("properties", "a{sv}")),
			method("Set", argIn("interface_name", "s"), argIn("property_name", "s"), argIn("value", "v")),
		},
		Signals: []introspect.Signal{{
			Name: "PropertiesChanged",
			Args: []introspect.Arg{
				{Name: "interface_name", Type: "s"},
				{Name: "changed_properties", Type: "a{sv}"},
				{Name: "invalidated_properties", Type: "as"},
			},
		}},
	},
}

func node(ifaces []introspect.Interface, children []string) *introspect.Node {
	n := &introspect.Node{Interfaces: append(append([]introspect.Interface{}, standardInterfaces...), ifaces...)}
	for _, c := range children {
		n.Children = append(n.Children, introspect.Node{Name: c})
	}
	return n
}
