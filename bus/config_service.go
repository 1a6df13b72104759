package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/configmgr"
)

// Configuration property names.
const (
	PropName              = "name"
	PropAlias             = "alias"
	PropOwner             = "owner"
	PropACL               = "acl"
	PropPublicAccess      = "public_access"
	PropLockedDown        = "locked_down"
	PropPersistTun        = "persist_tun"
	PropSealed            = "sealed"
	PropSingleUse         = "single_use"
	PropPersistent        = "persistent"
	PropImportTimestamp   = "import_timestamp"
	PropLastUsedTimestamp = "last_used_timestamp"
	PropUsedCount         = "used_count"
	PropConfigPath        = "config_path"
)

// ConfigurationService exports a configuration registry on the bus.
type ConfigurationService struct {
	service
	registry *configmgr.Manager
}

// NewConfigurationService prepares the registry export. ctx bounds every
// call served and each call gets at most timeout.
func NewConfigurationService(ctx context.Context, conn *dbus.Conn, registry *configmgr.Manager, timeout time.Duration) *ConfigurationService {
	return &ConfigurationService{
		service:  newService(ctx, conn, common.InterfaceConfiguration, timeout),
		registry: registry,
	}
}

// Export registers the registry root and every profile below it.
func (s *ConfigurationService) Export() error {
	if err := s.export(common.RootPathConfiguration, &configMethods{s}, s, s.introspect); err != nil {
		return fmt.Errorf("failed to export configuration service: %w", err)
	}
	return nil
}

// Unexport removes the registry from the bus.
func (s *ConfigurationService) Unexport() {
	s.unexport(common.RootPathConfiguration)
}

func (s *ConfigurationService) getAll(ctx context.Context, sender string, path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	if alias, ok := child(common.AliasPathConfiguration, path); ok {
		target, err := s.registry.ResolveAlias(alias)
		if err != nil {
			return nil, err
		}
		return map[string]dbus.Variant{PropConfigPath: dbus.MakeVariant(dbus.ObjectPath(target))}, nil
	}

	p, err := s.registry.Properties(ctx, sender, string(path))
	if err != nil {
		return nil, err
	}
	acl := p.ACL
	if acl == nil {
		acl = []uint32{}
	}
	return map[string]dbus.Variant{
		PropName:              dbus.MakeVariant(p.Name),
		PropAlias:             dbus.MakeVariant(p.Alias),
		PropOwner:             dbus.MakeVariant(p.Owner),
		PropACL:               dbus.MakeVariant(acl),
		PropPublicAccess:      dbus.MakeVariant(p.PublicAccess),
		PropLockedDown:        dbus.MakeVariant(p.LockedDown),
		PropPersistTun:        dbus.MakeVariant(p.PersistTun),
		PropSealed:            dbus.MakeVariant(p.Sealed),
		PropSingleUse:         dbus.MakeVariant(p.SingleUse),
		PropPersistent:        dbus.MakeVariant(p.Persistent),
		PropImportTimestamp:   dbus.MakeVariant(unixTime(p.ImportedAt)),
		PropLastUsedTimestamp: dbus.MakeVariant(unixTime(p.LastUsedAt)),
		PropUsedCount:         dbus.MakeVariant(p.UsedCount),
	}, nil
}

func (s *ConfigurationService) set(ctx context.Context, sender string, path dbus.ObjectPath, name string, value dbus.Variant) error {
	target := string(path)
	switch name {
	case PropName, PropAlias:
		v, err := variantString(value)
		if err != nil {
			return err
		}
		if name == PropName {
			return s.registry.SetName(ctx, sender, target, v)
		}
		return s.registry.SetAlias(ctx, sender, target, v)
	case PropPublicAccess, PropLockedDown, PropPersistTun:
		v, err := variantBool(value)
		if err != nil {
			return err
		}
		switch name {
		case PropPublicAccess:
			return s.registry.SetPublicAccess(ctx, sender, target, v)
		case PropLockedDown:
			return s.registry.SetLockedDown(ctx, sender, target, v)
		default:
			return s.registry.SetPersistTun(ctx, sender, target, v)
		}
	case PropOwner, PropACL, PropSealed, PropSingleUse, PropPersistent,
		PropImportTimestamp, PropLastUsedTimestamp, PropUsedCount, PropConfigPath:
		return readOnly(name)
	default:
		return dbus.NewError(errUnknownProperty, []interface{}{"unknown property " + name})
	}
}

func (s *ConfigurationService) introspect(msg dbus.Message) *introspect.Node {
	sender, path := callInfo(msg)
	if string(path) == common.RootPathConfiguration {
		ctx, cancel := s.callContext()
		defer cancel()

		var children []string
		if paths, err := s.registry.FetchAvailableConfigs(ctx, sender); err == nil {
			for _, p := range paths {
				if id, ok := child(common.RootPathConfiguration, dbus.ObjectPath(p)); ok {
					children = append(children, id)
				}
			}
		}
		children = append(children, "aliases")
		return node([]introspect.Interface{configRootInterface}, children)
	}
	if _, ok := child(common.AliasPathConfiguration, path); ok {
		return node([]introspect.Interface{configAliasInterface}, nil)
	}
	return node([]introspect.Interface{configObjectInterface}, nil)
}

// configMethods carries the methods of the configuration interface. Root
// methods are refused on profile objects and the other way around.
type configMethods struct {
	s *ConfigurationService
}

func (m *configMethods) root(msg dbus.Message, name string) (string, context.Context, context.CancelFunc, *dbus.Error) {
	sender, path := callInfo(msg)
	if string(path) != common.RootPathConfiguration {
		return "", nil, nil, unknownMethod(name, path)
	}
	ctx, cancel := m.s.callContext()
	return sender, ctx, cancel, nil
}

func (m *configMethods) object(msg dbus.Message, name string) (string, string, context.Context, context.CancelFunc, *dbus.Error) {
	sender, path := callInfo(msg)
	if _, ok := child(common.RootPathConfiguration, path); !ok {
		return "", "", nil, nil, unknownMethod(name, path)
	}
	ctx, cancel := m.s.callContext()
	return sender, string(path), ctx, cancel, nil
}

func (m *configMethods) Import(msg dbus.Message, name, config string, singleUse, persistent bool) (dbus.ObjectPath, *dbus.Error) {
	sender, ctx, cancel, derr := m.root(msg, "Import")
	if derr != nil {
		return "", derr
	}
	defer cancel()

	path, err := m.s.registry.Import(ctx, sender, name, config, singleUse, persistent)
	if err != nil {
		return "", ToDBusError(err)
	}
	return dbus.ObjectPath(path), nil
}

func (m *configMethods) FetchAvailableConfigs(msg dbus.Message) ([]dbus.ObjectPath, *dbus.Error) {
	sender, ctx, cancel, derr := m.root(msg, "FetchAvailableConfigs")
	if derr != nil {
		return nil, derr
	}
	defer cancel()

	paths, err := m.s.registry.FetchAvailableConfigs(ctx, sender)
	if err != nil {
		return nil, ToDBusError(err)
	}
	return objectPaths(paths), nil
}

func (m *configMethods) LookupConfigName(msg dbus.Message, name string) ([]dbus.ObjectPath, *dbus.Error) {
	sender, ctx, cancel, derr := m.root(msg, "LookupConfigName")
	if derr != nil {
		return nil, derr
	}
	defer cancel()

	paths, err := m.s.registry.LookupConfigName(ctx, sender, name)
	if err != nil {
		return nil, ToDBusError(err)
	}
	return objectPaths(paths), nil
}

func (m *configMethods) Fetch(msg dbus.Message) (string, *dbus.Error) {
	sender, target, ctx, cancel, derr := m.object(msg, "Fetch")
	if derr != nil {
		return "", derr
	}
	defer cancel()

	blob, err := m.s.registry.Fetch(ctx, sender, target)
	return blob, ToDBusError(err)
}

func (m *configMethods) FetchJSON(msg dbus.Message) (string, *dbus.Error) {
	sender, target, ctx, cancel, derr := m.object(msg, "FetchJSON")
	if derr != nil {
		return "", derr
	}
	defer cancel()

	doc, err := m.s.registry.FetchJSON(ctx, sender, target)
	return doc, ToDBusError(err)
}

func (m *configMethods) Remove(msg dbus.Message) *dbus.Error {
	sender, target, ctx, cancel, derr := m.object(msg, "Remove")
	if derr != nil {
		return derr
	}
	defer cancel()
	return ToDBusError(m.s.registry.Remove(ctx, sender, target))
}

func (m *configMethods) Seal(msg dbus.Message) *dbus.Error {
	sender, target, ctx, cancel, derr := m.object(msg, "Seal")
	if derr != nil {
		return derr
	}
	defer cancel()
	return ToDBusError(m.s.registry.Seal(ctx, sender, target))
}

func (m *configMethods) AccessGrant(msg dbus.Message, uid uint32) *dbus.Error {
	sender, target, ctx, cancel, derr := m.object(msg, "AccessGrant")
	if derr != nil {
		return derr
	}
	defer cancel()
	return ToDBusError(m.s.registry.AccessGrant(ctx, sender, target, uid))
}

func (m *configMethods) AccessRevoke(msg dbus.Message, uid uint32) *dbus.Error {
	sender, target, ctx, cancel, derr := m.object(msg, "AccessRevoke")
	if derr != nil {
		return derr
	}
	defer cancel()
	return ToDBusError(m.s.registry.AccessRevoke(ctx, sender, target, uid))
}

var configRootInterface = introspect.Interface{
	Name: common.InterfaceConfiguration,
	Methods: []introspect.Method{
		method("Import", argIn("name", "s"), argIn("config_str", "s"), argIn("single_use", "b"),
			argIn("persistent", "b"), argOut("config_path", "o")),
		method("FetchAvailableConfigs", argOut("paths", "ao")),
		method("LookupConfigName", argIn("config_name", "s"), argOut("config_paths", "ao")),
	},
}

var configObjectInterface = introspect.Interface{
	Name: common.InterfaceConfiguration,
	Methods: []introspect.Method{
		method("Fetch", argOut("config", "s")),
		method("FetchJSON", argOut("config_json", "s")),
		method("Remove"),
		method("Seal"),
		method("AccessGrant", argIn("uid", "u")),
		method("AccessRevoke", argIn("uid", "u")),
	},
	Properties: []introspect.Property{
		property(PropName, "s", true),
		property(PropAlias, "s", true),
		property(PropOwner, "u", false),
		property(PropACL, "au", false),
		property(PropPublicAccess, "b", true),
		property(PropLockedDown, "b", true),
		property(PropPersistTun, "b", true),
		property(PropSealed, "b", false),
		property(PropSingleUse, "b", false),
		property(PropPersistent, "b", false),
		property(PropImportTimestamp, "t", false),
		property(PropLastUsedTimestamp, "t", false),
		property(PropUsedCount, "u", false),
	},
}

var configAliasInterface = introspect.Interface{
	Name:       common.InterfaceConfiguration,
	Properties: []introspect.Property{property(PropConfigPath, "o", false)},
}
