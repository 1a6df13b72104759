// Package configmgr implements the configuration registry: imported VPN
// profiles held as access controlled objects, addressed by object path or
// by alias.
//
// Every operation resolves the caller identity first, then takes the
// profile lock, then checks access and acts. A profile removed while other
// calls on it are in flight disappears once the last of them returns.
package configmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yllada/vpn-sessiond/acl"
	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/identity"
)

// Options configures a Manager.
type Options struct {
	// Resolver turns caller tokens into identities. Required.
	Resolver identity.Resolver
	// Store persists profiles imported as persistent. Defaults to a MemoryStore.
	Store Store
	// PrivilegedUID may read locked-down profiles besides their owner.
	PrivilegedUID uint32
	// AllowRootOverride lets uid 0 pass access checks.
	AllowRootOverride bool
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager is the configuration registry.
type Manager struct {
	resolver   identity.Resolver
	store      Store
	privileged uint32
	allowRoot  bool
	now        func() time.Time

	mu      sync.Mutex
	configs map[string]*Configuration
	aliases map[string]string
}

// NewManager creates a registry and loads the persistent profiles of store.
func NewManager(ctx context.Context, opts Options) (*Manager, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("%w: configuration manager needs a resolver", common.ErrInvalidArgument)
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		resolver:   opts.Resolver,
		store:      opts.Store,
		privileged: opts.PrivilegedUID,
		allowRoot:  opts.AllowRootOverride,
		now:        opts.Now,
		configs:    make(map[string]*Configuration),
		aliases:    make(map[string]string),
	}

	records, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persistent profiles: %w", err)
	}
	for _, rec := range records {
		parsed, err := ParseProfile(rec.Blob)
		if err != nil {
			common.LogWith(common.Fields{"path": rec.Path}).Warnf("Skipping stored profile: %v", err)
			continue
		}
		c := newConfiguration(rec, parsed, true)
		if c.alias != "" {
			if _, taken := m.aliases[c.alias]; taken {
				c.alias = ""
			} else {
				m.aliases[c.alias] = c.path
			}
		}
		m.configs[c.path] = c
	}
	if len(records) > 0 {
		common.LogInfo("Loaded %d persistent profile(s)", len(m.configs))
	}

	return m, nil
}

// Close drops every profile and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.configs = make(map[string]*Configuration)
	m.aliases = make(map[string]string)
	m.mu.Unlock()
	return m.store.Close()
}

// Import registers a new profile owned by the caller and returns its path.
func (m *Manager) Import(ctx context.Context, sender, name, blob string, singleUse, persistent bool) (string, error) {
	id, err := identity.Resolve(ctx, m.resolver, sender)
	if err != nil {
		return "", err
	}
	if singleUse && persistent {
		return "", fmt.Errorf("%w: a single-use profile cannot be persistent", common.ErrInvalidArgument)
	}

	parsed, err := ParseProfile(blob)
	if err != nil {
		return "", err
	}

	rec := Record{
		Path:       common.ObjectPath(common.RootPathConfiguration),
		Name:       name,
		ACL:        acl.Snapshot{Owner: id.UID},
		SingleUse:  singleUse,
		ImportedAt: m.now(),
		Blob:       blob,
	}
	if persistent {
		if err := m.store.Save(ctx, rec); err != nil {
			return "", fmt.Errorf("failed to persist profile: %w", err)
		}
	}

	c := newConfiguration(rec, parsed, persistent)
	m.mu.Lock()
	m.configs[c.path] = c
	m.mu.Unlock()

	common.LogWith(common.Fields{"path": c.path, "uid": id.UID, "pid": id.PID}).
		Infof("Imported configuration %q", name)
	return c.path, nil
}

// FetchAvailableConfigs returns the paths the caller may access, sorted by
// name then path.
func (m *Manager) FetchAvailableConfigs(ctx context.Context, sender string) ([]string, error) {
	id, err := identity.ResolveUID(ctx, m.resolver, sender)
	if err != nil {
		return nil, err
	}

	type entry struct{ name, path string }
	var visible []entry
	for _, c := range m.snapshot() {
		c.mu.Lock()
		if c.guard.CheckAccess(id, m.allowRoot) == nil {
			visible = append(visible, entry{c.name, c.path})
		}
		c.mu.Unlock()
	}

	sort.Slice(visible, func(i, j int) bool {
		if visible[i].name != visible[j].name {
			return visible[i].name < visible[j].name
		}
		return visible[i].path < visible[j].path
	})

	paths := make([]string, len(visible))
	for i, e := range visible {
		paths[i] = e.path
	}
	return paths, nil
}

// LookupConfigName returns the accessible profiles carrying name.
func (m *Manager) LookupConfigName(ctx context.Context, sender, name string) ([]string, error) {
	id, err := identity.ResolveUID(ctx, m.resolver, sender)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, c := range m.snapshot() {
		c.mu.Lock()
		if c.name == name && c.guard.CheckAccess(id, m.allowRoot) == nil {
			paths = append(paths, c.path)
		}
		c.mu.Unlock()
	}
	sort.Strings(paths)
	return paths, nil
}

// ResolveAlias returns the canonical path an alias points to.
func (m *Manager) ResolveAlias(alias string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.aliases[alias]
	if !ok {
		return "", &common.NotFoundError{What: "alias", Key: alias}
	}
	return path, nil
}

// Fetch returns the profile text. Locked-down profiles are only readable
// by their owner and the privileged identity.
func (m *Manager) Fetch(ctx context.Context, sender, target string) (string, error) {
	var blob string
	err := m.with(ctx, sender, target, func(id identity.Identity, c *Configuration) error {
		if err := m.checkRead(id, c); err != nil {
			return err
		}
		blob = c.blob
		return nil
	})
	return blob, err
}

// FetchJSON returns the parsed profile and its metadata as JSON, under the
// same rules as Fetch.
func (m *Manager) FetchJSON(ctx context.Context, sender, target string) (string, error) {
	var out []byte
	err := m.with(ctx, sender, target, func(id identity.Identity, c *Configuration) error {
		if err := m.checkRead(id, c); err != nil {
			return err
		}
		doc := struct {
			Properties
			Options []Option      `json:"options"`
			Inline  []InlineBlock `json:"inline,omitempty"`
		}{c.properties(), c.parsed.Options, c.parsed.Inline}

		var err error
		out, err = json.Marshal(doc)
		return err
	})
	return string(out), err
}

func (m *Manager) checkRead(id identity.Identity, c *Configuration) error {
	if err := c.guard.CheckAccess(id, m.allowRoot); err != nil {
		return err
	}
	if c.lockedDown && id.UID != c.guard.Owner() && id.UID != m.privileged {
		return &common.AccessDeniedError{UID: id.UID}
	}
	return nil
}

// Properties returns a snapshot of the profile properties.
func (m *Manager) Properties(ctx context.Context, sender, target string) (Properties, error) {
	var props Properties
	err := m.with(ctx, sender, target, func(id identity.Identity, c *Configuration) error {
		if err := c.guard.CheckAccess(id, m.allowRoot); err != nil {
			return err
		}
		props = c.properties()
		return nil
	})
	return props, err
}

// GetOwner returns the owner uid.
func (m *Manager) GetOwner(ctx context.Context, sender, target string) (uint32, error) {
	props, err := m.Properties(ctx, sender, target)
	return props.Owner, err
}

// GetAccessList returns the granted uids in grant order.
func (m *Manager) GetAccessList(ctx context.Context, sender, target string) ([]uint32, error) {
	props, err := m.Properties(ctx, sender, target)
	return props.ACL, err
}

// SetName renames the profile.
func (m *Manager) SetName(ctx context.Context, sender, target, name string) error {
	return m.mutate(ctx, sender, target, false, true, func(c *Configuration) error {
		c.name = name
		return nil
	})
}

// SetAlias points alias at the profile. An empty alias removes it.
func (m *Manager) SetAlias(ctx context.Context, sender, target, alias string) error {
	if alias != "" && !common.ValidAlias(alias) {
		return fmt.Errorf("%w: alias %q may only contain letters, digits and underscores", common.ErrInvalidArgument, alias)
	}
	return m.mutate(ctx, sender, target, false, true, func(c *Configuration) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if alias != "" {
			if owner, ok := m.aliases[alias]; ok && owner != c.path {
				return fmt.Errorf("%w: %s", common.ErrAliasExists, alias)
			}
		}
		if c.alias != "" {
			delete(m.aliases, c.alias)
		}
		c.alias = alias
		if alias != "" {
			m.aliases[alias] = c.path
		}
		return nil
	})
}

// SetPersistTun toggles keeping the tun device across reconnects.
func (m *Manager) SetPersistTun(ctx context.Context, sender, target string, persist bool) error {
	return m.mutate(ctx, sender, target, true, true, func(c *Configuration) error {
		c.persistTun = persist
		return nil
	})
}

// SetLockedDown toggles the lockdown. Allowed on sealed profiles.
func (m *Manager) SetLockedDown(ctx context.Context, sender, target string, locked bool) error {
	return m.mutate(ctx, sender, target, true, false, func(c *Configuration) error {
		c.lockedDown = locked
		return nil
	})
}

// SetPublicAccess toggles public access. Allowed on sealed profiles.
func (m *Manager) SetPublicAccess(ctx context.Context, sender, target string, public bool) error {
	return m.mutate(ctx, sender, target, true, false, func(c *Configuration) error {
		c.guard.SetPublicAccess(public)
		return nil
	})
}

// Seal freezes the profile metadata. Sealing twice is a no-op.
func (m *Manager) Seal(ctx context.Context, sender, target string) error {
	return m.mutate(ctx, sender, target, true, false, func(c *Configuration) error {
		c.sealed = true
		return nil
	})
}

// AccessGrant grants uid access to the profile.
func (m *Manager) AccessGrant(ctx context.Context, sender, target string, uid uint32) error {
	return m.mutate(ctx, sender, target, true, false, func(c *Configuration) error {
		return c.guard.Grant(uid)
	})
}

// AccessRevoke revokes the access of uid.
func (m *Manager) AccessRevoke(ctx context.Context, sender, target string, uid uint32) error {
	return m.mutate(ctx, sender, target, true, false, func(c *Configuration) error {
		return c.guard.Revoke(uid)
	})
}

// Remove deletes the profile.
func (m *Manager) Remove(ctx context.Context, sender, target string) error {
	return m.with(ctx, sender, target, func(id identity.Identity, c *Configuration) error {
		if err := c.guard.CheckOwnerAccess(id, m.allowRoot); err != nil {
			return err
		}
		m.remove(ctx, c)
		common.LogWith(common.Fields{"path": c.path, "uid": id.UID}).Info("Removed configuration")
		return nil
	})
}

// Open hands the profile to a session being started by the caller. It
// requires plain access; lockdown limits reading the profile, not using
// it. Every successful Open must be followed by Settle. A single-use
// profile stays reserved until then and cannot be opened a second time.
func (m *Manager) Open(ctx context.Context, sender, target string) (*Profile, error) {
	var p *Profile
	err := m.with(ctx, sender, target, func(id identity.Identity, c *Configuration) error {
		if err := c.guard.CheckAccess(id, m.allowRoot); err != nil {
			return err
		}
		if c.singleUse && c.checkedOut {
			return fmt.Errorf("%w: single-use configuration is already being started", common.ErrInvalidState)
		}

		p = &Profile{
			Path:       c.path,
			Name:       c.name,
			Owner:      c.guard.Owner(),
			PersistTun: c.persistTun,
			Blob:       c.blob,
			Parsed:     c.parsed,
		}
		c.checkedOut = c.singleUse
		return nil
	})
	return p, err
}

// Settle ends the hand-out of a profile returned by Open. When started is
// true the usage is recorded and a single-use profile is consumed.
// Otherwise the profile is left as it was before Open.
func (m *Manager) Settle(ctx context.Context, path string, started bool) {
	c, err := m.acquire(path)
	if err != nil {
		return
	}
	defer m.release(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if m.isRemoved(c) {
		return
	}

	c.checkedOut = false
	if !started {
		return
	}
	c.usedCount++
	c.lastUsedAt = m.now()
	if c.singleUse {
		m.remove(ctx, c)
		return
	}
	m.persist(ctx, c)
}

// mutate runs a setter under the profile lock. ownerOnly selects the owner
// gate, blockedBySeal rejects the change on sealed profiles.
func (m *Manager) mutate(ctx context.Context, sender, target string, ownerOnly, blockedBySeal bool, fn func(c *Configuration) error) error {
	return m.with(ctx, sender, target, func(id identity.Identity, c *Configuration) error {
		var err error
		if ownerOnly {
			err = c.guard.CheckOwnerAccess(id, m.allowRoot)
		} else {
			err = c.guard.CheckAccess(id, m.allowRoot)
		}
		if err != nil {
			return err
		}
		if blockedBySeal && c.sealed {
			return common.ErrSealed
		}
		if err := fn(c); err != nil {
			return err
		}
		m.persist(ctx, c)
		return nil
	})
}

// with resolves the caller, pins the profile and runs fn under its lock.
func (m *Manager) with(ctx context.Context, sender, target string, fn func(identity.Identity, *Configuration) error) error {
	id, err := identity.Resolve(ctx, m.resolver, sender)
	if err != nil {
		return err
	}

	path, err := m.canonical(target)
	if err != nil {
		return err
	}

	c, err := m.acquire(path)
	if err != nil {
		return err
	}
	defer m.release(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if m.isRemoved(c) {
		return &common.NotFoundError{What: "configuration", Key: path}
	}
	return fn(id, c)
}

func (m *Manager) canonical(target string) (string, error) {
	if common.IsAlias(target) {
		return m.ResolveAlias(target)
	}
	return target, nil
}

func (m *Manager) acquire(path string) (*Configuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.configs[path]
	if !ok || c.removed {
		return nil, &common.NotFoundError{What: "configuration", Key: path}
	}
	c.inflight++
	return c, nil
}

func (m *Manager) release(c *Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.inflight--
	if c.removed && c.inflight == 0 && m.configs[c.path] == c {
		delete(m.configs, c.path)
	}
}

func (m *Manager) isRemoved(c *Configuration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return c.removed
}

// remove must be called with c.mu held.
func (m *Manager) remove(ctx context.Context, c *Configuration) {
	m.mu.Lock()
	c.removed = true
	if c.alias != "" && m.aliases[c.alias] == c.path {
		delete(m.aliases, c.alias)
	}
	m.mu.Unlock()

	if c.persistent {
		if err := m.store.Delete(ctx, c.path); err != nil {
			common.LogWith(common.Fields{"path": c.path}).Warnf("Failed to delete stored profile: %v", err)
		}
	}
}

// persist must be called with c.mu held.
func (m *Manager) persist(ctx context.Context, c *Configuration) {
	if !c.persistent {
		return
	}
	if err := m.store.Save(ctx, c.record()); err != nil {
		common.LogWith(common.Fields{"path": c.path}).Warnf("Failed to persist profile: %v", err)
	}
}

func (m *Manager) snapshot() []*Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Configuration, 0, len(m.configs))
	for _, c := range m.configs {
		if !c.removed {
			out = append(out, c)
		}
	}
	return out
}
