package configmgr

import (
	"sync"
	"time"

	"github.com/yllada/vpn-sessiond/acl"
)

// Configuration is one imported profile.
type Configuration struct {
	mu sync.Mutex

	path       string
	name       string
	alias      string
	guard      *acl.Guard
	sealed     bool
	lockedDown bool
	persistTun bool
	singleUse  bool
	persistent bool
	blob       string
	parsed     *ParsedProfile
	importedAt time.Time
	lastUsedAt time.Time
	usedCount  uint32

	// checkedOut is set while a single-use profile is handed to a session
	// that is still starting.
	checkedOut bool

	// Guarded by Manager.mu.
	inflight int
	removed  bool
}

// Properties is a snapshot of the readable properties of a profile.
type Properties struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Alias        string    `json:"alias,omitempty"`
	Owner        uint32    `json:"owner"`
	ACL          []uint32  `json:"acl"`
	PublicAccess bool      `json:"public_access"`
	LockedDown   bool      `json:"locked_down"`
	PersistTun   bool      `json:"persist_tun"`
	Sealed       bool      `json:"sealed"`
	SingleUse    bool      `json:"single_use"`
	Persistent   bool      `json:"persistent"`
	ImportedAt   time.Time `json:"import_timestamp"`
	LastUsedAt   time.Time `json:"last_used_timestamp"`
	UsedCount    uint32    `json:"used_count"`
}

// Profile is what a session gets when it opens a configuration.
type Profile struct {
	Path       string
	Name       string
	Owner      uint32
	PersistTun bool
	Blob       string
	Parsed     *ParsedProfile
}

func newConfiguration(rec Record, parsed *ParsedProfile, persistent bool) *Configuration {
	return &Configuration{
		path:       rec.Path,
		name:       rec.Name,
		alias:      rec.Alias,
		guard:      acl.Restore(rec.ACL),
		sealed:     rec.Sealed,
		lockedDown: rec.LockedDown,
		persistTun: rec.PersistTun,
		singleUse:  rec.SingleUse,
		persistent: persistent,
		blob:       rec.Blob,
		parsed:     parsed,
		importedAt: rec.ImportedAt,
		lastUsedAt: rec.LastUsedAt,
		usedCount:  rec.UsedCount,
	}
}

// record must be called with c.mu held.
func (c *Configuration) record() Record {
	return Record{
		Path:       c.path,
		Name:       c.name,
		Alias:      c.alias,
		ACL:        c.guard.Snapshot(),
		Sealed:     c.sealed,
		LockedDown: c.lockedDown,
		PersistTun: c.persistTun,
		SingleUse:  c.singleUse,
		ImportedAt: c.importedAt,
		LastUsedAt: c.lastUsedAt,
		UsedCount:  c.usedCount,
		Blob:       c.blob,
	}
}

// properties must be called with c.mu held.
func (c *Configuration) properties() Properties {
	return Properties{
		Path:         c.path,
		Name:         c.name,
		Alias:        c.alias,
		Owner:        c.guard.Owner(),
		ACL:          c.guard.List(),
		PublicAccess: c.guard.PublicAccess(),
		LockedDown:   c.lockedDown,
		PersistTun:   c.persistTun,
		Sealed:       c.sealed,
		SingleUse:    c.singleUse,
		Persistent:   c.persistent,
		ImportedAt:   c.importedAt,
		LastUsedAt:   c.lastUsedAt,
		UsedCount:    c.usedCount,
	}
}
