package configmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yllada/vpn-sessiond/acl"
)

// Record is the persisted form of a configuration profile.
type Record struct {
	Path       string       `cbor:"1,keyasint"`
	Name       string       `cbor:"2,keyasint"`
	Alias      string       `cbor:"3,keyasint,omitempty"`
	ACL        acl.Snapshot `cbor:"4,keyasint"`
	Sealed     bool         `cbor:"5,keyasint"`
	LockedDown bool         `cbor:"6,keyasint"`
	PersistTun bool         `cbor:"7,keyasint"`
	SingleUse  bool         `cbor:"8,keyasint"`
	ImportedAt time.Time    `cbor:"9,keyasint"`
	LastUsedAt time.Time    `cbor:"10,keyasint"`
	UsedCount  uint32       `cbor:"11,keyasint"`
	Blob       string       `cbor:"-"`
}

// Store persists profiles imported with the persistent flag.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, path string) error
	Close() error
}

// MemoryStore keeps records in a map. It is used when no state database
// is configured and by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load returns every record ordered by path.
func (s *MemoryStore) Load(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Save inserts or replaces a record.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Path] = rec
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, path)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
