package identity

import (
	"context"
	"errors"
	"sync"
)

var errUnknownSender = errors.New("unknown sender")

// StaticResolver is a map backed resolver for tests and embedding.
type StaticResolver struct {
	mu   sync.RWMutex
	ids  map[string]Identity
	fail map[string]error
}

// NewStaticResolver returns a resolver knowing the given identities,
// keyed by their Sender.
func NewStaticResolver(ids ...Identity) *StaticResolver {
	r := &StaticResolver{
		ids:  make(map[string]Identity),
		fail: make(map[string]error),
	}
	for _, id := range ids {
		r.ids[id.Sender] = id
	}
	return r
}

// Add registers or replaces an identity.
func (r *StaticResolver) Add(id Identity) {
	r.mu.Lock()
	r.ids[id.Sender] = id
	delete(r.fail, id.Sender)
	r.mu.Unlock()
}

// Remove forgets sender, making further lookups fail.
func (r *StaticResolver) Remove(sender string) {
	r.mu.Lock()
	delete(r.ids, sender)
	r.mu.Unlock()
}

// Fail makes lookups of sender return err.
func (r *StaticResolver) Fail(sender string, err error) {
	r.mu.Lock()
	r.fail[sender] = err
	r.mu.Unlock()
}

func (r *StaticResolver) get(sender string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err, ok := r.fail[sender]; ok {
		return Identity{}, lookupError(sender, err)
	}
	id, ok := r.ids[sender]
	if !ok {
		return Identity{}, lookupError(sender, errUnknownSender)
	}
	return id, nil
}

// ResolveUID implements Resolver.
func (r *StaticResolver) ResolveUID(_ context.Context, sender string) (uint32, error) {
	id, err := r.get(sender)
	return id.UID, err
}

// ResolvePID implements Resolver.
func (r *StaticResolver) ResolvePID(_ context.Context, sender string) (uint32, error) {
	id, err := r.get(sender)
	return id.PID, err
}
