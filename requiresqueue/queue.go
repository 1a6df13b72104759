// Package requiresqueue implements the credential negotiation queue a
// session uses to collect secrets from a front end before it can connect.
//
// A backend adds requests with RequireAdd. Front ends enumerate the
// outstanding classes with PendingTypeGroups, fetch the prompts of one
// class with Fetch, answer them with Provide and then retry readiness.
package requiresqueue

import (
	"fmt"
	"slices"
	"sync"

	"github.com/yllada/vpn-sessiond/common"
	"github.com/yllada/vpn-sessiond/secret"
)

// Request is one prompt as seen by a front end. The answer itself is
// never part of a Request.
type Request struct {
	ID          uint32
	Type        Type
	Group       Group
	Name        string
	Description string
	HiddenInput bool
	Provided    bool
}

type entry struct {
	Request
	value *secret.Value
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	nextID  uint32
	entries []*entry
	gen     uint64
	seen    map[string]uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{seen: make(map[string]uint64)}
}

// RequireAdd adds an outstanding request and returns its id. Ids are
// unique for the lifetime of the queue and never reused, also across Reset.
func (q *Queue) RequireAdd(t Type, g Group, name, description string, hidden bool) uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.nextID
	q.nextID++
	q.entries = append(q.entries, &entry{Request: Request{
		ID:          id,
		Type:        t,
		Group:       g,
		Name:        name,
		Description: description,
		HiddenInput: hidden,
	}})
	q.gen++
	return id
}

// PendingTypeGroups returns the distinct classes with at least one
// outstanding request, ordered by first appearance.
func (q *Queue) PendingTypeGroups() []common.TypeGroup {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []common.TypeGroup
	for _, e := range q.entries {
		if e.Provided {
			continue
		}
		tg := common.TypeGroup{Type: uint32(e.Type), Group: uint32(e.Group)}
		if !slices.Contains(out, tg) {
			out = append(out, tg)
		}
	}
	return out
}

// Fetch returns the requests of one class in id order and records that
// caller has seen the current set.
func (q *Queue) Fetch(caller string, t Type, g Group) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Request
	for _, e := range q.entries {
		if e.Type == t && e.Group == g {
			out = append(out, e.Request)
		}
	}
	q.seen[caller] = q.gen
	return out
}

// CheckForNew reports whether requests were added or dropped since the
// caller's last Fetch. A caller that never fetched sees any outstanding
// request as new.
func (q *Queue) CheckForNew(caller string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	last, ok := q.seen[caller]
	if !ok {
		for _, e := range q.entries {
			if !e.Provided {
				return true
			}
		}
		return false
	}
	return last != q.gen
}

// Forget drops the bookkeeping of a caller that went away. The caller
// counts as never having fetched afterwards.
func (q *Queue) Forget(caller string) {
	q.mu.Lock()
	delete(q.seen, caller)
	q.mu.Unlock()
}

// Provide answers one outstanding request.
func (q *Queue) Provide(id uint32, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.find(id)
	if e == nil {
		return &common.RequestError{ID: id, Err: common.ErrUnknownRequest}
	}
	if e.Provided {
		return &common.RequestError{ID: id, Err: common.ErrAlreadyProvided}
	}
	if value == "" {
		return &common.RequestError{ID: id, Err: fmt.Errorf("%w: empty value", common.ErrInvalidArgument)}
	}

	v, err := secret.FromString(value)
	if err != nil {
		return &common.RequestError{ID: id, Err: err}
	}
	e.value = v
	e.Provided = true
	return nil
}

// Outstanding returns the number of unanswered requests.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if !e.Provided {
			n++
		}
	}
	return n
}

// Value returns the answer of the request matching the class and name.
func (q *Queue) Value(t Type, g Group, name string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.Type == t && e.Group == g && e.Name == name && e.Provided {
			return e.value.String(), true
		}
	}
	return "", false
}

// Values returns name to answer for every provided request of a group.
func (q *Queue) Values(g Group) map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]string)
	for _, e := range q.entries {
		if e.Group == g && e.Provided {
			out[e.Name] = e.value.String()
		}
	}
	return out
}

// ClearGroup drops every request of one class, answered or not.
func (q *Queue) ClearGroup(t Type, g Group) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Type == t && e.Group == g {
			e.wipe()
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	q.gen++
}

// Reset drops every request and wipes every answer.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		e.wipe()
	}
	q.entries = nil
	q.seen = make(map[string]uint64)
	q.gen++
}

func (q *Queue) find(id uint32) *entry {
	for _, e := range q.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (e *entry) wipe() {
	if e.value != nil {
		e.value.Close()
		e.value = nil
	}
}
