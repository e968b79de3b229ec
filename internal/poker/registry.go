package poker

import (
	"slices"
	"sync"
)

// Registry is the in-memory bookkeeping for live sessions: the connection
// set and the member-name list per session code. Members are kept in join
// order so owner succession on disconnect is deterministic.
//
// All methods are safe for concurrent use; the mutex also serializes
// membership changes against the connection snapshots taken for
// broadcasting, so a participant never silently vanishes from a session
// view mid-broadcast.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]map[Conn]bool
	members map[string][]string
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[string]map[Conn]bool),
		members: make(map[string][]string),
	}
}

// Allocate generates a fresh session code, retrying on collision with any
// live session, and reserves it so a concurrent create cannot take it.
func (r *Registry) Allocate() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := randomCode()
	for r.conns[code] != nil {
		code = randomCode()
	}
	r.conns[code] = make(map[Conn]bool)
	return code
}

// Release drops a reserved code whose session never materialized, e.g.
// when persisting the new session's fields failed.
func (r *Registry) Release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns[code]) == 0 {
		delete(r.conns, code)
		delete(r.members, code)
	}
}

// AddMember binds a connection and a display name to a session. The name
// must be unique within the session; a name held by another connection
// yields ErrNameTaken and no mutation. Unknown codes get their session
// bookkeeping created on the spot: the durable store is the source of
// truth for which codes exist.
func (r *Registry) AddMember(code string, conn Conn, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.members[code], name) {
		return ErrNameTaken
	}
	if r.conns[code] == nil {
		r.conns[code] = make(map[Conn]bool)
	}
	r.conns[code][conn] = true
	r.members[code] = append(r.members[code], name)
	return nil
}

// RemoveMember removes a connection and its member name from a session.
// Removing an unknown pair is a no-op.
func (r *Registry) RemoveMember(code string, conn Conn, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.conns[code]; ok {
		delete(set, conn)
	}
	if i := slices.Index(r.members[code], name); i >= 0 {
		r.members[code] = slices.Delete(r.members[code], i, i+1)
	}
}

// Members returns the session's member names in join order.
func (r *Registry) Members(code string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.members[code])
}

// HasMember reports whether name is currently a member of the session.
func (r *Registry) HasMember(code, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Contains(r.members[code], name)
}

// Conns returns a snapshot of the session's live connections.
func (r *Registry) Conns(code string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[code]
	out := make([]Conn, 0, len(set))
	for conn := range set {
		out = append(out, conn)
	}
	return out
}

// ConnCount returns the number of live connections in the session.
func (r *Registry) ConnCount(code string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns[code])
}

// Known reports whether the session code has live in-memory state.
func (r *Registry) Known(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.conns[code]
	return ok
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Destroy removes all in-memory state for a session.
func (r *Registry) Destroy(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, code)
	delete(r.members, code)
}
