// Package presence tracks which sessions are currently connected to a room.
// State is in-memory only; a Registry is created at service start and lives
// for the lifetime of the process.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Transition describes a membership change observed atomically inside the
// registry's critical section. Members is a snapshot taken after the change.
type Transition struct {
	Previous int
	Current  int
	Members  []string
	Changed  bool // false for a duplicate join or an absent leave
}

// Snapshot is a consistent view of a room's membership.
type Snapshot struct {
	Count   int
	Members []string
}

// Registry is a thread-safe set of session IDs per room. Rooms are created
// lazily on first join and are never removed, so an emptied room stays
// addressable.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{} // room -> set of session IDs
	onChange func(room string, count int)   // runs under mu after every join/leave
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
	}
}

// OnChange registers fn to receive a room's count after every Join and
// Leave. fn runs while the registry lock is held, so successive calls see
// counts in the order the changes were applied; it must not call back into
// the registry.
func (r *Registry) OnChange(fn func(room string, count int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Join adds sessionID to room. Joining twice is a no-op beyond the first call.
func (r *Registry) Join(room, sessionID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}

	prev := len(members)
	_, dup := members[sessionID]
	if !dup {
		members[sessionID] = struct{}{}
	}

	t := Transition{
		Previous: prev,
		Current:  len(members),
		Members:  sortedKeys(members),
		Changed:  !dup,
	}
	r.notify(room, t.Current)
	log.Debug().Str("module", "presence").Str("room", room).Str("sid", sessionID).
		Int("prev", t.Previous).Int("count", t.Current).Bool("changed", t.Changed).Msg("join")
	return t
}

// Leave removes sessionID from room. Leaving a room that was never created,
// or a session that is not a member, is a no-op: disconnect-before-connect
// and double disconnects are expected races.
func (r *Registry) Leave(room, sessionID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		log.Debug().Str("module", "presence").Str("room", room).Str("sid", sessionID).Msg("leave on unknown room ignored")
		return Transition{Members: []string{}}
	}

	prev := len(members)
	_, present := members[sessionID]
	if present {
		delete(members, sessionID)
	}

	t := Transition{
		Previous: prev,
		Current:  len(members),
		Members:  sortedKeys(members),
		Changed:  present,
	}
	r.notify(room, t.Current)
	log.Debug().Str("module", "presence").Str("room", room).Str("sid", sessionID).
		Int("prev", t.Previous).Int("count", t.Current).Bool("changed", t.Changed).Msg("leave")
	return t
}

// Count returns the number of sessions in room, or 0 if the room does not exist.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	n := len(r.rooms[room])
	r.mu.RUnlock()
	return n
}

// Snapshot returns the member count and a copy of the member list, read
// under a single lock acquisition.
func (r *Registry) Snapshot(room string) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	return Snapshot{
		Count:   len(members),
		Members: sortedKeys(members),
	}
}

// Contains reports whether sessionID is currently a member of room.
func (r *Registry) Contains(room, sessionID string) bool {
	r.mu.RLock()
	_, ok := r.rooms[room][sessionID]
	r.mu.RUnlock()
	return ok
}

// notify must be called with mu held.
func (r *Registry) notify(room string, count int) {
	if r.onChange != nil {
		r.onChange(room, count)
	}
}

// sortedKeys copies the set into a slice. Sorting keeps broadcast order
// deterministic, which makes logs and tests stable.
func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
