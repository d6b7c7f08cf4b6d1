// Package presence tracks which bot identities are connected, on which
// connection, and which conversation groups each one belongs to.
package presence

import (
	"slices"
	"sync"
)

// Conn is the live transport handle of a connected bot. The registry never
// owns it; the transport closes it and calls Release.
type Conn interface {
	SelfID() int64
	Closed() bool
}

// Registry is the process-wide presence view. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	bots   map[int64]Conn
	groups map[int64]map[int64]struct{} // absent key = membership unknown
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bots:   make(map[int64]Conn),
		groups: make(map[int64]map[int64]struct{}),
	}
}

// AddBot records botID as online on conn, replacing any previous handle.
// It reports whether the bot was not online before.
func (r *Registry) AddBot(botID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.bots[botID]
	r.bots[botID] = conn
	return !existed
}

// RemoveBot drops botID from the online set. Idempotent.
func (r *Registry) RemoveBot(botID int64) {
	r.mu.Lock()
	delete(r.bots, botID)
	r.mu.Unlock()
}

// Release removes botID only if conn is still its registered handle.
// A closing stale connection therefore cannot evict a bot that already
// reconnected on a new one. It reports whether the bot was removed.
func (r *Registry) Release(botID int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.bots[botID]
	if !ok || cur != conn {
		return false
	}
	delete(r.bots, botID)
	return true
}

// OnlineBots returns the ids of online bots whose handle is still open, ascending.
func (r *Registry) OnlineBots() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.bots))
	for id, c := range r.bots {
		if c != nil && c.Closed() {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsOnline reports whether botID has an open handle.
func (r *Registry) IsOnline(botID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bots[botID]
	return ok && (c == nil || !c.Closed())
}

// Conn returns the handle registered for botID.
func (r *Registry) Conn(botID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bots[botID]
	if !ok || (c != nil && c.Closed()) {
		return nil, false
	}
	return c, true
}

// UpdateGroups replaces the membership set for botID.
func (r *Registry) UpdateGroups(botID int64, groupIDs []int64) {
	set := make(map[int64]struct{}, len(groupIDs))
	for _, g := range groupIDs {
		set[g] = struct{}{}
	}
	r.mu.Lock()
	r.groups[botID] = set
	r.mu.Unlock()
}

// InGroup reports whether botID belongs to groupID. When no membership data
// was ever recorded for botID the answer is true, so a freshly connected
// fleet never leaves a group unserved.
func (r *Registry) InGroup(botID, groupID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, known := r.groups[botID]
	if !known {
		return true
	}
	_, ok := set[groupID]
	return ok
}

// HasGroupData reports whether membership for botID is known.
func (r *Registry) HasGroupData(botID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[botID]
	return ok
}

// ClearGroups forgets membership for botID, reverting to the optimistic default.
func (r *Registry) ClearGroups(botID int64) {
	r.mu.Lock()
	delete(r.groups, botID)
	r.mu.Unlock()
}

// Snapshot is a point-in-time copy of the registry, suitable for logging
// and for running several elections against a consistent view.
type Snapshot struct {
	Online map[int64]bool
	Groups map[int64][]int64
}

// Snapshot copies the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Online: make(map[int64]bool, len(r.bots)),
		Groups: make(map[int64][]int64, len(r.groups)),
	}
	for id, c := range r.bots {
		s.Online[id] = c == nil || !c.Closed()
	}
	for id, set := range r.groups {
		gs := make([]int64, 0, len(set))
		for g := range set {
			gs = append(gs, g)
		}
		slices.Sort(gs)
		s.Groups[id] = gs
	}
	return s
}
