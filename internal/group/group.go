// Package group maintains named broadcast sets of connections and fans
// messages out to every member. Membership mutation and publishing are
// serialized per group, so a publish never observes a half-updated member
// set; distinct groups operate independently.
package group

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Strel-k/calmconnect-live/internal/registry"
)

// NotifyGroup names an identity's personal notification group.
func NotifyGroup(identityID string) string { return "notify:" + identityID }

// RoomGroup names the broadcast group for a session room.
func RoomGroup(roomID string) string { return "room:" + roomID }

type set struct {
	mu      sync.Mutex
	members map[uuid.UUID]struct{}
	// pruned marks a set that has been removed from the router's map. A join
	// that raced the prune must not insert here; it re-fetches instead.
	pruned bool
}

type Router struct {
	reg    *registry.Registry
	mu     sync.RWMutex
	groups map[string]*set
	logger *slog.Logger
}

func NewRouter(reg *registry.Registry, logger *slog.Logger) *Router {
	r := &Router{
		reg:    reg,
		groups: make(map[string]*set),
		logger: logger.With(slog.String("component", "group_router")),
	}
	// Closing a connection strips it from every group before the transport
	// queue is released.
	reg.OnClose(r.LeaveAll)
	return r
}

func (r *Router) get(name string) (*set, bool) {
	r.mu.RLock()
	g, ok := r.groups[name]
	r.mu.RUnlock()
	return g, ok
}

func (r *Router) getOrCreate(name string) *set {
	if g, ok := r.get(name); ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		g = &set{members: make(map[uuid.UUID]struct{})}
		r.groups[name] = g
	}
	return g
}

// Join adds a connection to a group, creating the group lazily. Idempotent.
// Returns the member count after the join. A join that races the pruning of
// an emptied set retries against a fresh one, so the member is never written
// into a set the router no longer reaches.
func (r *Router) Join(name string, connID uuid.UUID) int {
	for {
		g := r.getOrCreate(name)
		g.mu.Lock()
		if g.pruned {
			g.mu.Unlock()
			continue
		}
		g.members[connID] = struct{}{}
		n := len(g.members)
		g.mu.Unlock()
		return n
	}
}

// Leave removes a connection from a group. Idempotent; an empty group is
// pruned.
func (r *Router) Leave(name string, connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		return
	}
	g.mu.Lock()
	delete(g.members, connID)
	empty := len(g.members) == 0
	if empty {
		g.pruned = true
	}
	g.mu.Unlock()
	if empty {
		delete(r.groups, name)
	}
}

// Publish delivers a message to every current member of a group. Delivery to
// each queue happens under the group lock, which makes per-group ordering
// FIFO across publishes.
func (r *Router) Publish(name string, message []byte) {
	g, ok := r.get(name)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for connID := range g.members {
		r.reg.Send(connID, message)
	}
}

// LeaveAll removes a connection from every group it belongs to.
func (r *Router) LeaveAll(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, g := range r.groups {
		g.mu.Lock()
		delete(g.members, connID)
		empty := len(g.members) == 0
		if empty {
			g.pruned = true
		}
		g.mu.Unlock()
		if empty {
			delete(r.groups, name)
		}
	}
}

// Members reports a group's current size.
func (r *Router) Members(name string) int {
	g, ok := r.get(name)
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}
