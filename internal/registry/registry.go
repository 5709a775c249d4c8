// Package registry owns the set of live connections and binds each one to an
// authenticated identity. It is a transport multiplexer only: it never
// interprets message content.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strel-k/calmconnect-live/internal/metrics"
)

// Transport is the send/close surface the registry needs from a connection.
// *transport.Connection satisfies it.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// ErrAuthenticationRequired is returned when a registration arrives without a
// verified identity.
var ErrAuthenticationRequired = errors.New("registry: authentication required")

// Identity is an authenticated principal. Many connections may share one
// identity (multiple tabs or devices).
type Identity struct {
	ID   string
	Role string
}

// Connection is one live transport endpoint bound to an identity.
type Connection struct {
	ID        uuid.UUID
	Identity  Identity
	Transport Transport
	CreatedAt time.Time
}

// CleanupHook runs before a closing connection releases its resources. The
// group router installs one to strip the connection from every group.
type CleanupHook func(connID uuid.UUID)

type Registry struct {
	mu         sync.RWMutex
	conns      map[uuid.UUID]*Connection
	byIdentity map[string]map[uuid.UUID]*Connection

	cleanupMu sync.RWMutex
	cleanups  []CleanupHook

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:      make(map[uuid.UUID]*Connection),
		byIdentity: make(map[string]map[uuid.UUID]*Connection),
		logger:     logger.With(slog.String("component", "registry")),
	}
}

// OnClose appends a cleanup hook. Hooks run in registration order before the
// transport is released.
func (r *Registry) OnClose(hook CleanupHook) {
	r.cleanupMu.Lock()
	defer r.cleanupMu.Unlock()
	r.cleanups = append(r.cleanups, hook)
}

// Register binds a transport connection to an identity. It fails when the
// identity is unverified.
func (r *Registry) Register(identity Identity, tc Transport) (*Connection, error) {
	if identity.ID == "" {
		return nil, ErrAuthenticationRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	connID := tc.ID()
	if _, exists := r.conns[connID]; exists {
		return nil, errors.New("registry: connection is already registered")
	}
	conn := &Connection{
		ID:        connID,
		Identity:  identity,
		Transport: tc,
		CreatedAt: time.Now(),
	}
	r.conns[connID] = conn

	set, ok := r.byIdentity[identity.ID]
	if !ok {
		set = make(map[uuid.UUID]*Connection)
		r.byIdentity[identity.ID] = set
	}
	set[connID] = conn

	metrics.WsConnections.Inc()
	r.logger.Debug("connection registered", slog.String("connID", connID.String()), slog.String("identity", identity.ID))
	return conn, nil
}

// Send enqueues a message on one connection. Unknown or closed connections
// are a no-op: a publish racing a close is dropped, not retried.
func (r *Registry) Send(connID uuid.UUID, message []byte) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		metrics.PublishDroppedTotal.Inc()
		return
	}
	conn.Transport.Send(message)
}

// Close removes a connection, runs the cleanup hooks (group and presence
// removal), then releases the transport. Idempotent.
func (r *Registry) Close(connID uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if set, ok := r.byIdentity[conn.Identity.ID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byIdentity, conn.Identity.ID)
		}
	}
	r.mu.Unlock()

	r.cleanupMu.RLock()
	hooks := r.cleanups
	r.cleanupMu.RUnlock()
	for _, hook := range hooks {
		hook(connID)
	}

	conn.Transport.Close(nil)
	metrics.WsConnections.Dec()
	r.logger.Debug("connection closed", slog.String("connID", connID.String()), slog.String("identity", conn.Identity.ID))
}

// Get returns the registered connection for an id.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Connections returns every live connection for an identity.
func (r *Registry) Connections(identityID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identityID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// CountFor reports how many connections an identity currently holds.
func (r *Registry) CountFor(identityID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID])
}

// Count reports the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OldestFor returns an identity's longest-lived connection, used by the
// connection limiter's cycle mode.
func (r *Registry) OldestFor(identityID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Connection
	for _, conn := range r.byIdentity[identityID] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// CloseAll tears down every live connection, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id)
	}
}
