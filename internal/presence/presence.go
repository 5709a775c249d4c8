// Package presence tracks which identities are present in session rooms and
// drives the room status state machine. A room activates exactly once, when
// every required role has at least one present connection; it ends only via
// an explicit End call, never from presence loss alone.
package presence

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strel-k/calmconnect-live/internal/group"
	"github.com/Strel-k/calmconnect-live/internal/metrics"
	"github.com/Strel-k/calmconnect-live/internal/protocol"
	"github.com/Strel-k/calmconnect-live/internal/registry"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// NewRoomID mints a room id the way the upstream scheduler does.
func NewRoomID() string {
	return "session_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

type member struct {
	identity registry.Identity
	role     string
}

type room struct {
	mu          sync.Mutex
	id          string
	status      Status
	createdAt   time.Time
	activatedAt time.Time
	endedAt     time.Time
	// present connections per role, then per identity.
	present map[string]map[string]map[uuid.UUID]struct{}
}

func (rm *room) rolePresent(role string) bool {
	for _, conns := range rm.present[role] {
		if len(conns) > 0 {
			return true
		}
	}
	return false
}

func (rm *room) empty() bool {
	for _, identities := range rm.present {
		for _, conns := range identities {
			if len(conns) > 0 {
				return false
			}
		}
	}
	return true
}

type Tracker struct {
	groups   *group.Router
	required []string

	mu    sync.RWMutex
	rooms map[string]*room
	// joined maps each connection to the rooms it is present in, so a
	// dropped connection can be cleaned out of presence state.
	joined map[uuid.UUID]map[string]member

	logger *slog.Logger
}

func NewTracker(groups *group.Router, requiredRoles []string, logger *slog.Logger) *Tracker {
	if len(requiredRoles) == 0 {
		requiredRoles = []string{"student", "counselor"}
	}
	return &Tracker{
		groups:   groups,
		required: requiredRoles,
		rooms:    make(map[string]*room),
		joined:   make(map[uuid.UUID]map[string]member),
		logger:   logger.With(slog.String("component", "presence")),
	}
}

// Attach registers the tracker's cleanup hook so a closing connection leaves
// every room it was present in.
func (t *Tracker) Attach(reg *registry.Registry) {
	reg.OnClose(t.dropConnection)
}

func (t *Tracker) getOrCreate(roomID string) *room {
	t.mu.RLock()
	rm := t.rooms[roomID]
	t.mu.RUnlock()
	if rm != nil {
		return rm
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rm = t.rooms[roomID]
	if rm == nil {
		rm = &room{
			id:        roomID,
			status:    StatusWaiting,
			createdAt: time.Now(),
			present:   make(map[string]map[string]map[uuid.UUID]struct{}),
		}
		t.rooms[roomID] = rm
	}
	return rm
}

// OnJoin records a present (identity, role) connection, joins the room group,
// and evaluates the activation predicate. Duplicate joins only refresh the
// connection set. Joins to an ended room are accepted and do nothing.
func (t *Tracker) OnJoin(roomID string, connID uuid.UUID, identity registry.Identity, role string) {
	if role == "" {
		role = identity.Role
	}
	rm := t.getOrCreate(roomID)

	rm.mu.Lock()
	if rm.status == StatusEnded {
		rm.mu.Unlock()
		t.logger.Debug("join ignored, room already ended", slog.String("roomID", roomID))
		return
	}

	identities := rm.present[role]
	if identities == nil {
		identities = make(map[string]map[uuid.UUID]struct{})
		rm.present[role] = identities
	}
	conns := identities[identity.ID]
	if conns == nil {
		conns = make(map[uuid.UUID]struct{})
		identities[identity.ID] = conns
	}
	conns[connID] = struct{}{}

	t.groups.Join(group.RoomGroup(roomID), connID)
	t.rememberJoin(connID, roomID, identity, role)

	t.broadcast(roomID, protocol.EventUserJoined, protocol.UserPresence{
		RoomID: roomID,
		UserID: identity.ID,
		Role:   role,
	})

	if rm.status == StatusWaiting && t.allRolesPresent(rm) {
		rm.status = StatusActive
		rm.activatedAt = time.Now()
		metrics.SessionsActivatedTotal.Inc()
		t.logger.Info("session activated", slog.String("roomID", roomID))
		t.broadcast(roomID, protocol.EventSessionStarted, protocol.SessionStarted{RoomID: roomID})
	}
	rm.mu.Unlock()
}

// OnLeave removes the presence recorded for a connection in a room and takes
// it out of the room group. It never transitions the room status: presence
// loss alone does not end a room.
func (t *Tracker) OnLeave(roomID string, connID uuid.UUID) {
	t.mu.Lock()
	rooms := t.joined[connID]
	m, ok := rooms[roomID]
	if ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(t.joined, connID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.mu.RLock()
	rm := t.rooms[roomID]
	t.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	if conns := rm.present[m.role][m.identity.ID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(rm.present[m.role], m.identity.ID)
		}
	}
	ended := rm.status == StatusEnded
	gc := ended && rm.empty()
	rm.mu.Unlock()

	t.groups.Leave(group.RoomGroup(roomID), connID)
	if !ended {
		t.broadcast(roomID, protocol.EventUserLeft, protocol.UserPresence{
			RoomID: roomID,
			UserID: m.identity.ID,
			Role:   m.role,
		})
	}
	if gc {
		t.gcRoom(roomID)
	}
}

// End transitions a room to ended and broadcasts session_ended. Idempotent;
// ending an already-ended room is a no-op, not an error.
func (t *Tracker) End(roomID string) {
	t.mu.RLock()
	rm := t.rooms[roomID]
	t.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	if rm.status == StatusEnded {
		rm.mu.Unlock()
		return
	}
	rm.status = StatusEnded
	rm.endedAt = time.Now()
	gc := rm.empty()
	t.logger.Info("session ended", slog.String("roomID", roomID))
	t.broadcast(roomID, protocol.EventSessionEnded, protocol.SessionEnded{RoomID: roomID})
	rm.mu.Unlock()

	if gc {
		t.gcRoom(roomID)
	}
}

// Status reports a room's current status.
func (t *Tracker) Status(roomID string) (Status, bool) {
	t.mu.RLock()
	rm := t.rooms[roomID]
	t.mu.RUnlock()
	if rm == nil {
		return "", false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.status, true
}

// ActivatedAt reports when a room activated, if it has.
func (t *Tracker) ActivatedAt(roomID string) (time.Time, bool) {
	t.mu.RLock()
	rm := t.rooms[roomID]
	t.mu.RUnlock()
	if rm == nil {
		return time.Time{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.activatedAt, !rm.activatedAt.IsZero()
}

func (t *Tracker) allRolesPresent(rm *room) bool {
	for _, role := range t.required {
		if !rm.rolePresent(role) {
			return false
		}
	}
	return true
}

func (t *Tracker) rememberJoin(connID uuid.UUID, roomID string, identity registry.Identity, role string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rooms := t.joined[connID]
	if rooms == nil {
		rooms = make(map[string]member)
		t.joined[connID] = rooms
	}
	rooms[roomID] = member{identity: identity, role: role}
}

// dropConnection runs as a registry cleanup hook when a connection closes.
func (t *Tracker) dropConnection(connID uuid.UUID) {
	t.mu.RLock()
	roomIDs := make([]string, 0, len(t.joined[connID]))
	for roomID := range t.joined[connID] {
		roomIDs = append(roomIDs, roomID)
	}
	t.mu.RUnlock()

	for _, roomID := range roomIDs {
		t.OnLeave(roomID, connID)
	}
}

// gcRoom removes a room from the index. Callers verify ended+empty under the
// room lock first; the room lock is never taken here so the tracker lock can
// be acquired while a room lock is held elsewhere without inverting order.
func (t *Tracker) gcRoom(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rooms[roomID]; ok {
		delete(t.rooms, roomID)
		t.logger.Debug("room garbage collected", slog.String("roomID", roomID))
	}
}

// broadcast publishes an event to the room group. Callers may hold the room
// lock; the group router takes only its own locks.
func (t *Tracker) broadcast(roomID, event string, payload any) {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		t.logger.Error("failed to encode room event", slog.String("event", event), slog.Any("error", err))
		return
	}
	t.groups.Publish(group.RoomGroup(roomID), msg)
}

// Relay fans an arbitrary already-encoded payload out to a room, used for
// webrtc signaling and chat. Relays to ended or unknown rooms are dropped.
func (t *Tracker) Relay(roomID, event string, payload any) bool {
	status, ok := t.Status(roomID)
	if !ok || status == StatusEnded {
		return false
	}
	t.broadcast(roomID, event, payload)
	return true
}
