// Package dispatch routes inbound client frames to the engine's services.
// One dispatch call runs per frame on the connection's read goroutine;
// malformed frames and unknown types are logged and ignored so a misbehaving
// client never disturbs other connections in its groups.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/Strel-k/calmconnect-live/internal/group"
	"github.com/Strel-k/calmconnect-live/internal/notify"
	"github.com/Strel-k/calmconnect-live/internal/presence"
	"github.com/Strel-k/calmconnect-live/internal/protocol"
	"github.com/Strel-k/calmconnect-live/internal/registry"
	"github.com/Strel-k/calmconnect-live/internal/storage"
)

type Dispatcher struct {
	reg           *registry.Registry
	groups        *group.Router
	rooms         *presence.Tracker
	notifications *notify.Service
	store         storage.Store
	logger        *slog.Logger
}

func NewDispatcher(reg *registry.Registry, groups *group.Router, rooms *presence.Tracker, notifications *notify.Service, store storage.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:           reg,
		groups:        groups,
		rooms:         rooms,
		notifications: notifications,
		store:         store,
		logger:        logger.With(slog.String("component", "dispatch")),
	}
}

// HandleConnect joins the new connection to its identity's personal group and
// reconciles the unread count straight to that connection, so a reconnecting
// client never has to trust events it missed while away.
func (d *Dispatcher) HandleConnect(ctx context.Context, conn *registry.Connection) {
	d.groups.Join(group.NotifyGroup(conn.Identity.ID), conn.ID)

	count, err := d.notifications.Reconcile(ctx, conn.Identity.ID)
	if err != nil {
		d.logger.Error("reconcile failed", slog.String("identity", conn.Identity.ID), slog.Any("error", err))
		return
	}
	msg, err := protocol.Encode(protocol.EventNotificationCount, protocol.NotificationCount{Count: count})
	if err != nil {
		d.logger.Error("failed to encode count", slog.Any("error", err))
		return
	}
	d.reg.Send(conn.ID, msg)
}

// HandleMessage is the inbound frame handler installed on every connection.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.logger.Warn("malformed frame", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	conn, ok := d.reg.Get(connID)
	if !ok {
		d.logger.Warn("frame from unregistered connection", slog.String("connID", connID.String()))
		return
	}

	payload := string(msg.Payload)
	switch msg.Type {
	case protocol.TypeMarkRead:
		d.handleMarkRead(ctx, conn, payload)
	case protocol.TypeMarkAllRead:
		if err := d.notifications.MarkAllRead(ctx, conn.Identity.ID); err != nil {
			d.logger.Error("mark_all_read failed", slog.String("identity", conn.Identity.ID), slog.Any("error", err))
		}
	case protocol.TypeDismiss:
		d.handleDismiss(ctx, conn, payload)
	case protocol.TypeJoinRoom:
		d.handleJoinRoom(conn, payload)
	case protocol.TypeLeaveRoom:
		d.handleLeaveRoom(conn, payload)
	case protocol.TypeSignal:
		d.handleSignal(conn, msg.Payload)
	case protocol.TypeChat:
		d.handleChat(ctx, conn, payload)
	default:
		d.logger.Warn("unknown message type", slog.String("type", msg.Type), slog.String("connID", connID.String()))
	}
}

func (d *Dispatcher) handleMarkRead(ctx context.Context, conn *registry.Connection, payload string) {
	id := gjson.Get(payload, "notification_id")
	if !id.Exists() {
		d.logger.Warn("mark_read missing notification_id", slog.String("connID", conn.ID.String()))
		return
	}
	if err := d.notifications.MarkRead(ctx, conn.Identity.ID, uint(id.Uint())); err != nil {
		d.logger.Error("mark_read failed", slog.String("identity", conn.Identity.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) handleDismiss(ctx context.Context, conn *registry.Connection, payload string) {
	id := gjson.Get(payload, "notification_id")
	if !id.Exists() {
		d.logger.Warn("dismiss missing notification_id", slog.String("connID", conn.ID.String()))
		return
	}
	if err := d.notifications.Dismiss(ctx, conn.Identity.ID, uint(id.Uint())); err != nil {
		d.logger.Error("dismiss failed", slog.String("identity", conn.Identity.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) handleJoinRoom(conn *registry.Connection, payload string) {
	roomID := gjson.Get(payload, "room_id").String()
	if roomID == "" {
		d.logger.Warn("join_room missing room_id", slog.String("connID", conn.ID.String()))
		return
	}
	role := gjson.Get(payload, "role").String()
	d.rooms.OnJoin(roomID, conn.ID, conn.Identity, role)
}

func (d *Dispatcher) handleLeaveRoom(conn *registry.Connection, payload string) {
	roomID := gjson.Get(payload, "room_id").String()
	if roomID == "" {
		d.logger.Warn("leave_room missing room_id", slog.String("connID", conn.ID.String()))
		return
	}
	d.rooms.OnLeave(roomID, conn.ID)
}

func (d *Dispatcher) handleSignal(conn *registry.Connection, payload json.RawMessage) {
	roomID := gjson.GetBytes(payload, "room_id").String()
	data := gjson.GetBytes(payload, "data")
	if roomID == "" || !data.Exists() {
		d.logger.Warn("signal missing room_id or data", slog.String("connID", conn.ID.String()))
		return
	}
	d.rooms.Relay(roomID, protocol.EventWebRTCSignal, protocol.WebRTCSignal{
		RoomID: roomID,
		UserID: conn.Identity.ID,
		Data:   json.RawMessage(data.Raw),
	})
}

func (d *Dispatcher) handleChat(ctx context.Context, conn *registry.Connection, payload string) {
	roomID := gjson.Get(payload, "room_id").String()
	text := gjson.Get(payload, "text").String()
	if roomID == "" || text == "" {
		d.logger.Warn("chat missing room_id or text", slog.String("connID", conn.ID.String()))
		return
	}

	now := time.Now()
	// Chat persistence is best-effort; the relay proceeds even when the
	// store is down since room traffic does not depend on storage.
	if err := d.store.SaveSessionMessage(ctx, &storage.SessionMessage{
		RoomID:    roomID,
		SenderID:  conn.Identity.ID,
		Body:      text,
		CreatedAt: now,
	}); err != nil {
		d.logger.Error("failed to save chat message", slog.String("roomID", roomID), slog.Any("error", err))
	}

	d.rooms.Relay(roomID, protocol.EventChatMessage, protocol.ChatMessage{
		RoomID:    roomID,
		UserID:    conn.Identity.ID,
		Role:      conn.Identity.Role,
		Text:      text,
		CreatedAt: now,
	})
}
