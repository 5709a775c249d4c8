// Package protocol defines the JSON messages exchanged with clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound message types accepted from clients.
const (
	TypeMarkRead    = "mark_read"
	TypeMarkAllRead = "mark_all_read"
	TypeDismiss     = "dismiss"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSignal      = "signal"
	TypeChat        = "chat"
)

// Outbound event names.
const (
	EventNewNotification   = "new_notification"
	EventNotificationCount = "notification_count"
	EventSessionStarted    = "session_started"
	EventSessionEnded      = "session_ended"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventWebRTCSignal      = "webrtc_signal"
	EventChatMessage       = "chat_message"
)

// ClientMessage is the envelope for every inbound frame.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope for every outbound frame.
type ServerMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a payload in the outbound envelope and marshals it.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ServerMessage{Event: event, Payload: raw})
}

type NewNotification struct {
	ID         uint           `json:"id"`
	Message    string         `json:"message"`
	Category   string         `json:"category"`
	Priority   string         `json:"priority"`
	ActionURL  string         `json:"action_url,omitempty"`
	ActionText string         `json:"action_text,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type NotificationCount struct {
	Count int64 `json:"count"`
}

type SessionStarted struct {
	RoomID string `json:"room_id"`
}

type SessionEnded struct {
	RoomID string `json:"room_id"`
}

type UserPresence struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type WebRTCSignal struct {
	RoomID string          `json:"room_id"`
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

type ChatMessage struct {
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
