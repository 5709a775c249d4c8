// Package storage is the engine's narrow persistence boundary. The engine
// assumes every call is atomic and immediately consistent; it never layers
// its own transactions on top.
package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record does not exist or is not owned by
// the given recipient. Callers must not distinguish the two cases.
var ErrNotFound = errors.New("storage: not found")

type Category string

const (
	CategoryAppointment Category = "appointment"
	CategoryReport      Category = "report"
	CategorySystem      Category = "system"
	CategoryReminder    Category = "reminder"
	CategoryFeedback    Category = "feedback"
	CategoryGeneral     Category = "general"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Metadata is a free-form JSON column.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("storage: cannot scan %T into Metadata", value)
	}
	return json.Unmarshal(raw, m)
}

// Notification is immutable after creation except for the read and dismissed
// flags. A notification belongs to exactly one recipient.
type Notification struct {
	ID         uint     `gorm:"primaryKey"`
	Recipient  string   `gorm:"size:64;index:idx_recipient_unread"`
	Message    string   `gorm:"type:text"`
	Category   Category `gorm:"size:20;default:general"`
	Priority   Priority `gorm:"size:10;default:normal"`
	ActionURL  string   `gorm:"size:255"`
	ActionText string   `gorm:"size:50"`
	Read       bool     `gorm:"index:idx_recipient_unread"`
	Dismissed  bool     `gorm:"index:idx_recipient_unread"`
	Metadata   Metadata `gorm:"type:jsonb"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// SessionMessage is a chat line relayed through a session room.
type SessionMessage struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    string `gorm:"size:100;index"`
	SenderID  string `gorm:"size:64"`
	Body      string `gorm:"type:text"`
	CreatedAt time.Time
}

// Store is everything the engine needs from persistence.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification) (uint, error)
	// MarkNotificationRead flips the read flag. ErrNotFound covers both a
	// missing id and an id owned by someone else.
	MarkNotificationRead(ctx context.Context, id uint, recipient string) error
	MarkAllRead(ctx context.Context, recipient string) error
	// DismissNotification flips the dismissed flag with the same ownership
	// rule as MarkNotificationRead.
	DismissNotification(ctx context.Context, id uint, recipient string) error
	// CountUnread counts notifications that are neither read, dismissed, nor
	// expired.
	CountUnread(ctx context.Context, recipient string) (int64, error)
	GetNotification(ctx context.Context, id uint) (*Notification, error)
	SaveSessionMessage(ctx context.Context, m *SessionMessage) error
}
