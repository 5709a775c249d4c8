package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It backs tests and
// database-less deployments.
type MemoryStore struct {
	mu            sync.Mutex
	nextID        uint
	notifications map[uint]*Notification
	messages      []*SessionMessage
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:        1,
		notifications: make(map[uint]*Notification),
	}
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *Notification) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.Category == "" {
		n.Category = CategoryGeneral
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.ID = s.nextID
	s.nextID++

	stored := *n
	s.notifications[n.ID] = &stored
	return n.ID, nil
}

func (s *MemoryStore) MarkNotificationRead(_ context.Context, id uint, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.Recipient != recipient {
		return ErrNotFound
	}
	n.Read = true
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.notifications {
		if n.Recipient == recipient {
			n.Read = true
		}
	}
	return nil
}

func (s *MemoryStore) DismissNotification(_ context.Context, id uint, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.Recipient != recipient {
		return ErrNotFound
	}
	n.Dismissed = true
	return nil
}

func (s *MemoryStore) CountUnread(_ context.Context, recipient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var count int64
	for _, n := range s.notifications {
		if n.Recipient != recipient || n.Read || n.Dismissed {
			continue
		}
		if n.ExpiresAt != nil && !n.ExpiresAt.After(now) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) GetNotification(_ context.Context, id uint) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func (s *MemoryStore) SaveSessionMessage(_ context.Context, m *SessionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	stored := *m
	stored.ID = uint(len(s.messages) + 1)
	s.messages = append(s.messages, &stored)
	return nil
}

// SessionMessages returns the saved chat lines for a room, for tests.
func (s *MemoryStore) SessionMessages(roomID string) []*SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SessionMessage
	for _, m := range s.messages {
		if m.RoomID == roomID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out
}
