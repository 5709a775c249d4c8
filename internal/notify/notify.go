// Package notify creates notification records and pushes them to the
// recipient's personal group. Persistence always comes first: nothing is
// published for data that was never durably recorded. Live push is
// best-effort — delivering to a recipient with zero open connections is
// still a success.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strel-k/calmconnect-live/internal/group"
	"github.com/Strel-k/calmconnect-live/internal/metrics"
	"github.com/Strel-k/calmconnect-live/internal/protocol"
	"github.com/Strel-k/calmconnect-live/internal/storage"
)

// Options are the optional delivery fields; zero values are fine.
type Options struct {
	Category   storage.Category
	Priority   storage.Priority
	ActionURL  string
	ActionText string
	ExpiresIn  time.Duration
	Metadata   map[string]any
}

type Service struct {
	store  storage.Store
	groups *group.Router
	logger *slog.Logger
}

func NewService(store storage.Store, groups *group.Router, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		groups: groups,
		logger: logger.With(slog.String("component", "notify")),
	}
}

// Deliver persists a notification, then publishes the new_notification event
// followed by the updated unread count to the recipient's personal group.
// A storage failure aborts the whole delivery.
func (s *Service) Deliver(ctx context.Context, recipient, message string, opts Options) (uint, error) {
	n := &storage.Notification{
		Recipient:  recipient,
		Message:    message,
		Category:   opts.Category,
		Priority:   opts.Priority,
		ActionURL:  opts.ActionURL,
		ActionText: opts.ActionText,
		Metadata:   opts.Metadata,
		CreatedAt:  time.Now(),
	}
	if opts.ExpiresIn > 0 {
		expires := n.CreatedAt.Add(opts.ExpiresIn)
		n.ExpiresAt = &expires
	}

	id, err := s.store.CreateNotification(ctx, n)
	if err != nil {
		return 0, fmt.Errorf("persist notification: %w", err)
	}

	payload := protocol.NewNotification{
		ID:         id,
		Message:    n.Message,
		Category:   string(n.Category),
		Priority:   string(n.Priority),
		ActionURL:  n.ActionURL,
		ActionText: n.ActionText,
		CreatedAt:  n.CreatedAt,
		ExpiresAt:  n.ExpiresAt,
		Metadata:   n.Metadata,
	}
	s.publish(recipient, protocol.EventNewNotification, payload)
	s.publishCount(ctx, recipient)

	metrics.NotificationsDeliveredTotal.Inc()
	s.logger.Debug("notification delivered",
		slog.Uint64("id", uint64(id)),
		slog.String("recipient", recipient),
		slog.String("category", string(n.Category)))
	return id, nil
}

// MarkRead flips one notification to read and re-publishes the count. A
// notification that does not exist or is not owned by the recipient is
// logged and swallowed; the caller cannot tell the two apart.
func (s *Service) MarkRead(ctx context.Context, recipient string, id uint) error {
	err := s.store.MarkNotificationRead(ctx, id, recipient)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("mark_read denied",
			slog.Uint64("id", uint64(id)),
			slog.String("recipient", recipient))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	s.publishCount(ctx, recipient)
	return nil
}

// MarkAllRead marks every notification for the recipient as read and
// re-publishes the count. Idempotent.
func (s *Service) MarkAllRead(ctx context.Context, recipient string) error {
	if err := s.store.MarkAllRead(ctx, recipient); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	s.publishCount(ctx, recipient)
	return nil
}

// Dismiss hides one notification with the same ownership rule as MarkRead.
func (s *Service) Dismiss(ctx context.Context, recipient string, id uint) error {
	err := s.store.DismissNotification(ctx, id, recipient)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("dismiss denied",
			slog.Uint64("id", uint64(id)),
			slog.String("recipient", recipient))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	s.publishCount(ctx, recipient)
	return nil
}

// Reconcile returns the authoritative unread count from storage. Clients call
// it on every fresh join so they never have to trust events they may have
// missed while disconnected.
func (s *Service) Reconcile(ctx context.Context, recipient string) (int64, error) {
	count, err := s.store.CountUnread(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *Service) publish(recipient, event string, payload any) {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		s.logger.Error("failed to encode event", slog.String("event", event), slog.Any("error", err))
		return
	}
	s.groups.Publish(group.NotifyGroup(recipient), msg)
}

func (s *Service) publishCount(ctx context.Context, recipient string) {
	count, err := s.store.CountUnread(ctx, recipient)
	if err != nil {
		s.logger.Error("failed to count unread", slog.String("recipient", recipient), slog.Any("error", err))
		return
	}
	s.publish(recipient, protocol.EventNotificationCount, protocol.NotificationCount{Count: count})
}
