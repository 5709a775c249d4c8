package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore is the postgres-backed Store.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// OpenPostgres connects to postgres with a short retry loop so the engine can
// start before its database container is ready, then migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	var db *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			break
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Notification{}, &SessionMessage{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateNotification(ctx context.Context, n *Notification) (uint, error) {
	if n.Category == "" {
		n.Category = CategoryGeneral
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return 0, err
	}
	return n.ID, nil
}

func (s *GormStore) MarkNotificationRead(ctx context.Context, id uint, recipient string) error {
	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND recipient = ?", id, recipient).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either the row doesn't exist, belongs to someone else, or is
		// already read. The first two must stay indistinguishable; check
		// ownership to keep the already-read case idempotent.
		var count int64
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id = ? AND recipient = ?", id, recipient).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *GormStore) MarkAllRead(ctx context.Context, recipient string) error {
	return s.db.WithContext(ctx).Model(&Notification{}).
		Where("recipient = ? AND read = ?", recipient, false).
		Update("read", true).Error
}

func (s *GormStore) DismissNotification(ctx context.Context, id uint, recipient string) error {
	res := s.db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND recipient = ?", id, recipient).
		Update("dismissed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Notification{}).
			Where("id = ? AND recipient = ?", id, recipient).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (s *GormStore) CountUnread(ctx context.Context, recipient string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Notification{}).
		Where("recipient = ? AND read = ? AND dismissed = ?", recipient, false, false).
		Where("expires_at IS NULL OR expires_at > ?", time.Now()).
		Count(&count).Error
	return count, err
}

func (s *GormStore) GetNotification(ctx context.Context, id uint) (*Notification, error) {
	var n Notification
	err := s.db.WithContext(ctx).First(&n, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *GormStore) SaveSessionMessage(ctx context.Context, m *SessionMessage) error {
	return s.db.WithContext(ctx).Create(m).Error
}
