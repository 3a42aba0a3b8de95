package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"realtime-service/internal/domain"
)

// NotificationQuery selects a page of one (workspace, user) backlog
type NotificationQuery struct {
	WorkspaceID string
	UserID      string
	UnreadOnly  bool
	Limit       int
	Offset      int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	// List returns the page newest first and the total matching rows
	List(ctx context.Context, q NotificationQuery) ([]domain.Notification, int64, error)
	CountUnread(ctx context.Context, workspaceID, userID string) (int64, error)
	// MarkRead flips one notification of userID. Already-read rows are returned unchanged.
	MarkRead(ctx context.Context, id, userID string, at time.Time) (*domain.Notification, bool, error)
	// MarkReadBatch flips the unread rows among ids and returns the flipped rows
	MarkReadBatch(ctx context.Context, ids []string, userID string, at time.Time) ([]domain.Notification, error)
	MarkAllRead(ctx context.Context, workspaceID, userID string, at time.Time) ([]domain.Notification, error)
	CleanupOld(ctx context.Context, cutoff time.Time) (int64, error)
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return domain.WrapStoreError("createNotification", err)
	}
	return nil
}

func (r *notificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var n domain.Notification
	if err := r.db.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
		return nil, domain.WrapStoreError("getNotification", notFound(err))
	}
	return &n, nil
}

func (r *notificationRepository) List(ctx context.Context, q NotificationQuery) ([]domain.Notification, int64, error) {
	var notifications []domain.Notification
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("workspace_id = ? AND user_id = ?", q.WorkspaceID, q.UserID)

	if q.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, domain.WrapStoreError("listNotifications", err)
	}

	if err := query.Order("created_at DESC").Order("id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&notifications).Error; err != nil {
		return nil, 0, domain.WrapStoreError("listNotifications", err)
	}

	return notifications, total, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, workspaceID, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("workspace_id = ? AND user_id = ? AND is_read = ?", workspaceID, userID, false).
		Count(&count).Error
	if err != nil {
		return 0, domain.WrapStoreError("countUnread", err)
	}
	return count, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id, userID string, at time.Time) (*domain.Notification, bool, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.UserID != userID {
		return nil, false, domain.WrapStoreError("markRead", domain.ErrForbidden)
	}
	if current.IsRead {
		return current, false, nil
	}

	result := r.db.WithContext(ctx).Model(&domain.Notification{}).
		Where("id = ? AND user_id = ? AND is_read = ?", id, userID, false).
		Updates(map[string]interface{}{
			"is_read": true,
			"read_at": at,
		})
	if result.Error != nil {
		return nil, false, domain.WrapStoreError("markRead", result.Error)
	}

	updated, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	// 다른 요청이 먼저 읽음 처리한 경우
	return updated, result.RowsAffected > 0, nil
}

func (r *notificationRepository) MarkReadBatch(ctx context.Context, ids []string, userID string, at time.Time) ([]domain.Notification, error) {
	if len(ids) == 0 {
		return []domain.Notification{}, nil
	}
	return r.flip(ctx, "markReadBatch", at, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id IN ? AND user_id = ? AND is_read = ?", ids, userID, false)
	})
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, workspaceID, userID string, at time.Time) ([]domain.Notification, error) {
	return r.flip(ctx, "markAllRead", at, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("workspace_id = ? AND user_id = ? AND is_read = ?", workspaceID, userID, false)
	})
}

// CleanupOld deletes read notifications created before cutoff
func (r *notificationRepository) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("is_read = ? AND created_at < ?", true, cutoff).
		Delete(&domain.Notification{})
	if result.Error != nil {
		return 0, domain.WrapStoreError("cleanupNotifications", result.Error)
	}
	return result.RowsAffected, nil
}

// flip marks the rows selected by scope read inside one transaction and returns them
func (r *notificationRepository) flip(ctx context.Context, op string, at time.Time, scope func(*gorm.DB) *gorm.DB) ([]domain.Notification, error) {
	var flipped []domain.Notification
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scope(tx.Model(&domain.Notification{})).Find(&flipped).Error; err != nil {
			return err
		}
		if len(flipped) == 0 {
			return nil
		}
		ids := make([]string, len(flipped))
		for i := range flipped {
			ids[i] = flipped[i].ID
		}
		return tx.Model(&domain.Notification{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"is_read": true,
				"read_at": at,
			}).Error
	})
	if err != nil {
		return nil, domain.WrapStoreError(op, err)
	}

	for i := range flipped {
		flipped[i].IsRead = true
		readAt := at
		flipped[i].ReadAt = &readAt
	}
	return flipped, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
