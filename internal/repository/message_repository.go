package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"realtime-service/internal/domain"
)

// MessageFilter selects one transcript, optionally older than a cursor message
type MessageFilter struct {
	WorkspaceID string
	Channel     string
	BeforeID    string
}

type MessageRepository interface {
	// Insert stores rec unless its id exists. It reports whether a row was written.
	Insert(ctx context.Context, rec *domain.MessageRecord) (bool, error)
	// Query returns up to limit rows, newest first
	Query(ctx context.Context, filter MessageFilter, limit int) ([]domain.MessageRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Insert(ctx context.Context, rec *domain.MessageRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return false, domain.WrapStoreError("insertMessage", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *messageRepository) Query(ctx context.Context, filter MessageFilter, limit int) ([]domain.MessageRecord, error) {
	query := r.db.WithContext(ctx).
		Where("workspace_id = ? AND channel = ?", filter.WorkspaceID, filter.Channel)

	if filter.BeforeID != "" {
		var cursor domain.MessageRecord
		err := r.db.WithContext(ctx).
			Select("id", "created_at").
			Where("id = ? AND workspace_id = ? AND channel = ?", filter.BeforeID, filter.WorkspaceID, filter.Channel).
			First(&cursor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 모르는 커서는 빈 페이지
			return []domain.MessageRecord{}, nil
		}
		if err != nil {
			return nil, domain.WrapStoreError("queryMessages", err)
		}
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var records []domain.MessageRecord
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, domain.WrapStoreError("queryMessages", err)
	}
	return records, nil
}

// DeleteOlderThan removes messages created before cutoff
func (r *messageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.MessageRecord{})
	if result.Error != nil {
		return 0, domain.WrapStoreError("deleteMessages", result.Error)
	}
	return result.RowsAffected, nil
}
