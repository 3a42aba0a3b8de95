package domain

import (
	"time"

	"gorm.io/datatypes"
)

// NotificationType is the kind of event a notification reports
type NotificationType string

const (
	NotificationTaskAssigned  NotificationType = "task_assigned"
	NotificationTaskCompleted NotificationType = "task_completed"
	NotificationTaskUpdated   NotificationType = "task_updated"
	NotificationCommentAdded  NotificationType = "comment_added"
	NotificationMention       NotificationType = "mention"
	NotificationSystem        NotificationType = "system"
)

// Valid reports whether t is a known notification kind
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTaskAssigned, NotificationTaskCompleted, NotificationTaskUpdated,
		NotificationCommentAdded, NotificationMention, NotificationSystem:
		return true
	}
	return false
}

// Notification is scoped to (WorkspaceID, UserID). IsRead only ever goes false -> true.
type Notification struct {
	ID          string            `gorm:"type:varchar(64);primaryKey" json:"id"`
	WorkspaceID string            `gorm:"type:varchar(64);not null;index:idx_notification_scope" json:"workspace_id"`
	UserID      string            `gorm:"type:varchar(64);not null;index:idx_notification_scope" json:"user_id"`
	Type        NotificationType  `gorm:"type:varchar(32);not null" json:"type"`
	Title       string            `gorm:"type:varchar(255);not null" json:"title"`
	Message     *string           `gorm:"type:text" json:"message"`
	Link        *string           `gorm:"type:text" json:"link"`
	Metadata    datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	IsRead      bool              `gorm:"not null;default:false;index:idx_notification_scope" json:"is_read"`
	ReadAt      *time.Time        `json:"read_at,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;index" json:"created_at"`
}

func (Notification) TableName() string {
	return "notifications"
}

// NotificationEvent is the payload of the internal trigger that creates a notification
type NotificationEvent struct {
	WorkspaceID string                 `json:"workspaceId" binding:"required"`
	UserID      string                 `json:"userId" binding:"required"`
	Type        NotificationType       `json:"type" binding:"required"`
	Title       string                 `json:"title" binding:"required,max=255"`
	Message     *string                `json:"message,omitempty"`
	Link        *string                `json:"link,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	OccurredAt  *time.Time             `json:"occurredAt,omitempty"`
}

// UnreadCount is the response of the unread counter endpoint
type UnreadCount struct {
	Count       int64  `json:"count"`
	WorkspaceID string `json:"workspaceId"`
}

// PaginatedNotifications is one page of a user's backlog
type PaginatedNotifications struct {
	Notifications []Notification `json:"notifications"`
	Total         int64          `json:"total"`
	Page          int            `json:"page"`
	Limit         int            `json:"limit"`
	HasMore       bool           `json:"hasMore"`
}
