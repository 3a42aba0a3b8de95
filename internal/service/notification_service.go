package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/notification"
	"realtime-service/internal/realtime"
	"realtime-service/internal/repository"
)

var ErrInvalidNotificationType = errors.New("invalid notification type")

// Publisher injects server-originated events into channels
type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// Recorder receives business counters
type Recorder interface {
	RecordMessageArchived()
	RecordNotificationCreated()
	RecordNotificationsRead(n int)
	RecordNotificationsCleaned(n int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessageArchived()           {}
func (nopRecorder) RecordNotificationCreated()       {}
func (nopRecorder) RecordNotificationsRead(int)      {}
func (nopRecorder) RecordNotificationsCleaned(int64) {}

type NotificationConfig struct {
	CleanupDays int
	PageSize    int
}

// NotificationService persists notifications and announces every change on the
// workspace's notifications channel. It also serves as notification.Store in-process.
type NotificationService struct {
	repo      repository.NotificationRepository
	cache     *repository.UnreadCache
	publisher Publisher
	recorder  Recorder
	cfg       NotificationConfig
	logger    *zap.Logger
	now       func() time.Time
}

var _ notification.Store = (*NotificationService)(nil)

func NewNotificationService(
	repo repository.NotificationRepository,
	cache *repository.UnreadCache,
	publisher Publisher,
	recorder Recorder,
	cfg NotificationConfig,
	logger *zap.Logger,
) *NotificationService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = notification.DefaultPageSize
	}
	return &NotificationService{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *NotificationService) CreateNotification(ctx context.Context, event *domain.NotificationEvent) (*domain.Notification, error) {
	if !event.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNotificationType, event.Type)
	}

	n := &domain.Notification{
		ID:          uuid.NewString(),
		WorkspaceID: event.WorkspaceID,
		UserID:      event.UserID,
		Type:        event.Type,
		Title:       event.Title,
		Message:     event.Message,
		Link:        event.Link,
		IsRead:      false,
		CreatedAt:   s.now().UTC(),
	}
	if event.Metadata != nil {
		n.Metadata = datatypes.JSONMap(event.Metadata)
	}
	if event.OccurredAt != nil {
		n.CreatedAt = event.OccurredAt.UTC()
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, err
	}

	s.publish(ctx, realtime.EventInsert, n)
	s.invalidateUnreadCount(ctx, n.UserID, n.WorkspaceID)
	s.recorder.RecordNotificationCreated()

	s.logger.Info("notification created",
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("userId", n.UserID),
		zap.String("workspaceId", n.WorkspaceID),
	)

	return n, nil
}

// CreateBulkNotifications creates each event independently; failures are logged and skipped
func (s *NotificationService) CreateBulkNotifications(ctx context.Context, events []domain.NotificationEvent) ([]domain.Notification, error) {
	out := make([]domain.Notification, 0, len(events))
	for i := range events {
		n, err := s.CreateNotification(ctx, &events[i])
		if err != nil {
			s.logger.Error("failed to create notification in bulk", zap.Error(err))
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (s *NotificationService) GetNotifications(ctx context.Context, workspaceID, userID string, page, limit int, unreadOnly bool) (*domain.PaginatedNotifications, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.cfg.PageSize
	}

	list, total, err := s.repo.List(ctx, repository.NotificationQuery{
		WorkspaceID: workspaceID,
		UserID:      userID,
		UnreadOnly:  unreadOnly,
		Limit:       limit,
		Offset:      (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}

	return &domain.PaginatedNotifications{
		Notifications: list,
		Total:         total,
		Page:          page,
		Limit:         limit,
		HasMore:       int64(page*limit) < total,
	}, nil
}

// List returns the newest notifications of the scope
func (s *NotificationService) List(ctx context.Context, workspaceID, userID string, limit int) ([]domain.Notification, error) {
	page, err := s.GetNotifications(ctx, workspaceID, userID, 1, limit, false)
	if err != nil {
		return nil, err
	}
	return page.Notifications, nil
}

func (s *NotificationService) GetUnreadCount(ctx context.Context, workspaceID, userID string) (*domain.UnreadCount, error) {
	if cached, ok, err := s.cache.Get(ctx, userID, workspaceID); err != nil {
		s.logger.Warn("failed to read unread cache", zap.Error(err))
	} else if ok {
		return &domain.UnreadCount{Count: cached, WorkspaceID: workspaceID}, nil
	}

	count, err := s.repo.CountUnread(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, userID, workspaceID, count); err != nil {
		s.logger.Warn("failed to cache unread count", zap.Error(err))
	}

	return &domain.UnreadCount{Count: count, WorkspaceID: workspaceID}, nil
}

// MarkAsRead flips one notification. Marking an already-read notification is a no-op.
func (s *NotificationService) MarkAsRead(ctx context.Context, id, userID string) (*domain.Notification, error) {
	n, changed, err := s.repo.MarkRead(ctx, id, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(ctx, realtime.EventUpdate, n)
		s.invalidateUnreadCount(ctx, userID, n.WorkspaceID)
		s.recorder.RecordNotificationsRead(1)
	}
	return n, nil
}

// MarkRead is MarkAsRead restricted to one workspace
func (s *NotificationService) MarkRead(ctx context.Context, workspaceID, userID, id string) error {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if n.WorkspaceID != workspaceID {
		return domain.WrapStoreError("markRead", domain.ErrNotFound)
	}
	_, err = s.MarkAsRead(ctx, id, userID)
	return err
}

func (s *NotificationService) MarkBatchAsRead(ctx context.Context, ids []string, userID string) (int, error) {
	flipped, err := s.repo.MarkReadBatch(ctx, ids, userID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.announceFlipped(ctx, userID, flipped)
	return len(flipped), nil
}

func (s *NotificationService) MarkAllAsRead(ctx context.Context, workspaceID, userID string) (int, error) {
	flipped, err := s.repo.MarkAllRead(ctx, workspaceID, userID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.announceFlipped(ctx, userID, flipped)
	// 캐시가 남아 있을 수 있으므로 변경이 없어도 지운다
	s.invalidateUnreadCount(ctx, userID, workspaceID)
	return len(flipped), nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, workspaceID, userID string) error {
	_, err := s.MarkAllAsRead(ctx, workspaceID, userID)
	return err
}

// CleanupOldNotifications deletes read notifications older than the configured retention
func (s *NotificationService) CleanupOldNotifications(ctx context.Context) (int64, error) {
	days := s.cfg.CleanupDays
	if days <= 0 {
		return 0, nil
	}
	deleted, err := s.repo.CleanupOld(ctx, s.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	s.recorder.RecordNotificationsCleaned(deleted)
	return deleted, nil
}

func (s *NotificationService) announceFlipped(ctx context.Context, userID string, flipped []domain.Notification) {
	if len(flipped) == 0 {
		return
	}
	workspaces := make(map[string]struct{})
	for i := range flipped {
		s.publish(ctx, realtime.EventUpdate, &flipped[i])
		workspaces[flipped[i].WorkspaceID] = struct{}{}
	}
	for ws := range workspaces {
		s.invalidateUnreadCount(ctx, userID, ws)
	}
	s.recorder.RecordNotificationsRead(len(flipped))
}

func (s *NotificationService) publish(ctx context.Context, kind realtime.EventKind, n *domain.Notification) {
	if s.publisher == nil {
		return
	}
	ev, err := realtime.ChangeEvent(kind, channel.NotificationTopic(n.WorkspaceID), notification.Table, n)
	if err != nil {
		s.logger.Error("failed to build notification event", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish notification", zap.String("id", n.ID), zap.Error(err))
	}
}

func (s *NotificationService) invalidateUnreadCount(ctx context.Context, userID, workspaceID string) {
	if err := s.cache.Invalidate(ctx, userID, workspaceID); err != nil {
		s.logger.Error("failed to invalidate unread cache", zap.Error(err))
	}
}
