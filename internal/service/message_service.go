package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/chat"
	"realtime-service/internal/domain"
	"realtime-service/internal/repository"
)

// MessageService archives chat broadcasts and serves their history pages
type MessageService struct {
	repo     repository.MessageRepository
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

var _ chat.HistoryStore = (*MessageService)(nil)

func NewMessageService(repo repository.MessageRepository, recorder Recorder, logger *zap.Logger) *MessageService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{repo: repo, recorder: recorder, logger: logger, now: time.Now}
}

// Archive stores msg once. A repeated id reports false without error.
func (s *MessageService) Archive(ctx context.Context, workspaceID, channelName string, msg domain.ChatMessage) (bool, error) {
	if msg.ID == "" {
		return false, fmt.Errorf("archive message: %w", chat.ErrEmptyMessage)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}

	written, err := s.repo.Insert(ctx, domain.NewMessageRecord(workspaceID, channelName, msg))
	if err != nil {
		return false, err
	}
	if written {
		s.recorder.RecordMessageArchived()
	}
	return written, nil
}

// History returns up to limit messages older than beforeID, oldest first
func (s *MessageService) History(ctx context.Context, workspaceID, channelName, beforeID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = chat.DefaultPageSize
	}
	if limit > chat.MaxPageSize {
		limit = chat.MaxPageSize
	}

	rows, err := s.repo.Query(ctx, repository.MessageFilter{
		WorkspaceID: workspaceID,
		Channel:     channelName,
		BeforeID:    beforeID,
	}, limit)
	if err != nil {
		return nil, err
	}

	// 저장소는 최신순으로 돌려준다
	out := make([]domain.ChatMessage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.ToMessage()
	}
	return out, nil
}

// Cleanup deletes archived messages older than retentionDays
func (s *MessageService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	deleted, err := s.repo.DeleteOlderThan(ctx, s.now().UTC().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("old chat messages deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}
