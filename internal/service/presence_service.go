package service

import (
	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/presence"
	"realtime-service/internal/realtime"
)

// PresenceSource exposes the raw presence table of a topic
type PresenceSource interface {
	Presence(topic string) realtime.PresenceState
}

// WorkspacePresence is the server-side view of a workspace presence channel
type WorkspacePresence struct {
	WorkspaceID string                        `json:"workspaceId"`
	Users       []domain.PresenceRecord       `json:"users"`
	Counts      map[domain.PresenceStatus]int `json:"counts"`
}

type PresenceService struct {
	source PresenceSource
	logger *zap.Logger
}

func NewPresenceService(source PresenceSource, logger *zap.Logger) *PresenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceService{source: source, logger: logger}
}

// Workspace merges the sessions attached to this node into one record per user
func (s *PresenceService) Workspace(workspaceID string) WorkspacePresence {
	view, err := presence.Merge(s.source.Presence(channel.PresenceTopic(workspaceID)))
	if err != nil {
		s.logger.Warn("Skipped undecodable presence records",
			zap.String("workspaceId", workspaceID),
			zap.Error(err),
		)
	}
	return WorkspacePresence{
		WorkspaceID: workspaceID,
		Users:       view.Users(),
		Counts:      view.CountByStatus(),
	}
}
