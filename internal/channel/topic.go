package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Feature is the first half of a channel name
type Feature string

const (
	FeaturePresence      Feature = "workspace-presence"
	FeatureChat          Feature = "workspace-chat"
	FeatureProjectChat   Feature = "project-chat"
	FeatureNotifications Feature = "notifications"
)

// ErrInvalidTopic is returned for names that are not <feature>:<workspaceId>
// (project-chat:<workspaceId>:<projectId> for project chats)
var ErrInvalidTopic = errors.New("invalid channel name")

func (f Feature) Valid() bool {
	switch f {
	case FeaturePresence, FeatureChat, FeatureProjectChat, FeatureNotifications:
		return true
	}
	return false
}

// Topic builds the channel name of a feature in a workspace
func Topic(f Feature, workspaceID string) string {
	return string(f) + ":" + workspaceID
}

// PresenceTopic returns workspace-presence:<workspaceID>
func PresenceTopic(workspaceID string) string { return Topic(FeaturePresence, workspaceID) }

// ChatTopic returns workspace-chat:<workspaceID>
func ChatTopic(workspaceID string) string { return Topic(FeatureChat, workspaceID) }

// ProjectChatTopic returns project-chat:<workspaceID>:<projectID>
func ProjectChatTopic(workspaceID, projectID string) string {
	return Topic(FeatureProjectChat, workspaceID) + ":" + projectID
}

// IsChat reports whether the feature carries chat messages
func (f Feature) IsChat() bool {
	return f == FeatureChat || f == FeatureProjectChat
}

// NotificationTopic returns notifications:<workspaceID>
func NotificationTopic(workspaceID string) string { return Topic(FeatureNotifications, workspaceID) }

// ParseTopic splits a channel name and validates both halves.
// Workspace ids are UUIDs.
func ParseTopic(name string) (Feature, string, error) {
	feature, workspaceID, ok := strings.Cut(name, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
	f := Feature(feature)
	if !f.Valid() {
		return "", "", fmt.Errorf("%w: unknown feature %q", ErrInvalidTopic, feature)
	}
	var projectID string
	if f == FeatureProjectChat {
		workspaceID, projectID, ok = strings.Cut(workspaceID, ":")
		if !ok {
			return "", "", fmt.Errorf("%w: project chat without project id %q", ErrInvalidTopic, name)
		}
		if _, err := uuid.Parse(projectID); err != nil {
			return "", "", fmt.Errorf("%w: project id %q", ErrInvalidTopic, projectID)
		}
	}
	if _, err := uuid.Parse(workspaceID); err != nil {
		return "", "", fmt.Errorf("%w: workspace id %q", ErrInvalidTopic, workspaceID)
	}
	return f, workspaceID, nil
}

// ProjectID returns the project of a project chat name, or "" for any other name
func ProjectID(name string) string {
	f, _, err := ParseTopic(name)
	if err != nil || f != FeatureProjectChat {
		return ""
	}
	return name[strings.LastIndex(name, ":")+1:]
}
