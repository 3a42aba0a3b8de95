package domain

import (
	"time"
)

// Author identifies who sent a chat message
type Author struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	AvatarURL *string `json:"avatarUrl,omitempty"`
}

// ChatMessage is one entry of a channel transcript.
// ID is generated by the sender and identifies the message across the optimistic
// local copy and the echoed broadcast.
type ChatMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    Author    `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

// Before reports whether m sorts before other (createdAt, then id)
func (m ChatMessage) Before(other ChatMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// MessageRecord is the archived form of a chat broadcast
type MessageRecord struct {
	ID           string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	WorkspaceID  string    `gorm:"type:varchar(64);not null;index:idx_message_scope_created" json:"workspaceId"`
	Channel      string    `gorm:"type:varchar(128);not null;index:idx_message_scope_created" json:"channel"`
	Content      string    `gorm:"type:text;not null" json:"content"`
	AuthorID     string    `gorm:"type:varchar(64);not null;index" json:"authorId"`
	AuthorName   string    `gorm:"type:varchar(255)" json:"authorName"`
	AuthorAvatar *string   `gorm:"type:text" json:"authorAvatar,omitempty"`
	CreatedAt    time.Time `gorm:"not null;index:idx_message_scope_created" json:"createdAt"`
}

func (MessageRecord) TableName() string {
	return "realtime_messages"
}

// ToMessage converts the stored row back into a transcript entry
func (r MessageRecord) ToMessage() ChatMessage {
	return ChatMessage{
		ID:      r.ID,
		Content: r.Content,
		Author: Author{
			ID:        r.AuthorID,
			Name:      r.AuthorName,
			AvatarURL: r.AuthorAvatar,
		},
		CreatedAt: r.CreatedAt,
	}
}

// NewMessageRecord builds the row archived for msg on channel
func NewMessageRecord(workspaceID, channel string, msg ChatMessage) *MessageRecord {
	return &MessageRecord{
		ID:           msg.ID,
		WorkspaceID:  workspaceID,
		Channel:      channel,
		Content:      msg.Content,
		AuthorID:     msg.Author.ID,
		AuthorName:   msg.Author.Name,
		AuthorAvatar: msg.Author.AvatarURL,
		CreatedAt:    msg.CreatedAt.UTC(),
	}
}
