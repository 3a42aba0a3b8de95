package domain

import (
	"time"
)

// PresenceStatus is the liveness state a session announces on a presence channel
type PresenceStatus string

const (
	PresenceStatusOnline PresenceStatus = "online"
	PresenceStatusAway   PresenceStatus = "away"
	PresenceStatusBusy   PresenceStatus = "busy"
)

// Valid reports whether s is one of the announceable statuses
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusBusy:
		return true
	}
	return false
}

// PresenceRecord is what one session tracks on a channel.
// It only exists while the session is attached; the provider's leave event removes it.
type PresenceRecord struct {
	UserID      string         `json:"id"`
	DisplayName string         `json:"name"`
	Email       string         `json:"email"`
	AvatarURL   *string        `json:"avatarUrl,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeenAt  time.Time      `json:"lastSeen"`
}
