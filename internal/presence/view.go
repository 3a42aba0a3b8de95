package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

// View holds one merged record per user
type View struct {
	users map[string]domain.PresenceRecord
}

// Len returns the number of distinct users
func (v View) Len() int {
	return len(v.users)
}

// Get returns the merged record of a user
func (v View) Get(userID string) (domain.PresenceRecord, bool) {
	r, ok := v.users[userID]
	return r, ok
}

// Users lists the merged records ordered by display name, then user id
func (v View) Users() []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(v.users))
	for _, r := range v.users {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// CountByStatus counts users per status
func (v View) CountByStatus() map[domain.PresenceStatus]int {
	out := make(map[domain.PresenceStatus]int)
	for _, r := range v.users {
		out[r.Status]++
	}
	return out
}

// Merge deduplicates a raw presence table into a View.
//
// A user tracked from several sessions keeps the record with the latest LastSeenAt.
// Ties go to the lexically smallest session key, then to the earlier record under that key.
// Records that can't be decoded are skipped; they are reported in the returned error
// alongside a usable view.
func Merge(state realtime.PresenceState) (View, error) {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	users := make(map[string]domain.PresenceRecord)
	var errs []error
	for _, key := range keys {
		for i, raw := range state[key] {
			var r domain.PresenceRecord
			if err := json.Unmarshal(raw, &r); err != nil {
				errs = append(errs, fmt.Errorf("presence %s[%d]: %w", key, i, err))
				continue
			}
			if r.UserID == "" {
				errs = append(errs, fmt.Errorf("presence %s[%d]: missing user id", key, i))
				continue
			}
			current, ok := users[r.UserID]
			if !ok || r.LastSeenAt.After(current.LastSeenAt) {
				users[r.UserID] = r
			}
		}
	}
	return View{users: users}, errors.Join(errs...)
}
