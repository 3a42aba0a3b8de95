package realtime

import (
	"encoding/json"
	"fmt"
)

// EventKind names the events a channel delivers to its handlers
type EventKind string

const (
	EventSync      EventKind = "sync"
	EventJoin      EventKind = "join"
	EventLeave     EventKind = "leave"
	EventBroadcast EventKind = "broadcast"
	EventInsert    EventKind = "postgres_insert"
	EventUpdate    EventKind = "postgres_update"
)

// Valid reports whether k is a modelled event kind
func (k EventKind) Valid() bool {
	switch k {
	case EventSync, EventJoin, EventLeave, EventBroadcast, EventInsert, EventUpdate:
		return true
	}
	return false
}

// PresenceState is the provider's raw presence table: presence key -> tracked metas.
// Several metas under one key come from several sessions sharing that key.
type PresenceState map[string][]json.RawMessage

// Clone returns a deep copy safe to hand to another goroutine
func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for key, metas := range s {
		cp := make([]json.RawMessage, len(metas))
		for i, m := range metas {
			cp[i] = append(json.RawMessage(nil), m...)
		}
		out[key] = cp
	}
	return out
}

// PresenceDiff is the payload of join and leave events
type PresenceDiff struct {
	Key       string            `json:"key"`
	Presences []json.RawMessage `json:"presences"`
}

// BroadcastPayload is an ephemeral message sent to every subscriber of a topic
type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ChangePayload describes a row change pushed by the server
type ChangePayload struct {
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
	Old    json.RawMessage `json:"old,omitempty"`
}

// Event is a decoded channel event. Exactly one payload field is set, matching Kind:
// State for sync, Presence for join/leave, Broadcast for broadcast and Change for
// postgres_insert/postgres_update.
type Event struct {
	Kind      EventKind
	Topic     string
	State     PresenceState
	Presence  *PresenceDiff
	Broadcast *BroadcastPayload
	Change    *ChangePayload
}

// SyncEvent builds a sync event carrying a copy of state
func SyncEvent(topic string, state PresenceState) Event {
	return Event{Kind: EventSync, Topic: topic, State: state.Clone()}
}

// BroadcastEvent builds a broadcast event
func BroadcastEvent(topic, event string, payload json.RawMessage) Event {
	return Event{Kind: EventBroadcast, Topic: topic, Broadcast: &BroadcastPayload{Event: event, Payload: payload}}
}

// ChangeEvent builds a postgres_insert or postgres_update event for a row of table
func ChangeEvent(kind EventKind, topic, table string, record any) (Event, error) {
	if kind != EventInsert && kind != EventUpdate {
		return Event{}, fmt.Errorf("%w: %s is not a change event", ErrUnknownEventKind, kind)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s record: %w", table, err)
	}
	return Event{Kind: kind, Topic: topic, Change: &ChangePayload{Table: table, Record: data}}, nil
}

// Validate checks that the payload matches the kind
func (e Event) Validate() error {
	switch e.Kind {
	case EventSync:
		if e.State == nil {
			return fmt.Errorf("sync event without state")
		}
	case EventJoin, EventLeave:
		if e.Presence == nil {
			return fmt.Errorf("%s event without presence diff", e.Kind)
		}
	case EventBroadcast:
		if e.Broadcast == nil || e.Broadcast.Event == "" {
			return fmt.Errorf("broadcast event without payload")
		}
	case EventInsert, EventUpdate:
		if e.Change == nil || e.Change.Table == "" {
			return fmt.Errorf("%s event without change payload", e.Kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, e.Kind)
	}
	return nil
}
