package realtime

import (
	"encoding/json"
	"fmt"
)

// FrameType is the envelope type of the websocket protocol
type FrameType string

const (
	// client -> server
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameTrack       FrameType = "track"
	FrameUntrack     FrameType = "untrack"
	FrameBroadcast   FrameType = "broadcast"

	// server -> client
	FrameReply  FrameType = "reply"
	FrameEvent  FrameType = "event"
	FrameStatus FrameType = "status"
)

// Frame is one JSON message on the wire
type Frame struct {
	Type    FrameType       `json:"type"`
	Topic   string          `json:"topic"`
	Ref     string          `json:"ref,omitempty"`
	Event   EventKind       `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest is the payload of a subscribe frame
type SubscribeRequest struct {
	PresenceKey string `json:"presenceKey,omitempty"`
}

// Reply answers a client frame carrying a ref
type Reply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// StatusNotice is the payload of a status frame
type StatusNotice struct {
	Status SubscribeStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
}

// EncodeEvent turns a typed event into an event frame
func EncodeEvent(ev Event) (Frame, error) {
	if err := ev.Validate(); err != nil {
		return Frame{}, err
	}

	var body any
	switch ev.Kind {
	case EventSync:
		body = ev.State
	case EventJoin, EventLeave:
		body = ev.Presence
	case EventBroadcast:
		body = ev.Broadcast
	case EventInsert, EventUpdate:
		body = ev.Change
	}

	data, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", ev.Kind, err)
	}
	return Frame{Type: FrameEvent, Topic: ev.Topic, Event: ev.Kind, Payload: data}, nil
}

// DecodeEvent validates an event frame and decodes its payload into the typed variant.
// Unknown kinds are rejected with ErrUnknownEventKind.
func DecodeEvent(f Frame) (Event, error) {
	if f.Type != FrameEvent {
		return Event{}, fmt.Errorf("frame type %q is not an event", f.Type)
	}

	ev := Event{Kind: f.Event, Topic: f.Topic}
	var err error
	switch f.Event {
	case EventSync:
		state := PresenceState{}
		if len(f.Payload) > 0 {
			err = json.Unmarshal(f.Payload, &state)
		}
		ev.State = state
	case EventJoin, EventLeave:
		var diff PresenceDiff
		err = json.Unmarshal(f.Payload, &diff)
		ev.Presence = &diff
	case EventBroadcast:
		var b BroadcastPayload
		err = json.Unmarshal(f.Payload, &b)
		ev.Broadcast = &b
	case EventInsert, EventUpdate:
		var c ChangePayload
		err = json.Unmarshal(f.Payload, &c)
		ev.Change = &c
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, f.Event)
	}
	if err != nil {
		return Event{}, fmt.Errorf("failed to decode %s payload: %w", f.Event, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// NewReplyFrame builds the reply to the client frame req
func NewReplyFrame(req Frame, replyErr error) Frame {
	r := Reply{Status: ReplyOK}
	if replyErr != nil {
		r = Reply{Status: ReplyError, Reason: replyErr.Error()}
	}
	data, _ := json.Marshal(r)
	return Frame{Type: FrameReply, Topic: req.Topic, Ref: req.Ref, Payload: data}
}
