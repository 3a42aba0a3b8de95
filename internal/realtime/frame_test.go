package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	change, err := ChangeEvent(EventUpdate, "notifications:ws1", "notifications", map[string]any{"id": "n1", "is_read": true})
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   Event
	}{
		{
			name: "sync",
			ev:   SyncEvent("workspace-presence:ws1", PresenceState{"u1": {json.RawMessage(`{"id":"u1"}`)}}),
		},
		{
			name: "join",
			ev: Event{
				Kind:     EventJoin,
				Topic:    "workspace-presence:ws1",
				Presence: &PresenceDiff{Key: "u1", Presences: []json.RawMessage{json.RawMessage(`{"id":"u1"}`)}},
			},
		},
		{
			name: "broadcast",
			ev:   BroadcastEvent("workspace-chat:ws1", "message", json.RawMessage(`{"id":"m1","content":"hi"}`)),
		},
		{
			name: "postgres_update",
			ev:   change,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeEvent(tt.ev)
			require.NoError(t, err)
			assert.Equal(t, FrameEvent, frame.Type)
			assert.Equal(t, tt.ev.Kind, frame.Event)

			// 전송 후 다시 읽은 것처럼 JSON을 한 번 거친다
			raw, err := json.Marshal(frame)
			require.NoError(t, err)
			var wire Frame
			require.NoError(t, json.Unmarshal(raw, &wire))

			got, err := DecodeEvent(wire)
			require.NoError(t, err)
			assert.Equal(t, tt.ev.Kind, got.Kind)
			assert.Equal(t, tt.ev.Topic, got.Topic)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent(Frame{Type: FrameEvent, Topic: "t", Event: "typing", Payload: json.RawMessage(`{}`)})
	assert.True(t, errors.Is(err, ErrUnknownEventKind))

	_, err = DecodeEvent(Frame{Type: FrameReply, Topic: "t", Event: EventSync})
	assert.Error(t, err)

	_, err = DecodeEvent(Frame{Type: FrameEvent, Topic: "t", Event: EventBroadcast, Payload: json.RawMessage(`{"payload":{}}`)})
	assert.Error(t, err, "broadcast without event name")

	_, err = DecodeEvent(Frame{Type: FrameEvent, Topic: "t", Event: EventInsert, Payload: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
}

func TestDecodeEvent_EmptySync(t *testing.T) {
	ev, err := DecodeEvent(Frame{Type: FrameEvent, Topic: "t", Event: EventSync})
	require.NoError(t, err)
	assert.NotNil(t, ev.State)
	assert.Empty(t, ev.State)
}

func TestChangeEvent_RejectsOtherKinds(t *testing.T) {
	_, err := ChangeEvent(EventBroadcast, "t", "notifications", nil)
	assert.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestNewReplyFrame(t *testing.T) {
	req := Frame{Type: FrameSubscribe, Topic: "workspace-chat:ws1", Ref: "7"}

	ok := NewReplyFrame(req, nil)
	assert.Equal(t, FrameReply, ok.Type)
	assert.Equal(t, "7", ok.Ref)
	assert.JSONEq(t, `{"status":"ok"}`, string(ok.Payload))

	failed := NewReplyFrame(req, errors.New("boom"))
	assert.JSONEq(t, `{"status":"error","reason":"boom"}`, string(failed.Payload))
}

func TestPresenceState_Clone(t *testing.T) {
	state := PresenceState{"u1": {json.RawMessage(`{"a":1}`)}}
	cp := state.Clone()
	cp["u1"][0][2] = 'b'
	cp["u2"] = nil

	assert.JSONEq(t, `{"a":1}`, string(state["u1"][0]))
	assert.NotContains(t, state, "u2")
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &ConnectionError{Topic: "workspace-chat:ws1", Status: StatusChannelError, Attempts: 5, Exhausted: true, Err: cause}

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "attempts=5")

	single := &ConnectionError{Topic: "t", Status: StatusTimedOut, Err: cause}
	assert.False(t, errors.Is(single, ErrRetriesExhausted))
}
