package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects events delivered to a channel's handlers
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handler() Handler {
	return func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) lastSync() (PresenceState, bool) {
	events := r.snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventSync {
			return events[i].State, true
		}
	}
	return nil, false
}

func recordAll(ch Channel) *eventRecorder {
	rec := &eventRecorder{}
	for _, kind := range []EventKind{EventSync, EventJoin, EventLeave, EventBroadcast, EventInsert, EventUpdate} {
		ch.On(kind, rec.handler())
	}
	return rec
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []SubscribeStatus
	errs     []error
}

func (s *statusRecorder) fn(status SubscribeStatus, err error) {
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *statusRecorder) last() (SubscribeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return "", nil
	}
	return s.statuses[len(s.statuses)-1], s.errs[len(s.errs)-1]
}

func TestHub_SubscribeDeliversInitialSync(t *testing.T) {
	hub := NewHub(nil)
	ch := hub.Channel("workspace-presence:ws1", ChannelOptions{PresenceKey: "u1"})
	rec := recordAll(ch)
	status := &statusRecorder{}

	require.NoError(t, ch.Subscribe(context.Background(), status.fn))

	got, _ := status.last()
	assert.Equal(t, StatusSubscribed, got)
	assert.Eventually(t, func() bool { return rec.count(EventSync) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.Subscribers("workspace-presence:ws1"))

	// 두 번째 Subscribe는 no-op
	require.NoError(t, ch.Subscribe(context.Background(), status.fn))
	assert.Equal(t, 1, hub.Subscribers("workspace-presence:ws1"))
}

func TestHub_SubscribeWithCancelledContext(t *testing.T) {
	hub := NewHub(nil)
	ch := hub.Channel("workspace-chat:ws1", ChannelOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ch.Subscribe(ctx, nil)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, hub.Subscribers("workspace-chat:ws1"))
}

func TestHub_TrackBeforeSubscribe(t *testing.T) {
	hub := NewHub(nil)
	ch := hub.Channel("workspace-presence:ws1", ChannelOptions{PresenceKey: "u1"})

	err := ch.Track(context.Background(), json.RawMessage(`{"id":"u1"}`))
	require.Error(t, err)
	assert.True(t, IsNotReady(err))

	err = ch.Send(context.Background(), "message", json.RawMessage(`{}`))
	assert.True(t, IsNotReady(err))
}

func TestHub_TrackAndUntrack(t *testing.T) {
	hub := NewHub(nil)
	topic := "workspace-presence:ws1"

	alice := hub.Channel(topic, ChannelOptions{PresenceKey: "alice"})
	bob := hub.Channel(topic, ChannelOptions{PresenceKey: "bob"})
	bobEvents := recordAll(bob)

	require.NoError(t, alice.Subscribe(context.Background(), nil))
	require.NoError(t, bob.Subscribe(context.Background(), nil))

	require.NoError(t, alice.Track(context.Background(), json.RawMessage(`{"id":"alice","status":"online"}`)))

	assert.Eventually(t, func() bool { return bobEvents.count(EventJoin) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		state, ok := bobEvents.lastSync()
		return ok && len(state["alice"]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Untrack(context.Background()))
	assert.Eventually(t, func() bool { return bobEvents.count(EventLeave) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		state, ok := bobEvents.lastSync()
		return ok && len(state) == 0
	}, time.Second, 5*time.Millisecond)

	// untrack without tracked presence is a no-op
	require.NoError(t, alice.Untrack(context.Background()))
	assert.Empty(t, hub.Presence(topic))
}

func TestHub_SharedPresenceKeyKeepsEverySession(t *testing.T) {
	hub := NewHub(nil)
	topic := "workspace-presence:ws1"

	tab1 := hub.Channel(topic, ChannelOptions{PresenceKey: "alice"})
	tab2 := hub.Channel(topic, ChannelOptions{PresenceKey: "alice"})
	require.NoError(t, tab1.Subscribe(context.Background(), nil))
	require.NoError(t, tab2.Subscribe(context.Background(), nil))

	require.NoError(t, tab1.Track(context.Background(), json.RawMessage(`{"tab":1}`)))
	require.NoError(t, tab2.Track(context.Background(), json.RawMessage(`{"tab":2}`)))

	state := hub.Presence(topic)
	require.Len(t, state["alice"], 2)
	assert.JSONEq(t, `{"tab":1}`, string(state["alice"][0]))
	assert.JSONEq(t, `{"tab":2}`, string(state["alice"][1]))

	// re-track replaces the session meta in place
	require.NoError(t, tab1.Track(context.Background(), json.RawMessage(`{"tab":1,"status":"away"}`)))
	state = hub.Presence(topic)
	require.Len(t, state["alice"], 2)
	assert.JSONEq(t, `{"tab":1,"status":"away"}`, string(state["alice"][0]))
}

func TestHub_SendEchoesToSender(t *testing.T) {
	hub := NewHub(nil)
	topic := "workspace-chat:ws1"

	sender := hub.Channel(topic, ChannelOptions{})
	receiver := hub.Channel(topic, ChannelOptions{})
	senderEvents := recordAll(sender)
	receiverEvents := recordAll(receiver)
	require.NoError(t, sender.Subscribe(context.Background(), nil))
	require.NoError(t, receiver.Subscribe(context.Background(), nil))

	require.NoError(t, sender.Send(context.Background(), "message", json.RawMessage(`{"id":"m1"}`)))

	for _, rec := range []*eventRecorder{senderEvents, receiverEvents} {
		assert.Eventually(t, func() bool { return rec.count(EventBroadcast) == 1 }, time.Second, 5*time.Millisecond)
	}
	for _, ev := range senderEvents.snapshot() {
		if ev.Kind == EventBroadcast {
			assert.Equal(t, "message", ev.Broadcast.Event)
			assert.JSONEq(t, `{"id":"m1"}`, string(ev.Broadcast.Payload))
		}
	}
}

func TestHub_BroadcastsKeepSendOrder(t *testing.T) {
	hub := NewHub(nil)
	topic := "workspace-chat:ws1"

	sender := hub.Channel(topic, ChannelOptions{})
	receiver := hub.Channel(topic, ChannelOptions{})
	rec := recordAll(receiver)
	require.NoError(t, sender.Subscribe(context.Background(), nil))
	require.NoError(t, receiver.Subscribe(context.Background(), nil))

	const n = 50
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, sender.Send(context.Background(), "message", payload))
	}

	assert.Eventually(t, func() bool { return rec.count(EventBroadcast) == n }, time.Second, 5*time.Millisecond)
	seq := 0
	for _, ev := range rec.snapshot() {
		if ev.Kind != EventBroadcast {
			continue
		}
		var body map[string]int
		require.NoError(t, json.Unmarshal(ev.Broadcast.Payload, &body))
		assert.Equal(t, seq, body["seq"])
		seq++
	}
}

func TestHub_RemoveChannelStopsDispatch(t *testing.T) {
	hub := NewHub(nil)
	topic := "workspace-chat:ws1"

	leaving := hub.Channel(topic, ChannelOptions{PresenceKey: "alice"})
	staying := hub.Channel(topic, ChannelOptions{PresenceKey: "bob"})
	leavingEvents := recordAll(leaving)
	stayingEvents := recordAll(staying)
	status := &statusRecorder{}

	require.NoError(t, leaving.Subscribe(context.Background(), status.fn))
	require.NoError(t, staying.Subscribe(context.Background(), nil))
	require.NoError(t, leaving.Track(context.Background(), json.RawMessage(`{"id":"alice"}`)))

	require.NoError(t, hub.RemoveChannel(leaving))
	got, _ := status.last()
	assert.Equal(t, StatusClosed, got)

	require.NoError(t, staying.Send(context.Background(), "message", json.RawMessage(`{}`)))

	assert.Eventually(t, func() bool { return stayingEvents.count(EventLeave) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return stayingEvents.count(EventBroadcast) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, leavingEvents.count(EventBroadcast))
	assert.Empty(t, hub.Presence(topic))
	assert.Equal(t, 1, hub.Subscribers(topic))

	// idempotent, and the removed channel can't be subscribed again
	require.NoError(t, hub.RemoveChannel(leaving))
	assert.True(t, IsConnectionError(leaving.Subscribe(context.Background(), nil)))
}

func TestHub_RemoveForeignChannel(t *testing.T) {
	a := NewHub(nil)
	b := NewHub(nil)
	ch := a.Channel("workspace-chat:ws1", ChannelOptions{})
	assert.Error(t, b.RemoveChannel(ch))
}

func TestHub_PublishChangeEvent(t *testing.T) {
	hub := NewHub(nil)
	topic := "notifications:ws1"
	ch := hub.Channel(topic, ChannelOptions{})
	rec := recordAll(ch)
	require.NoError(t, ch.Subscribe(context.Background(), nil))

	ev, err := ChangeEvent(EventInsert, topic, "notifications", map[string]string{"id": "n1"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), ev))

	assert.Eventually(t, func() bool { return rec.count(EventInsert) == 1 }, time.Second, 5*time.Millisecond)

	assert.Error(t, hub.Publish(context.Background(), Event{Kind: "typing", Topic: topic}))
	assert.Error(t, hub.Publish(context.Background(), Event{Kind: EventInsert, Topic: topic}))
}

func TestHub_CloseReportsChannelError(t *testing.T) {
	hub := NewHub(nil)
	status := &statusRecorder{}
	ch := hub.Channel("workspace-chat:ws1", ChannelOptions{})
	require.NoError(t, ch.Subscribe(context.Background(), status.fn))

	hub.Close()

	got, err := status.last()
	assert.Equal(t, StatusChannelError, got)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, 0, hub.Subscribers("workspace-chat:ws1"))
}

// fakeRelay captures published events and lets a test inject remote ones
type fakeRelay struct {
	mu        sync.Mutex
	published []Event
	deliver   chan func(Event)
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{deliver: make(chan func(Event), 1)}
}

func (r *fakeRelay) Publish(ctx context.Context, ev Event) error {
	r.mu.Lock()
	r.published = append(r.published, ev)
	r.mu.Unlock()
	return nil
}

func (r *fakeRelay) Run(ctx context.Context, deliver func(Event)) error {
	r.deliver <- deliver
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRelay) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.published))
	for _, ev := range r.published {
		out = append(out, ev.Kind)
	}
	return out
}

func TestHub_Relay(t *testing.T) {
	relay := newFakeRelay()
	hub := NewHub(nil, WithRelay(relay), WithNodeID("node-a"))
	assert.Equal(t, "node-a", hub.NodeID())

	topic := "workspace-chat:ws1"
	ch := hub.Channel(topic, ChannelOptions{PresenceKey: "alice"})
	rec := recordAll(ch)
	require.NoError(t, ch.Subscribe(context.Background(), nil))
	require.NoError(t, ch.Track(context.Background(), json.RawMessage(`{"id":"alice"}`)))
	require.NoError(t, ch.Send(context.Background(), "message", json.RawMessage(`{"id":"m1"}`)))

	// presence stays local
	assert.Equal(t, []EventKind{EventBroadcast}, relay.kinds())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.RunRelay(ctx) }()

	deliver := <-relay.deliver
	deliver(BroadcastEvent(topic, "message", json.RawMessage(`{"id":"remote"}`)))
	deliver(Event{Kind: EventBroadcast, Topic: topic})

	assert.Eventually(t, func() bool { return rec.count(EventBroadcast) == 2 }, time.Second, 5*time.Millisecond)
}
