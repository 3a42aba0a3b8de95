package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

const workspaceID = "0b9f6c1e-3d4a-4c8e-9a57-2f1d8e6b7c90"

// MockChannel is a hand-driven Channel
type MockChannel struct {
	mu        sync.Mutex
	handlers  map[realtime.EventKind][]realtime.Handler
	stateFns  []channel.StateFunc
	state     channel.State
	tracked   []domain.PresenceRecord
	untracked int
}

func newMockChannel() *MockChannel {
	return &MockChannel{handlers: make(map[realtime.EventKind][]realtime.Handler), state: channel.StateConnecting}
}

func (m *MockChannel) On(kind realtime.EventKind, fn realtime.Handler) {
	m.mu.Lock()
	m.handlers[kind] = append(m.handlers[kind], fn)
	m.mu.Unlock()
}

func (m *MockChannel) OnStateChange(fn channel.StateFunc) {
	m.mu.Lock()
	m.stateFns = append(m.stateFns, fn)
	state := m.state
	m.mu.Unlock()
	fn(state, nil)
}

func (m *MockChannel) Track(ctx context.Context, meta any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != channel.StateSubscribed {
		return &realtime.NotReadyError{Topic: "mock", Op: "track"}
	}
	m.tracked = append(m.tracked, meta.(domain.PresenceRecord))
	return nil
}

func (m *MockChannel) Untrack(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.untracked++
	return nil
}

func (m *MockChannel) setState(s channel.State) {
	m.mu.Lock()
	m.state = s
	fns := append([]channel.StateFunc(nil), m.stateFns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s, nil)
	}
}

func (m *MockChannel) emit(ev realtime.Event) {
	m.mu.Lock()
	hs := append([]realtime.Handler(nil), m.handlers[ev.Kind]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (m *MockChannel) trackedRecords() []domain.PresenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PresenceRecord(nil), m.tracked...)
}

func TestTracker_JoinBeforeSubscribedIsQueued(t *testing.T) {
	ch := newMockChannel()
	tracker := NewTracker(ch, zap.NewNop())

	err := tracker.Join(context.Background(), record("alice", "Alice", domain.PresenceStatusOnline, 0))
	require.Error(t, err)
	assert.True(t, realtime.IsNotReady(err))
	assert.True(t, tracker.Pending())
	assert.Empty(t, ch.trackedRecords())

	ch.setState(channel.StateSubscribed)

	tracked := ch.trackedRecords()
	require.Len(t, tracked, 1)
	assert.Equal(t, "alice", tracked[0].UserID)
	assert.False(t, tracker.Pending())
}

func TestTracker_JoinValidates(t *testing.T) {
	tracker := NewTracker(newMockChannel(), nil)

	assert.Error(t, tracker.Join(context.Background(), domain.PresenceRecord{}))
	assert.ErrorIs(t, tracker.Join(context.Background(), record("alice", "Alice", "invisible", 0)), ErrInvalidStatus)
}

func TestTracker_SetStatus(t *testing.T) {
	ch := newMockChannel()
	ch.setState(channel.StateSubscribed)
	clock := baseTime
	tracker := NewTracker(ch, nil, WithClock(func() time.Time { return clock }))

	assert.ErrorIs(t, tracker.SetStatus(context.Background(), domain.PresenceStatusAway), ErrNotJoined)

	require.NoError(t, tracker.Join(context.Background(), record("alice", "Alice", "", 0)))
	// same clock reading, lastSeen must still move forward
	require.NoError(t, tracker.SetStatus(context.Background(), domain.PresenceStatusBusy))
	assert.ErrorIs(t, tracker.SetStatus(context.Background(), "invisible"), ErrInvalidStatus)

	tracked := ch.trackedRecords()
	require.Len(t, tracked, 2)
	assert.Equal(t, domain.PresenceStatusOnline, tracked[0].Status)
	assert.Equal(t, domain.PresenceStatusBusy, tracked[1].Status)
	assert.True(t, tracked[1].LastSeenAt.After(tracked[0].LastSeenAt))

	self, ok := tracker.Self()
	require.True(t, ok)
	assert.Equal(t, domain.PresenceStatusBusy, self.Status)
}

func TestTracker_ReannouncesAfterReconnect(t *testing.T) {
	ch := newMockChannel()
	ch.setState(channel.StateSubscribed)
	tracker := NewTracker(ch, nil)
	require.NoError(t, tracker.Join(context.Background(), record("alice", "Alice", domain.PresenceStatusAway, 0)))

	ch.setState(channel.StateDisconnected)
	assert.True(t, tracker.Pending())
	ch.setState(channel.StateSubscribed)

	tracked := ch.trackedRecords()
	require.Len(t, tracked, 2)
	assert.Equal(t, domain.PresenceStatusAway, tracked[1].Status)
	assert.False(t, tracker.Pending())
}

func TestTracker_Leave(t *testing.T) {
	ch := newMockChannel()
	ch.setState(channel.StateSubscribed)
	tracker := NewTracker(ch, nil)

	require.NoError(t, tracker.Leave(context.Background()))
	assert.Equal(t, 0, ch.untracked, "leave without join is a no-op")

	require.NoError(t, tracker.Join(context.Background(), record("alice", "Alice", domain.PresenceStatusOnline, 0)))
	require.NoError(t, tracker.Leave(context.Background()))
	assert.Equal(t, 1, ch.untracked)
	_, ok := tracker.Self()
	assert.False(t, ok)

	// a later reconnect must not re-announce
	ch.setState(channel.StateSubscribed)
	assert.Len(t, ch.trackedRecords(), 1)
}

func TestTracker_AppliesJoinAndLeaveDiffs(t *testing.T) {
	ch := newMockChannel()
	tracker := NewTracker(ch, nil)

	var views []View
	tracker.OnChange(func(v View) { views = append(views, v) })

	alice := rawRecord(t, record("alice", "Alice", domain.PresenceStatusOnline, 0))
	bob := rawRecord(t, record("bob", "Bob", domain.PresenceStatusBusy, 0))

	ch.emit(realtime.SyncEvent("p", realtime.PresenceState{"alice": {alice}}))
	assert.Equal(t, 1, tracker.View().Len())

	ch.emit(realtime.Event{Kind: realtime.EventJoin, Topic: "p", Presence: &realtime.PresenceDiff{Key: "bob", Presences: []json.RawMessage{bob}}})
	assert.Equal(t, 2, tracker.View().Len())

	ch.emit(realtime.Event{Kind: realtime.EventLeave, Topic: "p", Presence: &realtime.PresenceDiff{Key: "alice", Presences: []json.RawMessage{alice}}})
	view := tracker.View()
	assert.Equal(t, 1, view.Len())
	_, ok := view.Get("bob")
	assert.True(t, ok)

	assert.Len(t, views, 3)
}

// browser simulates one client session: its own manager and tracker on a shared hub
type browser struct {
	mgr     *channel.Manager
	handle  *channel.Handle
	tracker *Tracker
}

func openBrowser(t *testing.T, hub *realtime.Hub, userID string) *browser {
	t.Helper()
	mgr := channel.NewManager(hub, nil)
	h, err := mgr.Open(context.Background(), channel.PresenceTopic(workspaceID), "presence", channel.Config{PresenceKey: userID})
	require.NoError(t, err)
	return &browser{mgr: mgr, handle: h, tracker: NewTracker(h, nil)}
}

func (b *browser) viewHas(userID string, status domain.PresenceStatus) func() bool {
	return func() bool {
		r, ok := b.tracker.View().Get(userID)
		return ok && r.Status == status
	}
}

func TestTracker_TrackYieldsOnlineUser(t *testing.T) {
	hub := realtime.NewHub(nil)
	viewer := openBrowser(t, hub, "viewer")
	assert.Equal(t, 0, viewer.tracker.View().Len())

	a := openBrowser(t, hub, "A")
	require.NoError(t, a.tracker.Join(context.Background(), record("A", "User A", domain.PresenceStatusOnline, 0)))

	assert.Eventually(t, viewer.viewHas("A", domain.PresenceStatusOnline), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, viewer.tracker.View().Len())
}

func TestTracker_TwoTabsCollapseToOneEntry(t *testing.T) {
	hub := realtime.NewHub(nil)
	third := openBrowser(t, hub, "C")

	tab1 := openBrowser(t, hub, "A")
	tab2 := openBrowser(t, hub, "A")
	require.NoError(t, tab1.tracker.Join(context.Background(), record("A", "User A", domain.PresenceStatusOnline, 0)))
	require.NoError(t, tab2.tracker.Join(context.Background(), record("A", "User A", domain.PresenceStatusOnline, 0)))

	assert.Eventually(t, func() bool {
		state := hub.Presence(channel.PresenceTopic(workspaceID))
		return len(state["A"]) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, third.viewHas("A", domain.PresenceStatusOnline), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, third.tracker.View().Len())

	// the most recent status wins across tabs
	require.NoError(t, tab2.tracker.SetStatus(context.Background(), domain.PresenceStatusBusy))
	assert.Eventually(t, third.viewHas("A", domain.PresenceStatusBusy), time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, third.tracker.View().Len())

	// closing one tab keeps A visible through the other
	require.NoError(t, tab2.handle.Close())
	assert.Eventually(t, third.viewHas("A", domain.PresenceStatusOnline), time.Second, 5*time.Millisecond)

	require.NoError(t, tab1.handle.Close())
	assert.Eventually(t, func() bool { return third.tracker.View().Len() == 0 }, time.Second, 5*time.Millisecond)
}
