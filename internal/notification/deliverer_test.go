package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

const (
	workspaceID = "7e2b4f6a-1c3d-4e5f-8a9b-0c1d2e3f4a5b"
	userID      = "user-1"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) List(ctx context.Context, workspaceID, userID string, limit int) ([]domain.Notification, error) {
	args := m.Called(ctx, workspaceID, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Notification), args.Error(1)
}

func (m *MockStore) MarkRead(ctx context.Context, workspaceID, userID, id string) error {
	args := m.Called(ctx, workspaceID, userID, id)
	return args.Error(0)
}

func (m *MockStore) MarkAllRead(ctx context.Context, workspaceID, userID string) error {
	args := m.Called(ctx, workspaceID, userID)
	return args.Error(0)
}

// MockChannel lets tests drive change events and state transitions
type MockChannel struct {
	mu       sync.Mutex
	handlers map[realtime.EventKind][]realtime.Handler
	stateFns []channel.StateFunc
}

func newMockChannel() *MockChannel {
	return &MockChannel{handlers: make(map[realtime.EventKind][]realtime.Handler)}
}

func (m *MockChannel) Name() string { return channel.NotificationTopic(workspaceID) }

func (m *MockChannel) On(kind realtime.EventKind, fn realtime.Handler) {
	m.mu.Lock()
	m.handlers[kind] = append(m.handlers[kind], fn)
	m.mu.Unlock()
}

func (m *MockChannel) OnStateChange(fn channel.StateFunc) {
	m.mu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.mu.Unlock()
	fn(channel.StateSubscribed, nil)
}

func (m *MockChannel) emit(t *testing.T, kind realtime.EventKind, n domain.Notification) {
	t.Helper()
	ev, err := realtime.ChangeEvent(kind, m.Name(), Table, n)
	require.NoError(t, err)
	m.mu.Lock()
	hs := append([]realtime.Handler(nil), m.handlers[kind]...)
	m.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (m *MockChannel) setState(s channel.State) {
	m.mu.Lock()
	fns := append([]channel.StateFunc(nil), m.stateFns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s, nil)
	}
}

func notif(id string, read bool, age time.Duration) domain.Notification {
	return domain.Notification{
		ID:          id,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Type:        domain.NotificationTaskAssigned,
		Title:       "Task " + id,
		IsRead:      read,
		CreatedAt:   t0.Add(-age),
	}
}

func newDeliverer(store Store) (*Deliverer, *MockChannel) {
	ch := newMockChannel()
	d := NewDeliverer(ch, store, Scope{WorkspaceID: workspaceID, UserID: userID}, nil, WithClock(func() time.Time { return t0 }))
	return d, ch
}

func TestDeliverer_LoadInitial(t *testing.T) {
	store := new(MockStore)
	backlog := []domain.Notification{
		notif("n1", false, time.Minute),
		notif("n2", true, 2*time.Minute),
		notif("n3", false, 3*time.Minute),
	}
	store.On("List", mock.Anything, workspaceID, userID, DefaultPageSize).Return(backlog, nil)

	d, _ := newDeliverer(store)
	list, unread, err := d.LoadInitial(context.Background(), workspaceID, userID)

	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, 2, unread)
	assert.Equal(t, 2, d.UnreadCount())
	store.AssertExpectations(t)
}

func TestDeliverer_LoadInitialStoreError(t *testing.T) {
	store := new(MockStore)
	store.On("List", mock.Anything, workspaceID, userID, DefaultPageSize).Return(nil, errors.New("db down"))

	d, _ := newDeliverer(store)
	_, _, err := d.LoadInitial(context.Background(), workspaceID, userID)
	assert.True(t, domain.IsStoreError(err))
}

func TestDeliverer_OnInsertEventIsIdempotent(t *testing.T) {
	d, ch := newDeliverer(new(MockStore))

	n := notif("n1", false, 0)
	ch.emit(t, realtime.EventInsert, n)
	ch.emit(t, realtime.EventInsert, n)
	assert.False(t, d.OnInsertEvent(n))

	require.Len(t, d.Notifications(), 1)
	assert.Equal(t, 1, d.UnreadCount())

	newer := notif("n2", false, -time.Minute)
	assert.True(t, d.OnInsertEvent(newer))
	assert.Equal(t, "n2", d.Notifications()[0].ID, "inserts are prepended")
	assert.Equal(t, 2, d.UnreadCount())
}

func TestDeliverer_IgnoresOtherScopes(t *testing.T) {
	d, ch := newDeliverer(new(MockStore))

	other := notif("n1", false, 0)
	other.UserID = "user-2"
	ch.emit(t, realtime.EventInsert, other)

	foreign := notif("n2", false, 0)
	foreign.WorkspaceID = "another-workspace"
	assert.False(t, d.OnInsertEvent(foreign))

	assert.Empty(t, d.Notifications())
	assert.Equal(t, 0, d.UnreadCount())
}

func TestDeliverer_MarkReadIsMonotonic(t *testing.T) {
	store := new(MockStore)
	store.On("MarkRead", mock.Anything, workspaceID, userID, "n1").Return(nil).Once()

	d, _ := newDeliverer(store)
	d.OnInsertEvent(notif("n1", false, 0))
	d.OnInsertEvent(notif("n2", false, 0))

	require.NoError(t, d.MarkRead(context.Background(), "n1"))
	assert.Equal(t, 1, d.UnreadCount())

	// second call: no store call, no double decrement
	require.NoError(t, d.MarkRead(context.Background(), "n1"))
	assert.Equal(t, 1, d.UnreadCount())
	assert.True(t, d.Notifications()[1].IsRead)
	assert.NotNil(t, d.Notifications()[1].ReadAt)

	err := d.MarkRead(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	store.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestDeliverer_MarkReadFailureKeepsOptimisticFlip(t *testing.T) {
	store := new(MockStore)
	store.On("MarkRead", mock.Anything, workspaceID, userID, "n1").Return(errors.New("timeout")).Once()

	d, _ := newDeliverer(store)
	d.OnInsertEvent(notif("n1", false, 0))

	err := d.MarkRead(context.Background(), "n1")
	require.Error(t, err)
	var se *domain.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "markRead", se.Op)

	assert.True(t, d.Notifications()[0].IsRead)
	assert.Equal(t, 0, d.UnreadCount())

	// the next load still reports the row unread; the flip survives and is re-sent
	store.On("List", mock.Anything, workspaceID, userID, DefaultPageSize).
		Return([]domain.Notification{notif("n1", false, 0)}, nil)
	store.On("MarkRead", mock.Anything, workspaceID, userID, "n1").Return(nil).Once()

	list, unread, err := d.LoadInitial(context.Background(), workspaceID, userID)
	require.NoError(t, err)
	assert.True(t, list[0].IsRead)
	assert.Equal(t, 0, unread)
	store.AssertNumberOfCalls(t, "MarkRead", 2)
}

func TestDeliverer_ReloadDuringReadMutationKeepsEntryRead(t *testing.T) {
	called := make(chan struct{})
	release := make(chan struct{})
	store := new(MockStore)
	store.On("MarkRead", mock.Anything, workspaceID, userID, "n1").
		Run(func(mock.Arguments) {
			close(called)
			<-release
		}).
		Return(nil).Once()
	// 저장소는 아직 읽음 처리를 반영하지 않은 목록을 돌려준다
	store.On("List", mock.Anything, workspaceID, userID, DefaultPageSize).
		Return([]domain.Notification{notif("n1", false, 0), notif("n2", false, time.Minute)}, nil)

	d, _ := newDeliverer(store)
	d.OnInsertEvent(notif("n2", false, time.Minute))
	d.OnInsertEvent(notif("n1", false, 0))

	done := make(chan error, 1)
	go func() { done <- d.MarkRead(context.Background(), "n1") }()
	<-called

	list, unread, err := d.LoadInitial(context.Background(), workspaceID, userID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].IsRead)
	assert.NotNil(t, list[0].ReadAt)
	assert.Equal(t, 1, unread)

	close(release)
	require.NoError(t, <-done)

	assert.True(t, d.Notifications()[0].IsRead)
	assert.Equal(t, 1, d.UnreadCount())
	store.AssertNumberOfCalls(t, "MarkRead", 1)

	t.Run("읽음 확정 후 다시 불러와도 읽음 상태를 유지한다", func(t *testing.T) {
		_, unread, err := d.LoadInitial(context.Background(), workspaceID, userID)
		require.NoError(t, err)
		assert.Equal(t, 1, unread)
		assert.True(t, d.Notifications()[0].IsRead)
		store.AssertNumberOfCalls(t, "MarkRead", 1)
	})
}

func TestDeliverer_MarkAllReadClearsUnreadCount(t *testing.T) {
	store := new(MockStore)
	store.On("List", mock.Anything, workspaceID, userID, DefaultPageSize).Return([]domain.Notification{
		notif("n1", false, 1*time.Minute),
		notif("n2", true, 2*time.Minute),
		notif("n3", false, 3*time.Minute),
		notif("n4", true, 4*time.Minute),
		notif("n5", false, 5*time.Minute),
	}, nil)
	store.On("MarkAllRead", mock.Anything, workspaceID, userID).Return(nil).Once()

	d, _ := newDeliverer(store)
	_, unread, err := d.LoadInitial(context.Background(), workspaceID, userID)
	require.NoError(t, err)
	require.Equal(t, 3, unread)

	require.NoError(t, d.MarkAllRead(context.Background()))
	assert.Equal(t, 0, d.UnreadCount())
	list := d.Notifications()
	require.Len(t, list, 5)
	for _, n := range list {
		assert.True(t, n.IsRead, n.ID)
	}

	// nothing left to flip: no second store call
	require.NoError(t, d.MarkAllRead(context.Background()))
	store.AssertNumberOfCalls(t, "MarkAllRead", 1)
}

func TestDeliverer_MarkAllReadFailure(t *testing.T) {
	store := new(MockStore)
	store.On("MarkAllRead", mock.Anything, workspaceID, userID).Return(errors.New("conflict"))

	d, _ := newDeliverer(store)
	d.OnInsertEvent(notif("n1", false, 0))
	d.OnInsertEvent(notif("n2", false, 0))

	err := d.MarkAllRead(context.Background())
	assert.True(t, domain.IsStoreError(err))
	assert.Equal(t, 0, d.UnreadCount())
}

func TestDeliverer_OnUpdateEvent(t *testing.T) {
	d, ch := newDeliverer(new(MockStore))
	d.OnInsertEvent(notif("n1", false, 0))
	d.OnInsertEvent(notif("n2", false, 0))

	read := notif("n1", true, 0)
	ch.emit(t, realtime.EventUpdate, read)
	assert.Equal(t, 1, d.UnreadCount())
	assert.False(t, d.OnUpdateEvent(read), "already read")

	// an update can never bring an entry back to unread
	assert.False(t, d.OnUpdateEvent(notif("n1", false, 0)))
	assert.Equal(t, 1, d.UnreadCount())

	assert.False(t, d.OnUpdateEvent(notif("unknown", true, 0)))
}

func TestDeliverer_OnChange(t *testing.T) {
	d, _ := newDeliverer(new(MockStore))
	var counts []int
	d.OnChange(func(_ []domain.Notification, unread int) { counts = append(counts, unread) })

	d.OnInsertEvent(notif("n1", false, 0))
	d.OnInsertEvent(notif("n2", true, 0))
	assert.Equal(t, []int{1, 1}, counts)
}

func TestDeliverer_ReloadsAfterReconnect(t *testing.T) {
	store := new(MockStore)
	store.On("List", mock.Anything, workspaceID, userID, DefaultPageSize).
		Return([]domain.Notification{notif("n1", false, 0), notif("n2", false, 0)}, nil)

	d, ch := newDeliverer(store)
	ch.setState(channel.StateDisconnected)
	ch.setState(channel.StateSubscribed)

	assert.Eventually(t, func() bool { return d.UnreadCount() == 2 }, time.Second, 5*time.Millisecond)
}

// markRead applied twice leaves isRead=true and unreadCount unchanged on the second call
func TestProperty_ReadStateMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("markRead twice never double-decrements", prop.ForAll(
		func(total, target int, storeFails bool) bool {
			store := new(MockStore)
			var storeErr error
			if storeFails {
				storeErr = errors.New("store unavailable")
			}
			store.On("MarkRead", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(storeErr)

			d, _ := newDeliverer(store)
			for i := 0; i < total; i++ {
				d.OnInsertEvent(notif(fmt.Sprintf("n%d", i), i%3 == 0, 0))
			}
			id := fmt.Sprintf("n%d", target%total)

			_ = d.MarkRead(context.Background(), id)
			afterFirst := d.UnreadCount()
			_ = d.MarkRead(context.Background(), id)

			for _, n := range d.Notifications() {
				if n.ID == id && !n.IsRead {
					return false
				}
			}
			return d.UnreadCount() == afterFirst && afterFirst >= 0 && afterFirst == countUnread(d.Notifications())
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
