package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

var (
	ErrInvalidStatus = errors.New("invalid presence status")
	ErrNotJoined     = errors.New("presence not joined")
)

// Channel is the part of a channel handle the tracker needs
type Channel interface {
	On(kind realtime.EventKind, fn realtime.Handler)
	OnStateChange(fn channel.StateFunc)
	Track(ctx context.Context, meta any) error
	Untrack(ctx context.Context) error
}

// Tracker keeps the deduplicated presence view of one channel and announces the local user
type Tracker struct {
	ch     Channel
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	raw       realtime.PresenceState
	view      View
	self      *domain.PresenceRecord
	pending   bool
	listeners []func(View)
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock replaces time.Now for LastSeenAt stamps
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker registers the tracker's handlers on ch
func NewTracker(ch Channel, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		ch:     ch,
		logger: logger,
		now:    time.Now,
		raw:    realtime.PresenceState{},
		view:   View{users: map[string]domain.PresenceRecord{}},
	}
	for _, opt := range opts {
		opt(t)
	}

	ch.On(realtime.EventSync, t.onSync)
	ch.On(realtime.EventJoin, t.onJoin)
	ch.On(realtime.EventLeave, t.onLeave)
	ch.OnStateChange(t.onState)
	return t
}

type presenceSource interface {
	PresenceState() (realtime.PresenceState, error)
}

// Resync rebuilds the view from the channel's current presence table.
// It covers a tracker created after the channel already delivered its first sync.
func (t *Tracker) Resync() {
	src, ok := t.ch.(presenceSource)
	if !ok {
		return
	}
	state, err := src.PresenceState()
	if err != nil {
		return
	}
	t.mu.Lock()
	t.raw = state.Clone()
	t.mu.Unlock()
	t.recompute()
}

// Join announces self. Before the channel is subscribed it returns a NotReadyError
// and keeps the announcement queued until the channel subscribes.
func (t *Tracker) Join(ctx context.Context, self domain.PresenceRecord) error {
	if self.UserID == "" {
		return errors.New("presence user id is required")
	}
	if self.Status == "" {
		self.Status = domain.PresenceStatusOnline
	}
	if !self.Status.Valid() {
		return ErrInvalidStatus
	}

	t.mu.Lock()
	self.LastSeenAt = t.stampLocked(time.Time{})
	t.self = &self
	t.mu.Unlock()

	return t.announce(ctx)
}

// SetStatus re-announces the local record with a new status
func (t *Tracker) SetStatus(ctx context.Context, status domain.PresenceStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	t.mu.Lock()
	if t.self == nil {
		t.mu.Unlock()
		return ErrNotJoined
	}
	t.self.Status = status
	t.self.LastSeenAt = t.stampLocked(t.self.LastSeenAt)
	t.mu.Unlock()

	return t.announce(ctx)
}

// Leave withdraws the local record. Other participants drop it on their next sync.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	joined := t.self != nil
	t.self = nil
	t.pending = false
	t.mu.Unlock()

	if !joined {
		return nil
	}
	if err := t.ch.Untrack(ctx); err != nil && !realtime.IsNotReady(err) {
		return err
	}
	return nil
}

// Self returns the local record when joined
func (t *Tracker) Self() (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.self == nil {
		return domain.PresenceRecord{}, false
	}
	return *t.self, true
}

// Pending reports whether an announcement waits for the channel to subscribe
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// View returns the current merged view
func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// OnChange registers fn to run after every recomputation of the view
func (t *Tracker) OnChange(fn func(View)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Tracker) announce(ctx context.Context) error {
	t.mu.Lock()
	if t.self == nil {
		t.mu.Unlock()
		return nil
	}
	record := *t.self
	t.mu.Unlock()

	err := t.ch.Track(ctx, record)

	t.mu.Lock()
	t.pending = realtime.IsNotReady(err)
	t.mu.Unlock()
	return err
}

// stampLocked returns a LastSeenAt strictly after prev
func (t *Tracker) stampLocked(prev time.Time) time.Time {
	now := t.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func (t *Tracker) onState(state channel.State, err error) {
	switch state {
	case channel.StateSubscribed:
		// 구독되면 대기 중인 announce를 보내고, 재연결이면 다시 track한다
		t.Resync()
		t.mu.Lock()
		joined := t.self != nil
		if joined {
			t.self.LastSeenAt = t.stampLocked(t.self.LastSeenAt)
		}
		t.mu.Unlock()
		if !joined {
			return
		}
		if err := t.announce(context.Background()); err != nil {
			t.logger.Warn("Failed to announce presence", zap.Error(err))
		}
	case channel.StateDisconnected:
		t.mu.Lock()
		if t.self != nil {
			t.pending = true
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) onSync(ev realtime.Event) {
	t.mu.Lock()
	t.raw = ev.State.Clone()
	t.mu.Unlock()
	t.recompute()
}

func (t *Tracker) onJoin(ev realtime.Event) {
	t.mu.Lock()
	t.raw[ev.Presence.Key] = append(t.raw[ev.Presence.Key], ev.Presence.Presences...)
	t.mu.Unlock()
	t.recompute()
}

func (t *Tracker) onLeave(ev realtime.Event) {
	t.mu.Lock()
	metas := t.raw[ev.Presence.Key]
	kept := metas[:0:0]
	for _, m := range metas {
		if !containsMeta(ev.Presence.Presences, m) {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(t.raw, ev.Presence.Key)
	} else {
		t.raw[ev.Presence.Key] = kept
	}
	t.mu.Unlock()
	t.recompute()
}

func (t *Tracker) recompute() {
	t.mu.Lock()
	view, err := Merge(t.raw)
	t.view = view
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn("Skipped malformed presence records", zap.Error(err))
	}
	for _, fn := range listeners {
		fn(view)
	}
}

func containsMeta(list []json.RawMessage, meta json.RawMessage) bool {
	for _, m := range list {
		if bytes.Equal(m, meta) {
			return true
		}
	}
	return false
}
