package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"realtime-service/internal/realtime"
)

// State is the connection state of a managed channel
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

var (
	ErrInvalidOwner        = errors.New("channel owner is required")
	ErrPresenceKeyConflict = errors.New("channel is already open with another presence key")
)

var eventKinds = []realtime.EventKind{
	realtime.EventSync,
	realtime.EventJoin,
	realtime.EventLeave,
	realtime.EventBroadcast,
	realtime.EventInsert,
	realtime.EventUpdate,
}

// Config controls how a channel is opened
type Config struct {
	PresenceKey string

	// Initial subscribe retry budget. Drops after SUBSCRIBED are not retried.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Manager keeps one provider channel per name and shares it between owners.
// The provider channel is released when the last handle closes.
type Manager struct {
	provider realtime.Provider
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

type entry struct {
	name        string
	presenceKey string
	ch          realtime.Channel
	state       State
	attempt     chan struct{}
	handles     map[string]*Handle
	trackers    int
	released    bool
}

// NewManager creates a manager over provider
func NewManager(provider realtime.Provider, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		provider: provider,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// Open returns the handle of owner on the named channel, subscribing it when needed.
// Calling Open again with the same name and owner returns the same handle; when the
// channel dropped in between it is subscribed again with the handlers kept.
func (m *Manager) Open(ctx context.Context, name, owner string, cfg Config) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidTopic)
	}
	if owner == "" {
		return nil, ErrInvalidOwner
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		e = &entry{
			name:        name,
			presenceKey: cfg.PresenceKey,
			state:       StateDisconnected,
			handles:     make(map[string]*Handle),
		}
		m.entries[name] = e
	} else if e.presenceKey != cfg.PresenceKey {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s uses %q", ErrPresenceKeyConflict, name, e.presenceKey)
	}

	h, ok := e.handles[owner]
	created := !ok
	if created {
		m.seq++
		h = newHandle(m, e, owner, m.seq)
		e.handles[owner] = h
	}
	m.mu.Unlock()

	if err := m.connect(ctx, e, cfg); err != nil {
		if created {
			_ = m.Close(h)
		}
		return nil, err
	}
	return h, nil
}

// Close releases h. It is idempotent and safe on every exit path.
// No handler of h is invoked after Close returns, except one that was already running.
func (m *Manager) Close(h *Handle) error {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	e := h.entry

	m.mu.Lock()
	if e.handles[h.owner] == h {
		delete(e.handles, h.owner)
	}
	untrack := false
	if h.tracked {
		h.tracked = false
		e.trackers--
		untrack = e.trackers == 0
	}
	ch := e.ch
	last := len(e.handles) == 0
	if last {
		e.released = true
		e.ch = nil
		e.state = StateDisconnected
		if m.entries[e.name] == e {
			delete(m.entries, e.name)
		}
	}
	m.mu.Unlock()

	if ch == nil {
		return nil
	}
	if last {
		m.logger.Debug("Releasing channel", zap.String("channel", e.name))
		return m.provider.RemoveChannel(ch)
	}
	if untrack {
		return ch.Untrack(context.Background())
	}
	return nil
}

// CloseAll releases every handle
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var handles []*Handle
	for _, e := range m.entries {
		handles = append(handles, sortedHandles(e)...)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := m.Close(h); err != nil {
			m.logger.Warn("Failed to close channel", zap.String("channel", h.Name()), zap.Error(err))
		}
	}
}

// Refs returns how many handles share the named channel
func (m *Manager) Refs(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		return len(e.handles)
	}
	return 0
}

func (m *Manager) connect(ctx context.Context, e *entry, cfg Config) error {
	for {
		m.mu.Lock()
		if e.released {
			m.mu.Unlock()
			return &realtime.ConnectionError{Topic: e.name, Status: realtime.StatusClosed, Err: realtime.ErrChannelClosed}
		}
		switch e.state {
		case StateSubscribed:
			m.mu.Unlock()
			return nil
		case StateConnecting:
			// 다른 owner가 구독 중이면 그 결과를 기다린다
			wait := e.attempt
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return &realtime.ConnectionError{Topic: e.name, Status: realtime.StatusTimedOut, Err: ctx.Err()}
			}
		}

		done := make(chan struct{})
		e.attempt = done
		notify := m.setStateLocked(e, StateConnecting, nil)
		m.mu.Unlock()
		notify()

		err := m.subscribeWithRetry(ctx, e, cfg)

		m.mu.Lock()
		close(done)
		notify = func() {}
		switch {
		case err != nil && e.state == StateConnecting:
			notify = m.setStateLocked(e, StateDisconnected, err)
		case err == nil && e.state == StateConnecting && e.ch != nil:
			notify = m.setStateLocked(e, StateSubscribed, nil)
		}
		m.mu.Unlock()
		notify()
		return err
	}
}

func (m *Manager) subscribeWithRetry(ctx context.Context, e *entry, cfg Config) error {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := m.subscribeOnce(ctx, e)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn("Channel subscribe failed, retrying",
				zap.String("channel", e.name),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		m.logger.Info("Channel subscribed", zap.String("channel", e.name), zap.Int("attempts", attempts))
		return nil
	}

	cerr := &realtime.ConnectionError{Topic: e.name, Status: realtime.StatusChannelError, Attempts: attempts, Err: err}
	var inner *realtime.ConnectionError
	if errors.As(err, &inner) {
		cerr.Status = inner.Status
		cerr.Err = inner.Err
	}
	if ctx.Err() != nil {
		cerr.Status = realtime.StatusTimedOut
	} else if attempts >= cfg.MaxAttempts {
		cerr.Exhausted = true
	}

	m.logger.Error("Channel subscribe failed",
		zap.String("channel", e.name),
		zap.Int("attempts", attempts),
		zap.Bool("exhausted", cerr.Exhausted),
		zap.Error(err))
	return cerr
}

// subscribeOnce subscribes a fresh provider channel. A failed channel is removed
// so the next attempt starts clean.
func (m *Manager) subscribeOnce(ctx context.Context, e *entry) error {
	m.mu.Lock()
	if e.released {
		m.mu.Unlock()
		return backoff.Permanent(&realtime.ConnectionError{Topic: e.name, Status: realtime.StatusClosed, Err: realtime.ErrChannelClosed})
	}
	ch := m.provider.Channel(e.name, realtime.ChannelOptions{PresenceKey: e.presenceKey})
	for _, kind := range eventKinds {
		ch.On(kind, m.fanout(e, ch, kind))
	}
	e.ch = ch
	m.mu.Unlock()

	err := ch.Subscribe(ctx, func(status realtime.SubscribeStatus, err error) {
		m.onStatus(e, ch, status, err)
	})
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if e.ch == ch {
		e.ch = nil
	}
	m.mu.Unlock()
	if rmErr := m.provider.RemoveChannel(ch); rmErr != nil {
		m.logger.Debug("Failed to remove unsubscribed channel", zap.String("channel", e.name), zap.Error(rmErr))
	}
	return err
}

func (m *Manager) onStatus(e *entry, ch realtime.Channel, status realtime.SubscribeStatus, err error) {
	m.mu.Lock()
	if e.ch != ch {
		m.mu.Unlock()
		return
	}

	notify := func() {}
	var stale realtime.Channel
	if status == realtime.StatusSubscribed {
		notify = m.setStateLocked(e, StateSubscribed, nil)
	} else {
		// 끊긴 채널은 버리고, 다음 Open이 새 채널로 다시 구독한다
		stale = ch
		e.ch = nil
		e.trackers = 0
		for _, h := range e.handles {
			h.tracked = false
		}
		if e.state == StateSubscribed {
			notify = m.setStateLocked(e, StateDisconnected, &realtime.ConnectionError{Topic: e.name, Status: status, Err: err})
		}
	}
	m.mu.Unlock()

	notify()
	if stale != nil {
		m.logger.Warn("Channel dropped",
			zap.String("channel", e.name),
			zap.String("status", string(status)),
			zap.Error(err))
		_ = m.provider.RemoveChannel(stale)
	}
}

// fanout delivers provider events of one kind to every live handle of the entry
func (m *Manager) fanout(e *entry, ch realtime.Channel, kind realtime.EventKind) realtime.Handler {
	return func(ev realtime.Event) {
		m.mu.Lock()
		if e.ch != ch {
			m.mu.Unlock()
			return
		}
		handles := sortedHandles(e)
		m.mu.Unlock()

		for _, h := range handles {
			h.dispatch(kind, ev)
		}
	}
}

func (m *Manager) setStateLocked(e *entry, state State, err error) func() {
	if e.state == state && err == nil {
		return func() {}
	}
	e.state = state

	var listeners []StateFunc
	for _, h := range sortedHandles(e) {
		if !h.closed.Load() {
			listeners = append(listeners, h.listeners...)
		}
	}
	m.logger.Debug("Channel state changed",
		zap.String("channel", e.name),
		zap.String("state", string(state)))

	return func() {
		for _, fn := range listeners {
			fn(state, err)
		}
	}
}

func sortedHandles(e *entry) []*Handle {
	out := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
