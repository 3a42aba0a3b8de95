package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"realtime-service/internal/realtime"
)

// StateFunc observes connection state changes. err is set on a failed or dropped connection.
type StateFunc func(state State, err error)

// Handle is one owner's view of a shared channel
type Handle struct {
	mgr   *Manager
	entry *entry
	owner string
	seq   uint64

	closed atomic.Bool

	mu       sync.RWMutex
	handlers map[realtime.EventKind][]realtime.Handler

	// guarded by mgr.mu
	listeners []StateFunc
	tracked   bool
}

func newHandle(m *Manager, e *entry, owner string, seq uint64) *Handle {
	return &Handle{
		mgr:      m,
		entry:    e,
		owner:    owner,
		seq:      seq,
		handlers: make(map[realtime.EventKind][]realtime.Handler),
	}
}

// Name returns the channel name
func (h *Handle) Name() string {
	return h.entry.name
}

// Owner returns the owner the handle was opened for
func (h *Handle) Owner() string {
	return h.owner
}

// State returns the current connection state
func (h *Handle) State() State {
	if h.closed.Load() {
		return StateDisconnected
	}
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	return h.entry.state
}

// Closed reports whether the handle was released
func (h *Handle) Closed() bool {
	return h.closed.Load()
}

// On registers fn for events of kind. Events are delivered in channel order.
func (h *Handle) On(kind realtime.EventKind, fn realtime.Handler) {
	h.mu.Lock()
	h.handlers[kind] = append(h.handlers[kind], fn)
	h.mu.Unlock()
}

// OnStateChange registers fn and calls it right away with the current state
func (h *Handle) OnStateChange(fn StateFunc) {
	h.mgr.mu.Lock()
	h.listeners = append(h.listeners, fn)
	state := h.entry.state
	h.mgr.mu.Unlock()

	if !h.closed.Load() {
		fn(state, nil)
	}
}

// Track announces meta as this session's presence
func (h *Handle) Track(ctx context.Context, meta any) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	ch, err := h.channel("track")
	if err != nil {
		return err
	}
	if err := ch.Track(ctx, data); err != nil {
		return err
	}

	h.mgr.mu.Lock()
	if !h.tracked && h.entry.ch == ch {
		h.tracked = true
		h.entry.trackers++
	}
	h.mgr.mu.Unlock()
	return nil
}

// Untrack withdraws presence tracked through this handle
func (h *Handle) Untrack(ctx context.Context) error {
	ch, err := h.channel("untrack")
	if err != nil {
		return err
	}

	h.mgr.mu.Lock()
	wasTracked := h.tracked
	if wasTracked {
		h.tracked = false
		h.entry.trackers--
	}
	last := h.entry.trackers == 0
	h.mgr.mu.Unlock()

	if !wasTracked || !last {
		return nil
	}
	return ch.Untrack(ctx)
}

// Send broadcasts payload as event to every subscriber, this one included
func (h *Handle) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	ch, err := h.channel("send")
	if err != nil {
		return err
	}
	return ch.Send(ctx, event, data)
}

// PresenceState returns the provider's raw presence table
func (h *Handle) PresenceState() (realtime.PresenceState, error) {
	ch, err := h.channel("presence")
	if err != nil {
		return nil, err
	}
	return ch.PresenceState(), nil
}

// Close releases the handle, see Manager.Close
func (h *Handle) Close() error {
	return h.mgr.Close(h)
}

func (h *Handle) channel(op string) (realtime.Channel, error) {
	if h.closed.Load() {
		return nil, &realtime.ConnectionError{Topic: h.entry.name, Status: realtime.StatusClosed, Err: realtime.ErrChannelClosed}
	}
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	if h.entry.state != StateSubscribed || h.entry.ch == nil {
		return nil, &realtime.NotReadyError{Topic: h.entry.name, Op: op}
	}
	return h.entry.ch, nil
}

func (h *Handle) dispatch(kind realtime.EventKind, ev realtime.Event) {
	if h.closed.Load() {
		return
	}
	h.mu.RLock()
	handlers := append([]realtime.Handler(nil), h.handlers[kind]...)
	h.mu.RUnlock()

	for _, fn := range handlers {
		if h.closed.Load() {
			return
		}
		fn(ev)
	}
}
