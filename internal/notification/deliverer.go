package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

const (
	DefaultPageSize = 50
	// Table is the change-event table carrying notifications
	Table = "notifications"

	reloadTimeout = 10 * time.Second
)

// Store is the notification backlog of one (workspace, user) scope
type Store interface {
	List(ctx context.Context, workspaceID, userID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, workspaceID, userID, id string) error
	MarkAllRead(ctx context.Context, workspaceID, userID string) error
}

// Channel is the part of a channel handle the deliverer needs
type Channel interface {
	Name() string
	On(kind realtime.EventKind, fn realtime.Handler)
	OnStateChange(fn channel.StateFunc)
}

// Scope is the (workspace, user) pair a deliverer serves
type Scope struct {
	WorkspaceID string
	UserID      string
}

// Deliverer keeps an unread-aware notification list, newest first.
// IsRead only moves false -> true and the unread counter never drops below zero.
//
// A failed read mutation is not rolled back. The entry stays read locally and the
// mutation is sent again on the next LoadInitial.
type Deliverer struct {
	ch       Channel
	store    Store
	logger   *zap.Logger
	now      func() time.Time
	pageSize int

	mu           sync.Mutex
	scope        Scope
	items        []domain.Notification
	unread       int
	pendingReads map[string]readState
	stale        bool
	listeners    []func([]domain.Notification, int)
}

// readState tracks a read mutation that the store has not confirmed yet
type readState int

const (
	readInFlight readState = iota
	readFailed
)

// Option configures a Deliverer
type Option func(*Deliverer)

// WithClock replaces time.Now for read_at stamps
func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

// WithPageSize sets how many notifications LoadInitial pulls
func WithPageSize(n int) Option {
	return func(d *Deliverer) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// NewDeliverer registers the deliverer's change handlers on ch
func NewDeliverer(ch Channel, store Store, scope Scope, logger *zap.Logger, opts ...Option) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deliverer{
		ch:           ch,
		store:        store,
		logger:       logger.With(zap.String("channel", ch.Name())),
		now:          time.Now,
		pageSize:     DefaultPageSize,
		scope:        scope,
		pendingReads: make(map[string]readState),
	}
	for _, opt := range opts {
		opt(d)
	}

	ch.On(realtime.EventInsert, d.onInsert)
	ch.On(realtime.EventUpdate, d.onUpdate)
	ch.OnStateChange(d.onState)
	return d
}

// LoadInitial replaces the list with the store's backlog for the scope. Entries
// already read locally stay read, so a reload racing a read mutation never
// brings an entry back to unread.
func (d *Deliverer) LoadInitial(ctx context.Context, workspaceID, userID string) ([]domain.Notification, int, error) {
	list, err := d.store.List(ctx, workspaceID, userID, d.pageSize)
	if err != nil {
		return nil, 0, domain.WrapStoreError("loadInitial", err)
	}

	d.mu.Lock()
	scope := Scope{WorkspaceID: workspaceID, UserID: userID}
	localRead := make(map[string]*time.Time)
	if scope != d.scope {
		d.scope = scope
		d.pendingReads = make(map[string]readState)
	} else {
		for _, n := range d.items {
			if n.IsRead {
				localRead[n.ID] = n.ReadAt
			}
		}
	}

	items := make([]domain.Notification, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	var retry []string
	for _, n := range list {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		state, pending := d.pendingReads[n.ID]
		switch {
		case n.IsRead:
			if pending && state == readFailed {
				delete(d.pendingReads, n.ID)
			}
		case pending:
			// 확정되지 않은 읽음 처리는 로컬 상태를 유지하고, 실패했던 것은 다시 보낸다
			if readAt, ok := localRead[n.ID]; ok && readAt != nil {
				n.IsRead = true
				n.ReadAt = readAt
			} else {
				d.markLocked(&n)
			}
			if state == readFailed {
				d.pendingReads[n.ID] = readInFlight
				retry = append(retry, n.ID)
			}
		default:
			if readAt, ok := localRead[n.ID]; ok {
				n.IsRead = true
				n.ReadAt = readAt
			}
		}
		items = append(items, n)
	}
	d.items = items
	d.unread = countUnread(items)
	out, unread, listeners := d.snapshotLocked()
	d.mu.Unlock()

	for _, id := range retry {
		err := d.store.MarkRead(ctx, workspaceID, userID, id)
		d.settleRead(id, err)
		if err != nil {
			d.logger.Warn("Retrying read mutation failed", zap.String("notification_id", id), zap.Error(err))
		}
	}

	notify(listeners, out, unread)
	return out, unread, nil
}

// OnInsertEvent prepends n unless its id is already listed or it belongs to another scope
func (d *Deliverer) OnInsertEvent(n domain.Notification) bool {
	d.mu.Lock()
	if !d.inScopeLocked(n) || d.indexLocked(n.ID) >= 0 {
		d.mu.Unlock()
		return false
	}
	d.items = append([]domain.Notification{n}, d.items...)
	if !n.IsRead {
		d.unread++
	}
	out, unread, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, out, unread)
	return true
}

// OnUpdateEvent applies a read flip made elsewhere (another tab or device).
// Updates that would mark an entry unread are ignored.
func (d *Deliverer) OnUpdateEvent(n domain.Notification) bool {
	d.mu.Lock()
	i := d.indexLocked(n.ID)
	if !d.inScopeLocked(n) || i < 0 || !n.IsRead || d.items[i].IsRead {
		d.mu.Unlock()
		return false
	}
	d.items[i].IsRead = true
	d.items[i].ReadAt = n.ReadAt
	if d.items[i].ReadAt == nil {
		now := d.now().UTC()
		d.items[i].ReadAt = &now
	}
	delete(d.pendingReads, n.ID)
	d.decrementLocked(1)
	out, unread, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, out, unread)
	return true
}

// MarkRead flips the entry locally, then persists it. An entry that is already read
// causes no store call. A failed mutation returns a StoreError and keeps the local flip.
func (d *Deliverer) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	i := d.indexLocked(id)
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if d.items[i].IsRead {
		d.mu.Unlock()
		return nil
	}
	d.markLocked(&d.items[i])
	d.decrementLocked(1)
	d.pendingReads[id] = readInFlight
	scope := d.scope
	out, unread, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, out, unread)

	err := d.store.MarkRead(ctx, scope.WorkspaceID, scope.UserID, id)
	d.settleRead(id, err)
	if err != nil {
		d.logger.Warn("Failed to persist read state", zap.String("notification_id", id), zap.Error(err))
		return domain.WrapStoreError("markRead", err)
	}
	return nil
}

// MarkAllRead flips every unread entry in one batch
func (d *Deliverer) MarkAllRead(ctx context.Context) error {
	d.mu.Lock()
	var flipped []string
	for i := range d.items {
		if !d.items[i].IsRead {
			d.markLocked(&d.items[i])
			flipped = append(flipped, d.items[i].ID)
			d.pendingReads[d.items[i].ID] = readInFlight
		}
	}
	if len(flipped) == 0 {
		d.mu.Unlock()
		return nil
	}
	d.unread = 0
	scope := d.scope
	out, unread, listeners := d.snapshotLocked()
	d.mu.Unlock()

	notify(listeners, out, unread)

	err := d.store.MarkAllRead(ctx, scope.WorkspaceID, scope.UserID)
	for _, id := range flipped {
		d.settleRead(id, err)
	}
	if err != nil {
		d.logger.Warn("Failed to persist read-all", zap.Int("count", len(flipped)), zap.Error(err))
		return domain.WrapStoreError("markAllRead", err)
	}
	return nil
}

// settleRead records the outcome of a read mutation. Failed ids are sent again
// on the next LoadInitial.
func (d *Deliverer) settleRead(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pendingReads[id]; !ok {
		return
	}
	if err != nil {
		d.pendingReads[id] = readFailed
		return
	}
	delete(d.pendingReads, id)
}

// Notifications returns the list, newest first
func (d *Deliverer) Notifications() []domain.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Notification(nil), d.items...)
}

// UnreadCount returns the unread counter
func (d *Deliverer) UnreadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unread
}

// OnChange registers fn to run after every change of the list
func (d *Deliverer) OnChange(fn func(list []domain.Notification, unread int)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Deliverer) onInsert(ev realtime.Event) {
	if n, ok := d.decode(ev); ok {
		d.OnInsertEvent(n)
	}
}

func (d *Deliverer) onUpdate(ev realtime.Event) {
	if n, ok := d.decode(ev); ok {
		d.OnUpdateEvent(n)
	}
}

func (d *Deliverer) decode(ev realtime.Event) (domain.Notification, bool) {
	if ev.Change.Table != Table {
		return domain.Notification{}, false
	}
	var n domain.Notification
	if err := json.Unmarshal(ev.Change.Record, &n); err != nil {
		d.logger.Warn("Dropping malformed notification", zap.Error(err))
		return domain.Notification{}, false
	}
	if n.ID == "" {
		d.logger.Warn("Dropping notification without id")
		return domain.Notification{}, false
	}
	return n, true
}

func (d *Deliverer) onState(state channel.State, err error) {
	d.mu.Lock()
	reload := false
	switch state {
	case channel.StateSubscribed:
		reload = d.stale
		d.stale = false
	case channel.StateDisconnected:
		d.stale = true
	}
	scope := d.scope
	d.mu.Unlock()

	if reload {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
			defer cancel()
			if _, _, err := d.LoadInitial(ctx, scope.WorkspaceID, scope.UserID); err != nil {
				d.logger.Warn("Failed to reload notifications", zap.Error(err))
			}
		}()
	}
}

func (d *Deliverer) inScopeLocked(n domain.Notification) bool {
	return n.WorkspaceID == d.scope.WorkspaceID && n.UserID == d.scope.UserID
}

func (d *Deliverer) indexLocked(id string) int {
	for i := range d.items {
		if d.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Deliverer) markLocked(n *domain.Notification) {
	now := d.now().UTC()
	n.IsRead = true
	n.ReadAt = &now
}

func (d *Deliverer) decrementLocked(by int) {
	d.unread = max(0, d.unread-by)
}

func (d *Deliverer) snapshotLocked() ([]domain.Notification, int, []func([]domain.Notification, int)) {
	return slices.Clone(d.items), d.unread, slices.Clone(d.listeners)
}

func notify(listeners []func([]domain.Notification, int), list []domain.Notification, unread int) {
	for _, fn := range listeners {
		fn(list, unread)
	}
}

func countUnread(items []domain.Notification) int {
	n := 0
	for _, it := range items {
		if !it.IsRead {
			n++
		}
	}
	return n
}
