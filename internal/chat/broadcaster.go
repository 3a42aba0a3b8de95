package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
)

const (
	// MessageEvent is the broadcast event carrying a chat message
	MessageEvent    = "message"
	DefaultPageSize = 50
	// MaxPageSize is the largest history page the store serves
	MaxPageSize = 100
	// MaxContentLen counts runes
	MaxContentLen = 4000
	// MaxEncodedContentLen bounds the JSON encoding of valid content. An escaped
	// control character takes six bytes.
	MaxEncodedContentLen = MaxContentLen * 6

	reloadTimeout = 10 * time.Second
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content is too long")
)

// HistoryStore reads archived messages of a channel.
// History returns up to limit messages strictly older than beforeID, or the newest
// messages when beforeID is empty.
type HistoryStore interface {
	History(ctx context.Context, workspaceID, channel, beforeID string, limit int) ([]domain.ChatMessage, error)
}

// Channel is the part of a channel handle the broadcaster needs
type Channel interface {
	Name() string
	On(kind realtime.EventKind, fn realtime.Handler)
	OnStateChange(fn channel.StateFunc)
	Send(ctx context.Context, event string, payload any) error
}

// Config identifies the transcript and the local author
type Config struct {
	WorkspaceID string
	Author      domain.Author
	PageSize    int
}

// Broadcaster sends chat messages optimistically and reconciles them with the
// broadcasts echoed back by the channel. Each message id appears at most once.
type Broadcaster struct {
	ch     Channel
	store  HistoryStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	messages   []domain.ChatMessage
	ids        map[string]struct{}
	lastStamp  time.Time
	subscribed bool
	stale      bool
	hasMore    bool
	paged      bool
	focused    bool
	unread     int
	listeners  []func(domain.ChatMessage)
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithClock replaces time.Now for createdAt stamps
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// NewBroadcaster registers the broadcaster on ch. store may be nil when no history is kept.
func NewBroadcaster(ch Channel, store HistoryStore, cfg Config, logger *zap.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	b := &Broadcaster{
		ch:      ch,
		store:   store,
		cfg:     cfg,
		logger:  logger.With(zap.String("channel", ch.Name())),
		now:     time.Now,
		ids:     make(map[string]struct{}),
		focused: true,
	}
	for _, opt := range opts {
		opt(b)
	}

	ch.On(realtime.EventBroadcast, b.onBroadcast)
	ch.OnStateChange(b.onState)
	return b
}

// Send appends the message locally and broadcasts it. It does not wait for the echo.
// Before the channel is subscribed it fails with a NotReadyError and appends nothing.
func (b *Broadcaster) Send(ctx context.Context, content string) (domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if err := ValidateContent(content); err != nil {
		return domain.ChatMessage{}, err
	}

	b.mu.Lock()
	if !b.subscribed {
		b.mu.Unlock()
		return domain.ChatMessage{}, &realtime.NotReadyError{Topic: b.ch.Name(), Op: "send"}
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		Content:   content,
		Author:    b.cfg.Author,
		CreatedAt: b.stampLocked(),
	}
	if _, err := json.Marshal(msg); err != nil {
		b.mu.Unlock()
		return domain.ChatMessage{}, fmt.Errorf("encode chat message: %w", err)
	}
	b.insertLocked(msg)
	listeners := b.listeners
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}

	if err := b.ch.Send(ctx, MessageEvent, msg); err != nil {
		if realtime.IsNotReady(err) {
			// 전송되지 않은 메시지는 목록에서 뺀다
			b.mu.Lock()
			b.removeLocked(msg.ID)
			b.mu.Unlock()
			return domain.ChatMessage{}, err
		}
		// the frame may already have been fanned out, so the entry stays
		b.logger.Warn("Chat send was not confirmed", zap.String("message_id", msg.ID), zap.Error(err))
		return msg, err
	}
	return msg, nil
}

// ValidateContent checks trimmed message content against the length limit
func ValidateContent(content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentLen {
		return ErrMessageTooLong
	}
	return nil
}

// OnBroadcastReceived applies a message delivered by the channel.
// It reports false when the id is already present, which covers the sender's own echo.
func (b *Broadcaster) OnBroadcastReceived(msg domain.ChatMessage) bool {
	b.mu.Lock()
	if _, ok := b.ids[msg.ID]; ok {
		b.mu.Unlock()
		return false
	}
	b.insertLocked(msg)
	if msg.Author.ID != b.cfg.Author.ID && !b.focused {
		b.unread++
	}
	listeners := b.listeners
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
	return true
}

// LoadOlder prepends the page of messages older than beforeID. An empty beforeID
// loads the newest page. limit is capped at MaxPageSize; hasMore is true iff the
// store returned a full page.
func (b *Broadcaster) LoadOlder(ctx context.Context, beforeID string, limit int) (bool, error) {
	if b.store == nil {
		return false, nil
	}
	if limit <= 0 {
		limit = b.cfg.PageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	page, err := b.store.History(ctx, b.cfg.WorkspaceID, b.ch.Name(), beforeID, limit)
	if err != nil {
		return false, domain.WrapStoreError("loadOlder", err)
	}
	hasMore := len(page) == limit

	b.mu.Lock()
	for _, msg := range page {
		if _, ok := b.ids[msg.ID]; !ok {
			b.ids[msg.ID] = struct{}{}
			b.messages = append(b.messages, msg)
		}
	}
	sort.SliceStable(b.messages, func(i, j int) bool { return b.messages[i].Before(b.messages[j]) })
	// a newest-page reload must not reset the cursor of older pagination
	if beforeID != "" || !b.paged {
		b.hasMore = hasMore
	}
	if beforeID != "" {
		b.paged = true
	}
	b.mu.Unlock()

	return hasMore, nil
}

// LoadMore loads the page before the oldest message held
func (b *Broadcaster) LoadMore(ctx context.Context) (bool, error) {
	b.mu.Lock()
	oldest := ""
	if len(b.messages) > 0 {
		oldest = b.messages[0].ID
	}
	b.mu.Unlock()
	return b.LoadOlder(ctx, oldest, b.cfg.PageSize)
}

// Messages returns the transcript ordered by (createdAt, id)
func (b *Broadcaster) Messages() []domain.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ChatMessage(nil), b.messages...)
}

// HasMore reports whether older history may exist
func (b *Broadcaster) HasMore() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasMore
}

// SetFocused marks whether the transcript is visible. Focusing clears the unread counter.
func (b *Broadcaster) SetFocused(focused bool) {
	b.mu.Lock()
	b.focused = focused
	if focused {
		b.unread = 0
	}
	b.mu.Unlock()
}

// Unread counts messages from other authors received while not focused
func (b *Broadcaster) Unread() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread
}

// OnMessage registers fn to run for every message added to the transcript
func (b *Broadcaster) OnMessage(fn func(domain.ChatMessage)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

func (b *Broadcaster) onBroadcast(ev realtime.Event) {
	if ev.Broadcast.Event != MessageEvent {
		return
	}
	var msg domain.ChatMessage
	if err := json.Unmarshal(ev.Broadcast.Payload, &msg); err != nil {
		b.logger.Warn("Dropping malformed chat message", zap.Error(err))
		return
	}
	if msg.ID == "" {
		b.logger.Warn("Dropping chat message without id")
		return
	}
	b.OnBroadcastReceived(msg)
}

func (b *Broadcaster) onState(state channel.State, err error) {
	b.mu.Lock()
	b.subscribed = state == channel.StateSubscribed
	reload := false
	switch state {
	case channel.StateSubscribed:
		reload = b.stale && b.store != nil
		b.stale = false
	case channel.StateDisconnected:
		b.stale = true
	}
	b.mu.Unlock()

	if reload {
		// 끊긴 동안 놓친 메시지를 최신 페이지로 채운다
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
			defer cancel()
			if _, err := b.LoadOlder(ctx, "", b.cfg.PageSize); err != nil {
				b.logger.Warn("Failed to reload chat history", zap.Error(err))
			}
		}()
	}
}

// stampLocked returns a createdAt strictly after the previous one so that
// messages from this client keep their send order
func (b *Broadcaster) stampLocked() time.Time {
	now := b.now().UTC()
	if !now.After(b.lastStamp) {
		now = b.lastStamp.Add(time.Microsecond)
	}
	b.lastStamp = now
	return now
}

func (b *Broadcaster) insertLocked(msg domain.ChatMessage) {
	b.ids[msg.ID] = struct{}{}
	i := sort.Search(len(b.messages), func(i int) bool { return msg.Before(b.messages[i]) })
	b.messages = append(b.messages, domain.ChatMessage{})
	copy(b.messages[i+1:], b.messages[i:])
	b.messages[i] = msg
}

func (b *Broadcaster) removeLocked(id string) {
	if _, ok := b.ids[id]; !ok {
		return
	}
	delete(b.ids, id)
	for i, m := range b.messages {
		if m.ID == id {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return
		}
	}
}
