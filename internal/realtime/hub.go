package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type channelState int

const (
	channelIdle channelState = iota
	channelSubscribed
	channelRemoved
)

// Hub is the in-process channel provider.
// Every subscriber owns a Dispatcher, so one slow consumer never blocks the others,
// and all registry mutations happen under a single mutex.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	seq    uint64

	nodeID    string
	relay     Relay
	observer  Observer
	logger    *zap.Logger
	queueSize int
}

type topic struct {
	subscribers map[*hubChannel]struct{}
	presence    map[string]map[*hubChannel]json.RawMessage
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithObserver reports channel and dispatch activity to o
func WithObserver(o Observer) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithQueueSize sets the per-subscriber dispatch queue size
func WithQueueSize(n int) HubOption {
	return func(h *Hub) { h.queueSize = n }
}

// WithRelay fans broadcasts and change events out to other nodes through r
func WithRelay(r Relay) HubOption {
	return func(h *Hub) { h.relay = r }
}

// WithNodeID overrides the generated node id
func WithNodeID(id string) HubOption {
	return func(h *Hub) { h.nodeID = id }
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		topics:    make(map[string]*topic),
		nodeID:    uuid.NewString(),
		observer:  nopObserver{},
		logger:    logger,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NodeID identifies this hub when relaying to other nodes
func (h *Hub) NodeID() string {
	return h.nodeID
}

// Channel creates an unsubscribed channel on topic
func (h *Hub) Channel(name string, opts ChannelOptions) Channel {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	key := opts.PresenceKey
	if key == "" {
		key = uuid.NewString()
	}

	return &hubChannel{
		hub:        h,
		topic:      name,
		key:        key,
		seq:        seq,
		dispatcher: NewDispatcher(h.queueSize, h.observer, h.logger.With(zap.String("topic", name))),
	}
}

// RemoveChannel untracks and unsubscribes ch. No handler of ch runs after it returns
// except one that was already executing.
func (h *Hub) RemoveChannel(ch Channel) error {
	c, ok := ch.(*hubChannel)
	if !ok || c.hub != h {
		return fmt.Errorf("channel %s does not belong to this hub", ch.Topic())
	}

	h.mu.Lock()
	if c.state == channelRemoved {
		h.mu.Unlock()
		return nil
	}
	wasSubscribed := c.state == channelSubscribed
	onStatus := c.onStatus
	h.detachLocked(c)
	h.mu.Unlock()

	c.dispatcher.Stop()
	if wasSubscribed {
		h.observer.ChannelClosed(c.topic)
	}
	if onStatus != nil {
		onStatus(StatusClosed, nil)
	}
	return nil
}

// Publish delivers a server-originated event to every subscriber of ev.Topic
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Topic == "" {
		return errors.New("event without topic")
	}

	h.mu.Lock()
	if t, ok := h.topics[ev.Topic]; ok {
		h.fanoutLocked(t, ev)
	}
	relay := h.relay
	h.mu.Unlock()

	if relay != nil && ev.Kind != EventSync {
		if err := relay.Publish(ctx, ev); err != nil {
			h.logger.Warn("Failed to relay event",
				zap.String("topic", ev.Topic),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
	return nil
}

// Presence returns a copy of the presence table of a topic
func (h *Hub) Presence(name string) PresenceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		return PresenceState{}
	}
	return t.stateLocked()
}

// Subscribers returns how many channels are subscribed to a topic
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[name]; ok {
		return len(t.subscribers)
	}
	return 0
}

// RunRelay feeds events from other nodes into local subscribers until ctx ends
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.relay == nil {
		return nil
	}
	return h.relay.Run(ctx, h.deliverRemote)
}

// Close drops every channel with CHANNEL_ERROR
func (h *Hub) Close() {
	type droppedChannel struct {
		c        *hubChannel
		onStatus StatusFunc
	}

	h.mu.Lock()
	var dropped []droppedChannel
	for _, t := range h.topics {
		for c := range t.subscribers {
			dropped = append(dropped, droppedChannel{c: c, onStatus: c.onStatus})
		}
	}
	for _, d := range dropped {
		h.detachLocked(d.c)
	}
	h.mu.Unlock()

	for _, d := range dropped {
		d.c.dispatcher.Stop()
		h.observer.ChannelClosed(d.c.topic)
		if d.onStatus != nil {
			d.onStatus(StatusChannelError, ErrChannelClosed)
		}
	}
}

func (h *Hub) deliverRemote(ev Event) {
	if err := ev.Validate(); err != nil {
		h.logger.Warn("Dropping invalid relayed event", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[ev.Topic]; ok {
		h.fanoutLocked(t, ev)
	}
}

func (h *Hub) topicLocked(name string) *topic {
	t, ok := h.topics[name]
	if !ok {
		t = &topic{
			subscribers: make(map[*hubChannel]struct{}),
			presence:    make(map[string]map[*hubChannel]json.RawMessage),
		}
		h.topics[name] = t
	}
	return t
}

func (h *Hub) fanoutLocked(t *topic, ev Event) {
	for c := range t.subscribers {
		c.dispatcher.Enqueue(ev)
	}
}

// detachLocked removes c from its topic, announcing its leave to the remaining subscribers
func (h *Hub) detachLocked(c *hubChannel) {
	if t, ok := h.topics[c.topic]; ok {
		delete(t.subscribers, c)
		h.untrackLocked(t, c)
		if len(t.subscribers) == 0 && len(t.presence) == 0 {
			delete(h.topics, c.topic)
		}
	}
	c.state = channelRemoved
}

func (h *Hub) untrackLocked(t *topic, c *hubChannel) bool {
	metas, ok := t.presence[c.key]
	if !ok {
		return false
	}
	meta, ok := metas[c]
	if !ok {
		return false
	}
	delete(metas, c)
	if len(metas) == 0 {
		delete(t.presence, c.key)
	}

	h.fanoutLocked(t, Event{
		Kind:     EventLeave,
		Topic:    c.topic,
		Presence: &PresenceDiff{Key: c.key, Presences: []json.RawMessage{meta}},
	})
	h.fanoutLocked(t, SyncEvent(c.topic, t.stateLocked()))
	return true
}

// stateLocked lists metas per key in subscription order so snapshots are deterministic
func (t *topic) stateLocked() PresenceState {
	state := make(PresenceState, len(t.presence))
	for key, metas := range t.presence {
		chans := make([]*hubChannel, 0, len(metas))
		for c := range metas {
			chans = append(chans, c)
		}
		sort.Slice(chans, func(i, j int) bool { return chans[i].seq < chans[j].seq })

		list := make([]json.RawMessage, 0, len(chans))
		for _, c := range chans {
			list = append(list, append(json.RawMessage(nil), metas[c]...))
		}
		state[key] = list
	}
	return state
}

type hubChannel struct {
	hub        *Hub
	topic      string
	key        string
	seq        uint64
	dispatcher *Dispatcher

	// guarded by hub.mu
	state    channelState
	onStatus StatusFunc
}

func (c *hubChannel) Topic() string {
	return c.topic
}

func (c *hubChannel) On(kind EventKind, h Handler) {
	c.dispatcher.On(kind, h)
}

func (c *hubChannel) Subscribe(ctx context.Context, onStatus StatusFunc) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Topic: c.topic, Status: StatusTimedOut, Err: err}
	}

	h := c.hub
	h.mu.Lock()
	switch c.state {
	case channelRemoved:
		h.mu.Unlock()
		return &ConnectionError{Topic: c.topic, Status: StatusClosed, Err: ErrChannelClosed}
	case channelSubscribed:
		h.mu.Unlock()
		return nil
	}
	t := h.topicLocked(c.topic)
	t.subscribers[c] = struct{}{}
	c.state = channelSubscribed
	c.onStatus = onStatus
	// 새 구독자에게 현재 presence 상태를 먼저 보낸다
	c.dispatcher.Enqueue(SyncEvent(c.topic, t.stateLocked()))
	h.mu.Unlock()

	h.observer.ChannelOpened(c.topic)
	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	return nil
}

func (c *hubChannel) Track(ctx context.Context, meta json.RawMessage) error {
	if !json.Valid(meta) {
		return errors.New("presence meta is not valid JSON")
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state != channelSubscribed {
		return &NotReadyError{Topic: c.topic, Op: "track"}
	}

	t := h.topicLocked(c.topic)
	metas, ok := t.presence[c.key]
	if !ok {
		metas = make(map[*hubChannel]json.RawMessage)
		t.presence[c.key] = metas
	}
	stored := append(json.RawMessage(nil), meta...)
	metas[c] = stored

	h.fanoutLocked(t, Event{
		Kind:     EventJoin,
		Topic:    c.topic,
		Presence: &PresenceDiff{Key: c.key, Presences: []json.RawMessage{stored}},
	})
	h.fanoutLocked(t, SyncEvent(c.topic, t.stateLocked()))
	return nil
}

func (c *hubChannel) Untrack(ctx context.Context) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state != channelSubscribed {
		return &NotReadyError{Topic: c.topic, Op: "untrack"}
	}
	if t, ok := h.topics[c.topic]; ok {
		h.untrackLocked(t, c)
	}
	return nil
}

func (c *hubChannel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	if event == "" {
		return errors.New("broadcast event name is required")
	}

	h := c.hub
	h.mu.Lock()
	if c.state != channelSubscribed {
		h.mu.Unlock()
		return &NotReadyError{Topic: c.topic, Op: "send"}
	}
	ev := BroadcastEvent(c.topic, event, append(json.RawMessage(nil), payload...))
	h.fanoutLocked(h.topicLocked(c.topic), ev)
	relay := h.relay
	h.mu.Unlock()

	if relay != nil {
		if err := relay.Publish(ctx, ev); err != nil {
			h.logger.Warn("Failed to relay broadcast",
				zap.String("topic", c.topic),
				zap.Error(err))
		}
	}
	return nil
}

func (c *hubChannel) PresenceState() PresenceState {
	return c.hub.Presence(c.topic)
}
