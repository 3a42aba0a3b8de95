package realtime

import (
	"context"
	"encoding/json"
)

// SubscribeStatus is reported to the status callback of a channel
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// Handler receives the events of one kind, in delivery order
type Handler func(Event)

// StatusFunc is called whenever the subscription status of a channel changes
type StatusFunc func(status SubscribeStatus, err error)

// ChannelOptions configures a channel before it is subscribed
type ChannelOptions struct {
	// PresenceKey scopes tracked presence to an identity. Empty means one key per channel.
	PresenceKey string
}

// Channel is one logical publish/subscribe topic.
// Handlers must be registered with On before Subscribe so no event is missed.
type Channel interface {
	Topic() string
	On(kind EventKind, h Handler)
	// Subscribe blocks until the channel is SUBSCRIBED, the context ends or the provider fails.
	// onStatus keeps receiving status changes after Subscribe returns.
	Subscribe(ctx context.Context, onStatus StatusFunc) error
	Track(ctx context.Context, meta json.RawMessage) error
	Untrack(ctx context.Context) error
	// Send broadcasts payload to every subscriber of the topic, the sender included.
	Send(ctx context.Context, event string, payload json.RawMessage) error
	PresenceState() PresenceState
}

// Provider opens and tears down channels
type Provider interface {
	Channel(topic string, opts ChannelOptions) Channel
	RemoveChannel(ch Channel) error
}

// Observer receives provider activity, typically to export metrics
type Observer interface {
	ChannelOpened(topic string)
	ChannelClosed(topic string)
	EventDispatched(kind EventKind)
	EventDropped(kind EventKind)
}

type nopObserver struct{}

func (nopObserver) ChannelOpened(string)      {}
func (nopObserver) ChannelClosed(string)      {}
func (nopObserver) EventDispatched(EventKind) {}
func (nopObserver) EventDropped(EventKind)    {}
