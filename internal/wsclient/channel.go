package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"realtime-service/internal/realtime"
)

type channelState int

const (
	stateIdle channelState = iota
	stateJoining
	stateSubscribed
	stateRemoved
)

type clientChannel struct {
	client     *Client
	topic      string
	opts       realtime.ChannelOptions
	dispatcher *realtime.Dispatcher

	mu       sync.Mutex
	status   channelState
	onStatus realtime.StatusFunc
	// last presence table pushed by the gateway
	state realtime.PresenceState
}

func (ch *clientChannel) Topic() string {
	return ch.topic
}

func (ch *clientChannel) On(kind realtime.EventKind, h realtime.Handler) {
	ch.dispatcher.On(kind, h)
}

func (ch *clientChannel) Subscribe(ctx context.Context, onStatus realtime.StatusFunc) error {
	ch.mu.Lock()
	switch ch.status {
	case stateRemoved:
		ch.mu.Unlock()
		return &realtime.ConnectionError{Topic: ch.topic, Status: realtime.StatusClosed, Err: realtime.ErrChannelClosed}
	case stateSubscribed:
		ch.mu.Unlock()
		return nil
	}
	ch.status = stateJoining
	ch.onStatus = onStatus
	ch.mu.Unlock()

	// events may arrive before the reply, so the topic is routed to ch first
	if err := ch.client.register(ch); err != nil {
		ch.setIdle()
		return &realtime.ConnectionError{Topic: ch.topic, Status: realtime.StatusChannelError, Err: err}
	}

	payload, _ := json.Marshal(realtime.SubscribeRequest{PresenceKey: ch.opts.PresenceKey})
	err := ch.client.request(ctx, realtime.Frame{Type: realtime.FrameSubscribe, Topic: ch.topic, Payload: payload})
	if err != nil {
		ch.client.unregister(ch)
		ch.setIdle()
		status := realtime.StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = realtime.StatusTimedOut
		}
		return &realtime.ConnectionError{Topic: ch.topic, Status: status, Err: err}
	}

	ch.mu.Lock()
	if ch.status != stateJoining {
		// removed or dropped while waiting for the reply
		ch.mu.Unlock()
		return &realtime.ConnectionError{Topic: ch.topic, Status: realtime.StatusClosed, Err: realtime.ErrChannelClosed}
	}
	ch.status = stateSubscribed
	ch.mu.Unlock()

	if onStatus != nil {
		onStatus(realtime.StatusSubscribed, nil)
	}
	return nil
}

func (ch *clientChannel) Track(ctx context.Context, meta json.RawMessage) error {
	if !json.Valid(meta) {
		return errors.New("presence meta is not valid JSON")
	}
	if err := ch.ready("track"); err != nil {
		return err
	}
	return ch.client.request(ctx, realtime.Frame{Type: realtime.FrameTrack, Topic: ch.topic, Payload: meta})
}

func (ch *clientChannel) Untrack(ctx context.Context) error {
	if err := ch.ready("untrack"); err != nil {
		return err
	}
	return ch.client.request(ctx, realtime.Frame{Type: realtime.FrameUntrack, Topic: ch.topic})
}

func (ch *clientChannel) Send(ctx context.Context, event string, payload json.RawMessage) error {
	if event == "" {
		return errors.New("broadcast event name is required")
	}
	if err := ch.ready("send"); err != nil {
		return err
	}
	body, err := json.Marshal(realtime.BroadcastPayload{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return ch.client.request(ctx, realtime.Frame{Type: realtime.FrameBroadcast, Topic: ch.topic, Payload: body})
}

func (ch *clientChannel) PresenceState() realtime.PresenceState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state.Clone()
}

func (ch *clientChannel) ready(op string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.status != stateSubscribed {
		return &realtime.NotReadyError{Topic: ch.topic, Op: op}
	}
	return nil
}

func (ch *clientChannel) setIdle() {
	ch.mu.Lock()
	if ch.status == stateJoining {
		ch.status = stateIdle
	}
	ch.mu.Unlock()
}

// markRemoved reports whether the channel was subscribed (or joining) before removal
func (ch *clientChannel) markRemoved() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	was := ch.status == stateSubscribed || ch.status == stateJoining
	ch.status = stateRemoved
	return was
}

func (ch *clientChannel) deliver(ev realtime.Event) {
	if ev.Kind == realtime.EventSync {
		ch.mu.Lock()
		ch.state = ev.State.Clone()
		ch.mu.Unlock()
	}
	ch.dispatcher.Enqueue(ev)
}

// dropped reports a lost subscription. The channel returns to idle and can be
// subscribed again on a new connection only.
func (ch *clientChannel) dropped(status realtime.SubscribeStatus, cause error) {
	ch.mu.Lock()
	if ch.status == stateRemoved || ch.status == stateIdle {
		ch.mu.Unlock()
		return
	}
	wasSubscribed := ch.status == stateSubscribed
	ch.status = stateIdle
	onStatus := ch.onStatus
	ch.state = realtime.PresenceState{}
	ch.mu.Unlock()

	// a pending Subscribe reports the failure itself
	if wasSubscribed && onStatus != nil {
		onStatus(status, &realtime.ConnectionError{Topic: ch.topic, Status: status, Err: cause})
	}
}
