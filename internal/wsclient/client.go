package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrConnectionClosed is returned for requests issued on a closed connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// ReplyError is the reason the gateway gave for rejecting a frame
type ReplyError struct {
	Op     realtime.FrameType
	Topic  string
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s %s rejected: %s", e.Op, e.Topic, e.Reason)
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithQueueSize sets the per channel dispatch queue size
func WithQueueSize(n int) Option {
	return func(c *Client) { c.queueSize = n }
}

// WithDialer replaces the default websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Client is a realtime.Provider backed by one gateway websocket connection.
// Every channel gets its own dispatcher so events of a topic keep their order.
type Client struct {
	conn      *websocket.Conn
	dialer    *websocket.Dialer
	queueSize int
	logger    *zap.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64

	mu       sync.Mutex
	pending  map[string]chan realtime.Reply
	channels map[string]*clientChannel
	closed   bool
	closeErr error

	done chan struct{}
}

var _ realtime.Provider = (*Client)(nil)

// Dial connects to the gateway at url ("ws://host/api/realtime/ws") with a bearer token
func Dial(ctx context.Context, url, token string, opts ...Option) (*Client, error) {
	c := &Client{
		dialer:   websocket.DefaultDialer,
		logger:   zap.NewNop(),
		pending:  make(map[string]chan realtime.Reply),
		channels: make(map[string]*clientChannel),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Channel creates a channel for topic. It is not subscribed until Subscribe is called.
func (c *Client) Channel(topic string, opts realtime.ChannelOptions) realtime.Channel {
	return &clientChannel{
		client:     c,
		topic:      topic,
		opts:       opts,
		dispatcher: realtime.NewDispatcher(c.queueSize, nil, c.logger),
		state:      realtime.PresenceState{},
	}
}

// RemoveChannel unsubscribes ch and stops its dispatcher
func (c *Client) RemoveChannel(ch realtime.Channel) error {
	cc, ok := ch.(*clientChannel)
	if !ok || cc.client != c {
		return fmt.Errorf("channel %s does not belong to this client", ch.Topic())
	}

	c.mu.Lock()
	registered := c.channels[cc.topic] == cc
	if registered {
		delete(c.channels, cc.topic)
	}
	c.mu.Unlock()

	wasSubscribed := cc.markRemoved()
	cc.dispatcher.Stop()
	if !registered || !wasSubscribed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	err := c.request(ctx, realtime.Frame{Type: realtime.FrameUnsubscribe, Topic: cc.topic})
	if errors.Is(err, ErrConnectionClosed) {
		return nil
	}
	return err
}

// Close terminates the connection. Subscribed channels receive CLOSED.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown(realtime.StatusClosed, ErrConnectionClosed)
	return c.conn.Close()
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// request sends f with a fresh ref and waits for the gateway reply
func (c *Client) request(ctx context.Context, f realtime.Frame) error {
	f.Ref = strconv.FormatUint(c.ref.Add(1), 10)
	wait := make(chan realtime.Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[f.Ref] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return err
	}

	select {
	case r, ok := <-wait:
		if !ok {
			return ErrConnectionClosed
		}
		if r.Status != realtime.ReplyOK {
			return &ReplyError{Op: f.Type, Topic: f.Topic, Reason: r.Reason}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(f realtime.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f realtime.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.logger.Debug("Dropping malformed frame", zap.Error(err))
				continue
			}
			c.shutdown(realtime.StatusChannelError, err)
			return
		}
		c.route(f)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) route(f realtime.Frame) {
	switch f.Type {
	case realtime.FrameReply:
		var r realtime.Reply
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			r = realtime.Reply{Status: realtime.ReplyError, Reason: "malformed reply"}
		}
		c.mu.Lock()
		if wait, ok := c.pending[f.Ref]; ok {
			select {
			case wait <- r:
			default:
			}
		}
		c.mu.Unlock()

	case realtime.FrameEvent:
		ev, err := realtime.DecodeEvent(f)
		if err != nil {
			c.logger.Warn("Dropping undecodable event", zap.String("topic", f.Topic), zap.Error(err))
			return
		}
		if ch := c.lookup(f.Topic); ch != nil {
			ch.deliver(ev)
		}

	case realtime.FrameStatus:
		var notice realtime.StatusNotice
		if err := json.Unmarshal(f.Payload, &notice); err != nil {
			return
		}
		ch := c.lookup(f.Topic)
		if ch == nil {
			return
		}
		c.mu.Lock()
		if c.channels[f.Topic] == ch {
			delete(c.channels, f.Topic)
		}
		c.mu.Unlock()
		var reason error
		if notice.Reason != "" {
			reason = errors.New(notice.Reason)
		}
		ch.dropped(notice.Status, reason)

	default:
		c.logger.Debug("Ignoring frame", zap.String("type", string(f.Type)))
	}
}

func (c *Client) lookup(topic string) *clientChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[topic]
}

// shutdown fails every pending request and reports status to every channel
func (c *Client) shutdown(status realtime.SubscribeStatus, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	for ref, wait := range c.pending {
		close(wait)
		delete(c.pending, ref)
	}
	channels := c.channels
	c.channels = make(map[string]*clientChannel)
	c.mu.Unlock()
	close(c.done)

	if status == realtime.StatusChannelError {
		c.logger.Warn("⚠️  Connection lost", zap.Error(cause), zap.Int("channels", len(channels)))
	}
	for _, ch := range channels {
		ch.dropped(status, cause)
	}
}

// register claims topic for ch. One connection subscribes a topic at most once.
func (c *Client) register(ch *clientChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if cur, ok := c.channels[ch.topic]; ok && cur != ch {
		return fmt.Errorf("topic %s is already subscribed on this connection", ch.topic)
	}
	c.channels[ch.topic] = ch
	return nil
}

func (c *Client) unregister(ch *clientChannel) {
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
}
