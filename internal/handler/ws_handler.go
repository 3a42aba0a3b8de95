package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/chat"
	"realtime-service/internal/domain"
	"realtime-service/internal/middleware"
	"realtime-service/internal/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// room for the largest valid chat message plus frame and author fields
	maxMessageSize   = chat.MaxEncodedContentLen + 8192
	sendBufferSize   = 256
	subscribeTimeout = 10 * time.Second
)

var (
	errPresenceKeyMismatch = errors.New("presence key does not match the connection user")
	errNotSubscribed       = errors.New("not subscribed")
	errAuthorMismatch      = errors.New("message author does not match the connection user")
	errIdentityMismatch    = errors.New("tracked identity does not match the connection user")
	errUnknownFrame        = errors.New("unknown frame type")
)

// Archiver stores chat broadcasts so that later subscribers can page through them
type Archiver interface {
	Archive(ctx context.Context, workspaceID, channelName string, msg domain.ChatMessage) (bool, error)
}

// ConnectionRecorder counts websocket connections
type ConnectionRecorder interface {
	RecordWebSocketConnection()
	RecordWebSocketDisconnection()
}

// WSHandler is the websocket gateway. One connection multiplexes any number of
// topics of the channel provider.
type WSHandler struct {
	provider realtime.Provider
	archiver Archiver
	recorder ConnectionRecorder
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(provider realtime.Provider, archiver Archiver, recorder ConnectionRecorder, allowedOrigins []string, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		provider: provider,
		archiver: archiver,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.AllowOrigin(allowedOrigins, origin)
			},
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades an authenticated request. The token travels as ?token=.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	userID := middleware.UserID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		h:        h,
		conn:     conn,
		userID:   userID,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]realtime.Channel),
		logger:   h.logger.With(zap.String("user_id", userID)),
	}

	if h.recorder != nil {
		h.recorder.RecordWebSocketConnection()
	}
	s.logger.Info("🔌 WebSocket connected")

	go s.writePump()
	go s.readPump()
}

type session struct {
	h      *WSHandler
	conn   *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]realtime.Channel
	closed   bool
}

func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("Dropping malformed frame", zap.Error(err))
			continue
		}
		s.reply(f, s.handleFrame(f))
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) handleFrame(f realtime.Frame) error {
	switch f.Type {
	case realtime.FrameSubscribe:
		return s.subscribe(f)
	case realtime.FrameUnsubscribe:
		return s.unsubscribe(f.Topic)
	case realtime.FrameTrack:
		ch, err := s.channel(f.Topic)
		if err != nil {
			return err
		}
		if err := s.checkIdentity(f.Payload); err != nil {
			return err
		}
		return ch.Track(s.ctx, f.Payload)
	case realtime.FrameUntrack:
		ch, err := s.channel(f.Topic)
		if err != nil {
			return err
		}
		return ch.Untrack(s.ctx)
	case realtime.FrameBroadcast:
		return s.broadcast(f)
	default:
		return fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
}

func (s *session) subscribe(f realtime.Frame) error {
	feature, _, err := channel.ParseTopic(f.Topic)
	if err != nil {
		return err
	}

	var req realtime.SubscribeRequest
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			return fmt.Errorf("invalid subscribe payload: %w", err)
		}
	}
	// presence is always keyed by the authenticated user
	if req.PresenceKey != "" && req.PresenceKey != s.userID {
		return errPresenceKeyMismatch
	}
	req.PresenceKey = s.userID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrChannelClosed
	}
	if _, ok := s.channels[f.Topic]; ok {
		s.mu.Unlock()
		// a client retrying after a local timeout gets the existing subscription
		return nil
	}
	ch := s.h.provider.Channel(f.Topic, realtime.ChannelOptions{PresenceKey: req.PresenceKey})
	s.channels[f.Topic] = ch
	s.mu.Unlock()

	forward := s.forwarder(feature)
	for _, kind := range []realtime.EventKind{
		realtime.EventSync, realtime.EventJoin, realtime.EventLeave,
		realtime.EventBroadcast, realtime.EventInsert, realtime.EventUpdate,
	} {
		ch.On(kind, forward)
	}

	ctx, cancel := context.WithTimeout(s.ctx, subscribeTimeout)
	defer cancel()
	err = ch.Subscribe(ctx, func(status realtime.SubscribeStatus, err error) {
		if status == realtime.StatusSubscribed {
			return
		}
		s.drop(f.Topic, ch)
		s.pushStatus(f.Topic, status, err)
	})
	if err != nil {
		s.drop(f.Topic, ch)
		_ = s.h.provider.RemoveChannel(ch)
		return err
	}
	s.logger.Debug("Subscribed", zap.String("topic", f.Topic))
	return nil
}

// checkIdentity rejects tracked state that claims to be another user
func (s *session) checkIdentity(payload json.RawMessage) error {
	var who struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &who); err != nil {
		return fmt.Errorf("invalid track payload: %w", err)
	}
	if who.ID != s.userID {
		return errIdentityMismatch
	}
	return nil
}

func (s *session) unsubscribe(topic string) error {
	s.mu.Lock()
	ch, ok := s.channels[topic]
	delete(s.channels, topic)
	s.mu.Unlock()
	if !ok {
		return errNotSubscribed
	}
	return s.h.provider.RemoveChannel(ch)
}

func (s *session) broadcast(f realtime.Frame) error {
	ch, err := s.channel(f.Topic)
	if err != nil {
		return err
	}

	var b realtime.BroadcastPayload
	if err := json.Unmarshal(f.Payload, &b); err != nil {
		return fmt.Errorf("invalid broadcast payload: %w", err)
	}
	if b.Event == "" {
		return errors.New("broadcast without event name")
	}

	feature, workspaceID, _ := channel.ParseTopic(f.Topic)
	if feature.IsChat() && b.Event == chat.MessageEvent {
		if err := s.archive(workspaceID, f.Topic, b.Payload); err != nil {
			return err
		}
	}

	return ch.Send(s.ctx, b.Event, b.Payload)
}

// archive stores a chat message before it is fanned out. Store failures are logged
// and do not block delivery.
func (s *session) archive(workspaceID, topic string, payload json.RawMessage) error {
	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid chat message: %w", err)
	}
	if msg.ID == "" {
		return errors.New("chat message without id")
	}
	if msg.Author.ID != s.userID {
		return errAuthorMismatch
	}
	if err := chat.ValidateContent(msg.Content); err != nil {
		return err
	}
	if s.h.archiver == nil {
		return nil
	}
	if _, err := s.h.archiver.Archive(s.ctx, workspaceID, topic, msg); err != nil {
		s.logger.Error("Failed to archive chat message", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

// forwarder pushes events to the client. Notification changes only reach their owner.
func (s *session) forwarder(feature channel.Feature) realtime.Handler {
	return func(ev realtime.Event) {
		if feature == channel.FeatureNotifications && ev.Change != nil && !s.ownsRecord(ev.Change.Record) {
			return
		}
		f, err := realtime.EncodeEvent(ev)
		if err != nil {
			s.logger.Warn("Dropping unencodable event", zap.Error(err))
			return
		}
		s.push(f)
	}
}

func (s *session) ownsRecord(record json.RawMessage) bool {
	var owner struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(record, &owner); err != nil {
		return false
	}
	return owner.UserID == s.userID
}

func (s *session) channel(topic string) (realtime.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	if !ok {
		return nil, &realtime.NotReadyError{Topic: topic, Op: "frame"}
	}
	return ch, nil
}

func (s *session) drop(topic string, ch realtime.Channel) {
	s.mu.Lock()
	if cur, ok := s.channels[topic]; ok && cur == ch {
		delete(s.channels, topic)
	}
	s.mu.Unlock()
}

func (s *session) reply(req realtime.Frame, err error) {
	if req.Ref == "" {
		if err != nil {
			s.logger.Debug("Frame without ref failed", zap.String("type", string(req.Type)), zap.Error(err))
		}
		return
	}
	s.push(realtime.NewReplyFrame(req, err))
}

func (s *session) pushStatus(topic string, status realtime.SubscribeStatus, err error) {
	notice := realtime.StatusNotice{Status: status}
	if err != nil {
		notice.Reason = err.Error()
	}
	data, _ := json.Marshal(notice)
	s.push(realtime.Frame{Type: realtime.FrameStatus, Topic: topic, Payload: data})
}

// push queues a frame for the write pump. A full buffer drops the frame.
func (s *session) push(f realtime.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		s.logger.Warn("Send buffer full, dropping frame", zap.String("topic", f.Topic), zap.String("type", string(f.Type)))
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := s.channels
	s.channels = make(map[string]realtime.Channel)
	s.mu.Unlock()

	for _, ch := range channels {
		if err := s.h.provider.RemoveChannel(ch); err != nil {
			s.logger.Debug("Failed to remove channel", zap.String("topic", ch.Topic()), zap.Error(err))
		}
	}
	s.cancel()
	close(s.done)

	if s.h.recorder != nil {
		s.h.recorder.RecordWebSocketDisconnection()
	}
	s.logger.Info("🔌 WebSocket disconnected", zap.Int("channels", len(channels)))
}
