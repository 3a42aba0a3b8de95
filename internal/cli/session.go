package cli

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/client"
	"realtime-service/internal/wsclient"
)

// owner is the handle owner rtctl registers on every channel
const owner = "rtctl"

// session bundles the connections one rtctl command works with
type session struct {
	settings Settings
	logger   *zap.Logger
	store    *client.StoreClient
	conn     *wsclient.Client
	channels *channel.Manager
}

// openSession resolves the caller and connects the REST client. The gateway
// websocket is dialed only when live is set.
func openSession(ctx context.Context, v *viper.Viper, live bool) (*session, error) {
	settings := resolveSettings(v)
	if err := requireUser(&settings); err != nil {
		return nil, err
	}
	logger := newLogger(settings.Debug)

	s := &session{
		settings: settings,
		logger:   logger,
		store:    client.NewStoreClient(settings.Server, settings.Token, settings.InternalAPIKey, settings.Timeout, logger),
	}
	if !live {
		return s, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()
	conn, err := wsclient.Dial(dialCtx, settings.wsURL(), settings.Token, wsclient.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	s.conn = conn
	s.channels = channel.NewManager(conn, logger)
	return s, nil
}

func (s *session) open(ctx context.Context, name, presenceKey string) (*channel.Handle, error) {
	openCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	h, err := s.channels.Open(openCtx, name, owner, channel.Config{PresenceKey: presenceKey})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return h, nil
}

func (s *session) close() {
	if s.channels != nil {
		s.channels.CloseAll()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = s.logger.Sync()
}

// wait blocks until ctx ends or the gateway connection is lost
func (s *session) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.conn.Done():
		return fmt.Errorf("gateway connection lost: %w", s.conn.Err())
	}
}
