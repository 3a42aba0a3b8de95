// Package cli implements rtctl, a terminal client for the realtime gateway
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const configRelPath = "rtctl/config.yaml"

// Settings is the resolved rtctl configuration
type Settings struct {
	Server         string
	WSURL          string
	Token          string
	UserID         string
	Name           string
	InternalAPIKey string
	Timeout        time.Duration
	Debug          bool
}

// wsURL derives the gateway websocket address from the REST base unless it is set
func (s Settings) wsURL() string {
	if s.WSURL != "" {
		return s.WSURL
	}
	u := strings.TrimRight(s.Server, "/") + "/ws"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// NewRootCommand builds the rtctl command tree. Flags win over RTCTL_* environment
// variables, which win over the config file.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "rtctl",
		Short:         "Terminal client for workspace presence, chat and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadConfig(v, configFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/"+configRelPath+")")
	flags.String("server", "http://localhost:8003/api/realtime", "realtime REST base URL")
	flags.String("ws-url", "", "gateway websocket URL (derived from --server when empty)")
	flags.String("token", "", "JWT access token")
	flags.String("name", "", "display name used for presence and chat")
	flags.String("internal-api-key", "", "internal API key for notify")
	flags.Duration("timeout", 10*time.Second, "request timeout")
	flags.Bool("debug", false, "print debugging information")

	for _, key := range []string{"server", "ws-url", "token", "name", "internal-api-key", "timeout", "debug"} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(
		newPresenceCommand(v),
		newChatCommand(v),
		newNotificationsCommand(v),
		newNotifyCommand(v),
	)
	return root
}

// Execute runs rtctl and exits non-zero on failure
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig(v *viper.Viper, file string) error {
	v.SetEnvPrefix("rtctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file == "" {
		found, err := xdg.SearchConfigFile(configRelPath)
		if err != nil {
			// 설정 파일 없이 플래그와 환경 변수만으로도 동작한다
			return nil
		}
		file = found
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func resolveSettings(v *viper.Viper) Settings {
	s := Settings{
		Server:         v.GetString("server"),
		WSURL:          v.GetString("ws-url"),
		Token:          v.GetString("token"),
		Name:           v.GetString("name"),
		InternalAPIKey: v.GetString("internal-api-key"),
		Timeout:        v.GetDuration("timeout"),
		Debug:          v.GetBool("debug"),
	}
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	return s
}

// requireUser resolves the caller from the token. The gateway verifies the
// signature; rtctl only needs the subject.
func requireUser(s *Settings) error {
	if s.Token == "" {
		return errors.New("a token is required (--token or RTCTL_TOKEN)")
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, claims); err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	var userID string
	for _, key := range []string{"user_id", "sub", "userId"} {
		if id, ok := claims[key].(string); ok && id != "" {
			userID = id
			break
		}
	}
	if userID == "" {
		return errors.New("token carries no user id")
	}
	s.UserID = userID
	if s.Name == "" {
		s.Name = userID
	}
	return nil
}

func newLogger(debug bool) *zap.Logger {
	if !debug {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
