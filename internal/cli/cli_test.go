package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"realtime-service/internal/config"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
	"realtime-service/internal/repository"
	"realtime-service/internal/router"
	"realtime-service/internal/service"
)

const (
	testSecret      = "rtctl-secret"
	testAPIKey      = "internal-key"
	testWorkspaceID = "5c3e1f0a-8b2d-4e6f-9a1c-7d4b2e8f6a30"
	aliceID         = "0b6f3f8e-1c2d-4a5b-8e9f-102132435465"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	xdg.Reload()
	t.Cleanup(xdg.Reload)
}

func startServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.MessageRecord{}, &domain.Notification{}))

	hub := realtime.NewHub(zap.NewNop())
	cfg := &config.Config{
		Server: config.ServerConfig{BasePath: "/api/realtime", Env: "test"},
		Auth:   config.AuthConfig{SecretKey: testSecret, InternalAPIKey: testAPIKey},
	}
	engine := router.Setup(cfg, router.Dependencies{
		Hub: hub,
		Notifications: service.NewNotificationService(
			repository.NewNotificationRepository(db), nil, hub, nil, service.NotificationConfig{CleanupDays: 30}, nil),
		Messages: service.NewMessageService(repository.NewMessageRepository(db), nil, nil),
		DB:       func() *gorm.DB { return db },
	}, zap.NewNop())

	server := httptest.NewServer(engine)
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})
	return server.URL + "/api/realtime"
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestSettings_WSURL(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     string
	}{
		{"http", Settings{Server: "http://localhost:8003/api/realtime"}, "ws://localhost:8003/api/realtime/ws"},
		{"https 와 슬래시", Settings{Server: "https://rt.example.com/api/realtime/"}, "wss://rt.example.com/api/realtime/ws"},
		{"명시적 URL", Settings{Server: "http://a", WSURL: "ws://b/socket"}, "ws://b/socket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.settings.wsURL())
		})
	}
}

func TestRequireUser(t *testing.T) {
	t.Run("user_id 클레임", func(t *testing.T) {
		s := Settings{Token: signToken(t, jwt.MapClaims{"user_id": aliceID})}
		require.NoError(t, requireUser(&s))
		assert.Equal(t, aliceID, s.UserID)
		assert.Equal(t, aliceID, s.Name, "name falls back to the user id")
	})

	t.Run("sub 클레임", func(t *testing.T) {
		s := Settings{Token: signToken(t, jwt.MapClaims{"sub": aliceID}), Name: "Alice"}
		require.NoError(t, requireUser(&s))
		assert.Equal(t, aliceID, s.UserID)
		assert.Equal(t, "Alice", s.Name)
	})

	t.Run("토큰 없음", func(t *testing.T) {
		assert.Error(t, requireUser(&Settings{}))
	})

	t.Run("사용자 없는 토큰", func(t *testing.T) {
		s := Settings{Token: signToken(t, jwt.MapClaims{"role": "admin"})}
		assert.Error(t, requireUser(&s))
	})

	t.Run("깨진 토큰", func(t *testing.T) {
		assert.Error(t, requireUser(&Settings{Token: "a.b"}))
	})
}

func TestLoadConfig(t *testing.T) {
	isolateConfig(t)
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("server: http://rt.internal/api/realtime\nname: From File\ntimeout: 3s\n"), 0o600))

	t.Run("파일 값", func(t *testing.T) {
		v := viper.New()
		require.NoError(t, loadConfig(v, file))
		s := resolveSettings(v)
		assert.Equal(t, "http://rt.internal/api/realtime", s.Server)
		assert.Equal(t, "From File", s.Name)
		assert.Equal(t, 3*time.Second, s.Timeout)
	})

	t.Run("환경 변수가 파일보다 우선", func(t *testing.T) {
		t.Setenv("RTCTL_NAME", "From Env")
		v := viper.New()
		require.NoError(t, loadConfig(v, file))
		assert.Equal(t, "From Env", resolveSettings(v).Name)
	})

	t.Run("XDG 설정 파일", func(t *testing.T) {
		path, err := xdg.ConfigFile(configRelPath)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("server: http://xdg/api/realtime\n"), 0o600))

		v := viper.New()
		require.NoError(t, loadConfig(v, ""))
		assert.Equal(t, "http://xdg/api/realtime", resolveSettings(v).Server)
	})

	t.Run("없는 파일", func(t *testing.T) {
		assert.Error(t, loadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")))
	})
}

func TestCommands_EndToEnd(t *testing.T) {
	isolateConfig(t)
	server := startServer(t)
	token := signToken(t, jwt.MapClaims{"user_id": aliceID})
	common := []string{"--server", server, "--token", token, "--name", "Alice", "--timeout", "3s"}

	t.Run("presence 는 자신을 포함한다", func(t *testing.T) {
		out, err := run(t, append([]string{"presence", testWorkspaceID}, common...)...)
		require.NoError(t, err, out)
		assert.Contains(t, out, "1 online")
		assert.Contains(t, out, "Alice ("+aliceID+")")
	})

	t.Run("chat 전송 후 기록 조회", func(t *testing.T) {
		out, err := run(t, append([]string{"chat", testWorkspaceID, "--history", "0", "--send", "hello team"}, common...)...)
		require.NoError(t, err, out)
		assert.Contains(t, out, "Alice: hello team")

		out, err = run(t, append([]string{"chat", testWorkspaceID}, common...)...)
		require.NoError(t, err, out)
		assert.Contains(t, out, "Alice: hello team")
	})

	t.Run("notify 후 notifications 에 표시", func(t *testing.T) {
		out, err := run(t, "notify", testWorkspaceID, aliceID, "Deploy finished",
			"--server", server, "--internal-api-key", testAPIKey, "--message", "v2 is live")
		require.NoError(t, err, out)
		assert.True(t, strings.HasPrefix(out, "created "))

		out, err = run(t, append([]string{"notifications", testWorkspaceID}, common...)...)
		require.NoError(t, err, out)
		assert.Contains(t, out, "1 unread of 1")
		assert.Contains(t, out, "Deploy finished")

		out, err = run(t, append([]string{"notifications", testWorkspaceID, "--read-all"}, common...)...)
		require.NoError(t, err, out)
		assert.Contains(t, out, "0 unread of 1")
	})

	t.Run("notify 는 API 키가 필요하다", func(t *testing.T) {
		_, err := run(t, "notify", testWorkspaceID, aliceID, "x", "--server", server)
		assert.Error(t, err)
	})

	t.Run("토큰 없이 실행", func(t *testing.T) {
		_, err := run(t, "chat", testWorkspaceID, "--server", server)
		assert.Error(t, err)
	})
}
