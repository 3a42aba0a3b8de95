package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/realtime"
	"realtime-service/internal/service"
)

type stubHistory struct {
	gotChannel, gotBefore string
	gotLimit              int
	messages              []domain.ChatMessage
	err                   error
}

func (s *stubHistory) History(_ context.Context, _, channelName, beforeID string, limit int) ([]domain.ChatMessage, error) {
	s.gotChannel, s.gotBefore, s.gotLimit = channelName, beforeID, limit
	return s.messages, s.err
}

func TestMessageHandler_GetMessages(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("성공: 커서와 limit 전달", func(t *testing.T) {
		history := &stubHistory{messages: []domain.ChatMessage{{ID: "m-1", CreatedAt: time.Unix(0, 0).UTC()}}}
		router := gin.New()
		router.GET("/messages/:workspaceId", NewMessageHandler(history, zap.NewNop()).GetMessages)

		w := performRequest(router, http.MethodGet, "/messages/"+testWorkspaceID+"?before=m-9&limit=20", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, channel.ChatTopic(testWorkspaceID), history.gotChannel)
		assert.Equal(t, "m-9", history.gotBefore)
		assert.Equal(t, 20, history.gotLimit)

		var resp struct {
			Data []domain.ChatMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "m-1", resp.Data[0].ID)
	})

	t.Run("성공: 프로젝트 채팅", func(t *testing.T) {
		history := &stubHistory{}
		router := gin.New()
		router.GET("/messages/:workspaceId", NewMessageHandler(history, nil).GetMessages)

		w := performRequest(router, http.MethodGet, "/messages/"+testWorkspaceID+"?projectId="+bobID, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, channel.ProjectChatTopic(testWorkspaceID, bobID), history.gotChannel)

		w = performRequest(router, http.MethodGet, "/messages/"+testWorkspaceID+"?projectId=p-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("성공: 빈 기록은 빈 배열", func(t *testing.T) {
		router := gin.New()
		router.GET("/messages/:workspaceId", NewMessageHandler(&stubHistory{}, nil).GetMessages)

		w := performRequest(router, http.MethodGet, "/messages/"+testWorkspaceID, nil)
		assert.JSONEq(t, `{"data":[]}`, w.Body.String())
	})

	t.Run("실패: 잘못된 워크스페이스", func(t *testing.T) {
		router := gin.New()
		router.GET("/messages/:workspaceId", NewMessageHandler(&stubHistory{}, nil).GetMessages)

		w := performRequest(router, http.MethodGet, "/messages/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("실패: 저장소 오류", func(t *testing.T) {
		router := gin.New()
		history := &stubHistory{err: domain.WrapStoreError("history", errors.New("timeout"))}
		router.GET("/messages/:workspaceId", NewMessageHandler(history, nil).GetMessages)

		w := performRequest(router, http.MethodGet, "/messages/"+testWorkspaceID, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestPresenceHandler_GetWorkspacePresence(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := realtime.NewHub(zap.NewNop())
	t.Cleanup(hub.Close)

	ch := hub.Channel(channel.PresenceTopic(testWorkspaceID), realtime.ChannelOptions{PresenceKey: aliceID})
	require.NoError(t, ch.Subscribe(context.Background(), nil))
	meta := mustJSON(t, domain.PresenceRecord{
		UserID:      aliceID,
		DisplayName: "Alice",
		Status:      domain.PresenceStatusAway,
		LastSeenAt:  time.Unix(100, 0).UTC(),
	})
	require.NoError(t, ch.Track(context.Background(), meta))

	router := gin.New()
	router.GET("/presence/:workspaceId", NewPresenceHandler(service.NewPresenceService(hub, nil)).GetWorkspacePresence)

	w := performRequest(router, http.MethodGet, "/presence/"+testWorkspaceID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data service.WorkspacePresence `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Users, 1)
	assert.Equal(t, aliceID, resp.Data.Users[0].UserID)
	assert.Equal(t, 1, resp.Data.Counts[domain.PresenceStatusAway])

	w = performRequest(router, http.MethodGet, "/presence/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Health 는 항상 ok", func(t *testing.T) {
		router := gin.New()
		router.GET("/health", NewHealthHandler(nil, nil).Health)

		w := performRequest(router, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ok","service":"realtime-service"}`, w.Body.String())
	})

	t.Run("DB 연결 전에는 not ready", func(t *testing.T) {
		router := gin.New()
		router.GET("/ready", NewHealthHandler(func() *gorm.DB { return nil }, nil).Ready)

		w := performRequest(router, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("DB 연결 후 ready", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		require.NoError(t, err)

		router := gin.New()
		router.GET("/ready", NewHealthHandler(func() *gorm.DB { return db }, nil).Ready)

		w := performRequest(router, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
