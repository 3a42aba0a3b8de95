package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/response"
)

// MessageHistory reads the archived transcript of a channel
type MessageHistory interface {
	History(ctx context.Context, workspaceID, channelName, beforeID string, limit int) ([]domain.ChatMessage, error)
}

type MessageHandler struct {
	history MessageHistory
	logger  *zap.Logger
}

func NewMessageHandler(history MessageHistory, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageHandler{history: history, logger: logger}
}

// GetMessages godoc
// @Summary      채팅 히스토리 조회
// @Description  워크스페이스 채팅에서 before 메시지보다 오래된 페이지를 오래된 순으로 조회합니다
// @Tags         message
// @Produce      json
// @Param        workspaceId path string true "Workspace ID" example:"550e8400-e29b-41d4-a716-446655440000"
// @Param        projectId query string false "프로젝트 채팅이면 Project ID"
// @Param        before query string false "이 메시지 ID보다 오래된 메시지"
// @Param        limit query int false "페이지 크기 (기본: 50, 최대: 100)" default(50)
// @Success      200 {array} domain.ChatMessage
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Router       /messages/{workspaceId} [get]
// @Security     BearerAuth
func (h *MessageHandler) GetMessages(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if _, err := uuid.Parse(workspaceID); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid workspace ID")
		return
	}

	topic := channel.ChatTopic(workspaceID)
	if projectID := c.Query("projectId"); projectID != "" {
		if _, err := uuid.Parse(projectID); err != nil {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid project ID")
			return
		}
		topic = channel.ProjectChatTopic(workspaceID, projectID)
	}

	// 쿼리 파라미터 파싱
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	before := c.Query("before")

	messages, err := h.history.History(c.Request.Context(), workspaceID, topic, before, limit)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	response.SendSuccess(c, http.StatusOK, messages)
}
