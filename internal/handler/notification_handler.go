package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/middleware"
	"realtime-service/internal/response"
)

// NotificationService is the part of service.NotificationService the HTTP layer uses
type NotificationService interface {
	CreateNotification(ctx context.Context, event *domain.NotificationEvent) (*domain.Notification, error)
	GetNotifications(ctx context.Context, workspaceID, userID string, page, limit int, unreadOnly bool) (*domain.PaginatedNotifications, error)
	GetUnreadCount(ctx context.Context, workspaceID, userID string) (*domain.UnreadCount, error)
	MarkAsRead(ctx context.Context, id, userID string) (*domain.Notification, error)
	MarkBatchAsRead(ctx context.Context, ids []string, userID string) (int, error)
	MarkAllAsRead(ctx context.Context, workspaceID, userID string) (int, error)
}

type NotificationHandler struct {
	service NotificationService
	logger  *zap.Logger
}

func NewNotificationHandler(service NotificationService, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{service: service, logger: logger}
}

type MarkBatchReadRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

type MarkedResponse struct {
	Updated int `json:"updated"`
}

// GetNotifications godoc
// @Summary      알림 목록 조회
// @Description  워크스페이스에서 내 알림을 최신순으로 조회합니다 (페이지네이션)
// @Tags         notification
// @Produce      json
// @Param        workspaceId query string true "Workspace ID" example:"550e8400-e29b-41d4-a716-446655440000"
// @Param        page query int false "페이지 (기본: 1)" default(1)
// @Param        limit query int false "페이지 크기 (기본: 50)" default(50)
// @Param        unreadOnly query bool false "읽지 않은 알림만" default(false)
// @Success      200 {object} domain.PaginatedNotifications
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /notifications [get]
// @Security     BearerAuth
func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	workspaceID, ok := workspaceQuery(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	unreadOnly, _ := strconv.ParseBool(c.DefaultQuery("unreadOnly", "false"))

	result, err := h.service.GetNotifications(c.Request.Context(), workspaceID, middleware.UserID(c), page, limit, unreadOnly)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, result)
}

// GetUnreadCount godoc
// @Summary      읽지 않은 알림 수
// @Description  워크스페이스에서 읽지 않은 내 알림 수를 조회합니다
// @Tags         notification
// @Produce      json
// @Param        workspaceId query string true "Workspace ID"
// @Success      200 {object} domain.UnreadCount
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /notifications/unread-count [get]
// @Security     BearerAuth
func (h *NotificationHandler) GetUnreadCount(c *gin.Context) {
	workspaceID, ok := workspaceQuery(c)
	if !ok {
		return
	}

	count, err := h.service.GetUnreadCount(c.Request.Context(), workspaceID, middleware.UserID(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, count)
}

// MarkAsRead godoc
// @Summary      알림 읽음 처리
// @Description  알림 하나를 읽음으로 표시합니다. 이미 읽은 알림은 그대로 반환합니다
// @Tags         notification
// @Produce      json
// @Param        id path string true "Notification ID"
// @Success      200 {object} domain.Notification
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /notifications/{id}/read [patch]
// @Security     BearerAuth
func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Notification ID is required")
		return
	}

	n, err := h.service.MarkAsRead(c.Request.Context(), id, middleware.UserID(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, n)
}

// MarkBatchAsRead godoc
// @Summary      알림 일괄 읽음 처리
// @Description  지정한 알림들을 읽음으로 표시합니다
// @Tags         notification
// @Accept       json
// @Produce      json
// @Param        request body MarkBatchReadRequest true "알림 ID 목록"
// @Success      200 {object} handler.MarkedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /notifications/read [post]
// @Security     BearerAuth
func (h *NotificationHandler) MarkBatchAsRead(c *gin.Context) {
	var req MarkBatchReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	updated, err := h.service.MarkBatchAsRead(c.Request.Context(), req.IDs, middleware.UserID(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, MarkedResponse{Updated: updated})
}

// MarkAllAsRead godoc
// @Summary      모든 알림 읽음 처리
// @Description  워크스페이스의 읽지 않은 내 알림을 모두 읽음으로 표시합니다
// @Tags         notification
// @Produce      json
// @Param        workspaceId query string true "Workspace ID"
// @Success      200 {object} handler.MarkedResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /notifications/read-all [post]
// @Security     BearerAuth
func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	workspaceID, ok := workspaceQuery(c)
	if !ok {
		return
	}

	updated, err := h.service.MarkAllAsRead(c.Request.Context(), workspaceID, middleware.UserID(c))
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusOK, MarkedResponse{Updated: updated})
}

// CreateInternal godoc
// @Summary      알림 생성 (내부 API)
// @Description  다른 서비스가 알림을 생성합니다. 생성된 알림은 구독자에게 실시간으로 전달됩니다
// @Tags         internal
// @Accept       json
// @Produce      json
// @Param        request body domain.NotificationEvent true "알림 이벤트"
// @Success      201 {object} domain.Notification
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /internal/notifications [post]
// @Security     InternalApiKey
func (h *NotificationHandler) CreateInternal(c *gin.Context) {
	var event domain.NotificationEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, err.Error())
		return
	}
	if _, err := uuid.Parse(event.WorkspaceID); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "workspaceId must be a UUID")
		return
	}

	n, err := h.service.CreateNotification(c.Request.Context(), &event)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	response.SendSuccess(c, http.StatusCreated, n)
}

// workspaceQuery reads the required workspaceId query parameter
func workspaceQuery(c *gin.Context) (string, bool) {
	workspaceID := c.Query("workspaceId")
	if _, err := uuid.Parse(workspaceID); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "workspaceId query parameter must be a UUID")
		return "", false
	}
	return workspaceID, true
}
