package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"realtime-service/internal/domain"
	"realtime-service/internal/response"
	"realtime-service/internal/service"
)

// handleServiceError maps service layer errors to appropriate HTTP responses
func handleServiceError(c *gin.Context, logger *zap.Logger, err error) {
	var appErr *response.AppError
	switch {
	case errors.As(err, &appErr):
		response.SendError(c, response.StatusOf(appErr.Code), appErr.Code, appErr.Message)
	case errors.Is(err, domain.ErrNotFound):
		response.SendError(c, http.StatusNotFound, response.ErrCodeNotFound, "Notification not found")
	case errors.Is(err, domain.ErrForbidden):
		response.SendError(c, http.StatusForbidden, response.ErrCodeForbidden, "Access denied")
	case errors.Is(err, service.ErrInvalidNotificationType):
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, err.Error())
	default:
		logger.Error("Unhandled service error", zap.Error(err))
		response.SendError(c, http.StatusInternalServerError, response.ErrCodeInternal, "Internal server error")
	}
}
