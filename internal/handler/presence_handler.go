package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"realtime-service/internal/response"
	"realtime-service/internal/service"
)

type PresenceHandler struct {
	presence *service.PresenceService
}

func NewPresenceHandler(presence *service.PresenceService) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// GetWorkspacePresence godoc
// @Summary      접속 중인 사용자 조회
// @Description  이 노드에서 워크스페이스에 접속 중인 사용자를 조회합니다
// @Tags         presence
// @Produce      json
// @Param        workspaceId path string true "Workspace ID"
// @Success      200 {object} service.WorkspacePresence
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Router       /presence/{workspaceId} [get]
// @Security     BearerAuth
func (h *PresenceHandler) GetWorkspacePresence(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if _, err := uuid.Parse(workspaceID); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid workspace ID")
		return
	}

	response.SendSuccess(c, http.StatusOK, h.presence.Workspace(workspaceID))
}
