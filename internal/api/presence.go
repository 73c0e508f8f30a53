package api

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.messenger/internal/presence"
	"sudooom.im.messenger/pkg/response"
)

// PresenceHandler 在线状态查询
type PresenceHandler struct {
	presence *presence.Service
}

func NewPresenceHandler(presence *presence.Service) *PresenceHandler {
	return &PresenceHandler{presence: presence}
}

// Get 用户在线状态
// GET /api/v1/users/:id/presence
func (h *PresenceHandler) Get(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	status := h.presence.Status(c.Request.Context(), userID)
	response.Success(c, status)
}
