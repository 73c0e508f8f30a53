package api

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.messenger/internal/middleware"
	"sudooom.im.messenger/internal/service"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/response"
)

// ConversationHandler 会话接口
type ConversationHandler struct {
	conversations *service.ConversationService
}

func NewConversationHandler(conversations *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

// CreatePrivateRequest 私聊会话请求
type CreatePrivateRequest struct {
	PeerID int64 `json:"peerId,string" binding:"required"`
}

// CreateGroupRequest 群聊会话请求
type CreateGroupRequest struct {
	Title        string       `json:"title" binding:"required"`
	Avatar       string       `json:"avatar"`
	Participants proto.IDList `json:"participants" binding:"required"`
}

// List 当前用户的会话列表
// GET /api/v1/conversations?page&pageSize
func (h *ConversationHandler) List(c *gin.Context) {
	h.list(c, middleware.GetUserID(c))
}

// ListForUser 只能查看自己的会话列表
// GET /api/v1/users/:id/conversations
func (h *ConversationHandler) ListForUser(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if userID != middleware.GetUserID(c) {
		response.Error(c, apperrors.ErrForbidden)
		return
	}
	h.list(c, userID)
}

func (h *ConversationHandler) list(c *gin.Context, userID int64) {
	page, err := h.conversations.List(c.Request.Context(), userID, queryInt(c, "page"), queryInt(c, "pageSize"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, page)
}

// Get 会话详情
// GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	conv, err := h.conversations.Get(c.Request.Context(), middleware.GetUserID(c), convID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, conv)
}

// CreatePrivate 获取或创建私聊
// POST /api/v1/conversations/private
func (h *ConversationHandler) CreatePrivate(c *gin.Context) {
	var req CreatePrivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err)
		return
	}
	res, err := h.conversations.GetOrCreatePrivate(c.Request.Context(), middleware.GetUserID(c), req.PeerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// CreateGroup 创建群聊
// POST /api/v1/conversations/group
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err)
		return
	}
	conv, err := h.conversations.CreateGroup(c.Request.Context(), middleware.GetUserID(c), req.Title, req.Avatar, req.Participants)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, conv)
}

// Delete 当前用户侧删除会话
// DELETE /api/v1/conversations/:id
func (h *ConversationHandler) Delete(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.conversations.Delete(c.Request.Context(), middleware.GetUserID(c), convID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}
