package api

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.messenger/internal/middleware"
	"sudooom.im.messenger/internal/service"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/response"
)

// MessageHandler 消息接口。写操作与 socket 走同一条投递管线
type MessageHandler struct {
	messages *service.MessageService
}

func NewMessageHandler(messages *service.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// ReadRequest 已读请求
type ReadRequest struct {
	MessageID int64 `json:"messageId,string" binding:"required"`
}

// List 历史消息，按游标向旧方向翻页
// GET /api/v1/conversations/:id/messages?before&limit
func (h *MessageHandler) List(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	page, err := h.messages.List(c.Request.Context(), middleware.GetUserID(c), convID, queryInt64(c, "before"), queryInt(c, "limit"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, page)
}

// Search 会话内搜索
// GET /api/v1/conversations/:id/messages/search?q&limit
func (h *MessageHandler) Search(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.messages.Search(c.Request.Context(), middleware.GetUserID(c), convID, c.Query("q"), queryInt(c, "limit"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, msgs)
}

// Pinned 置顶消息
// GET /api/v1/conversations/:id/pinned
func (h *MessageHandler) Pinned(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.messages.Pinned(c.Request.Context(), middleware.GetUserID(c), convID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, msgs)
}

// Send 向会话发送消息
// POST /api/v1/conversations/:id/messages
func (h *MessageHandler) Send(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req proto.SendMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err)
		return
	}
	req.ConversationID = convID
	req.ReceiverID = 0
	h.send(c, req)
}

// SendToUser 按接收者发送，必要时创建私聊
// POST /api/v1/messages
func (h *MessageHandler) SendToUser(c *gin.Context) {
	var req proto.SendMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err)
		return
	}
	if req.ReceiverID <= 0 {
		response.Error(c, apperrors.ErrInvalidParams.WithMessage("receiverId is required"))
		return
	}
	req.ConversationID = 0
	h.send(c, req)
}

func (h *MessageHandler) send(c *gin.Context, req proto.SendMessage) {
	res, err := h.messages.Send(c.Request.Context(), middleware.GetUserID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Delete 删除消息
// DELETE /api/v1/conversations/:id/messages/:messageId
func (h *MessageHandler) Delete(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	ev, err := h.messages.Delete(c.Request.Context(), middleware.GetUserID(c), convID, msgID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ev)
}

// Pin 置顶
// POST /api/v1/conversations/:id/messages/:messageId/pin
func (h *MessageHandler) Pin(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	ev, err := h.messages.Pin(c.Request.Context(), middleware.GetUserID(c), convID, msgID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ev)
}

// Unpin 取消置顶
// DELETE /api/v1/conversations/:id/messages/:messageId/pin
func (h *MessageHandler) Unpin(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	msgID, ok := pathID(c, "messageId")
	if !ok {
		return
	}
	ev, err := h.messages.Unpin(c.Request.Context(), middleware.GetUserID(c), convID, msgID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ev)
}

// Read 前移已读指针
// POST /api/v1/conversations/:id/read
func (h *MessageHandler) Read(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.InvalidParams(c, err)
		return
	}
	receipt, err := h.messages.Read(c.Request.Context(), middleware.GetUserID(c), convID, req.MessageID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, receipt)
}

// Unread 未读汇总
// GET /api/v1/conversations/unread
func (h *MessageHandler) Unread(c *gin.Context) {
	summary, err := h.messages.Unread(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, summary)
}
