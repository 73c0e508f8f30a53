package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"sudooom.im.messenger/internal/call"
	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/fanout"
	"sudooom.im.messenger/internal/presence"
	"sudooom.im.messenger/internal/room"
	"sudooom.im.messenger/internal/service"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

// Handler 客户端事件分发
type Handler struct {
	rooms    *room.Manager
	presence *presence.Service
	messages *service.MessageService
	calls    *call.Manager
	hub      *fanout.Hub
	logger   *slog.Logger
}

func NewHandler(rooms *room.Manager, presence *presence.Service, messages *service.MessageService,
	calls *call.Manager, hub *fanout.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		rooms:    rooms,
		presence: presence,
		messages: messages,
		calls:    calls,
		hub:      hub,
		logger:   logger,
	}
}

// Handle 处理一帧。在连接的读循环中调用，同一连接的请求按到达顺序处理
func (h *Handler) Handle(ctx context.Context, conn *connection.Connection, data []byte) {
	f, err := proto.Decode(data)
	if err != nil {
		h.handleDecodeError(conn, data, err)
		return
	}

	result, err := h.dispatch(ctx, conn, f)
	if err != nil {
		h.logFailure(conn, f.Event, err)
		// 通话信令失败时 call.Manager 已推送 video-call-error
		if f.AckID != "" || !f.Event.IsCall() {
			h.replyError(conn, f.Event, f.AckID, err)
		}
		return
	}
	if f.AckID != "" {
		h.reply(conn, f.Event, f.AckID, result)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *connection.Connection, f *proto.Frame) (any, error) {
	switch p := f.Payload.(type) {
	case *proto.Heartbeat:
		return h.handleHeartbeat(ctx, conn, f.AckID, p)
	case *proto.JoinRoom:
		return h.handleJoinRoom(ctx, conn, p)
	case *proto.LeaveRoom:
		return h.handleLeaveRoom(conn, p)
	case *proto.SendMessage:
		return h.messages.Send(ctx, conn.UserID(), *p)
	case *proto.ReadMessage:
		return h.messages.Read(ctx, conn.UserID(), p.ConversationID, p.MessageID)
	case *proto.DeleteMessage:
		return h.messages.Delete(ctx, conn.UserID(), p.ConversationID, p.MessageID)
	case *proto.PinMessage:
		return h.messages.Pin(ctx, conn.UserID(), p.ConversationID, p.MessageID)
	case *proto.UnPinMessage:
		return h.messages.Unpin(ctx, conn.UserID(), p.ConversationID, p.MessageID)
	case *proto.GetLastMessage:
		return h.messages.LastMessage(ctx, conn.UserID(), p.ConversationID)
	case *proto.FriendOnline:
		return h.handleFriendStatus(ctx, p)
	case *proto.SendRequestAddFriend:
		return h.handleAddFriend(conn, p)
	case *proto.AcceptFriend:
		return h.handleAcceptFriend(ctx, conn, p)
	case *proto.UnFriend:
		return h.handleUnFriend(conn, p)
	case *proto.SendNotification:
		return h.handleNotification(conn, p)
	case *proto.LikePost:
		return h.handleLikePost(conn, p)
	}

	if f.Event.IsCall() {
		o := call.Origin{NodeID: conn.NodeID(), ConnID: conn.ID(), UserID: conn.UserID()}
		return h.calls.Handle(ctx, o, f)
	}
	// receive-message / receive-notification 等只由服务端下发
	return nil, apperrors.ErrUnknownEvent.WithMessage("event is not accepted from clients")
}

// handleDecodeError 无法解码的帧：尽量取出事件名和 ackId 回一帧错误
func (h *Handler) handleDecodeError(conn *connection.Connection, data []byte, err error) {
	var env proto.Envelope
	_ = json.Unmarshal(data, &env)

	appErr := apperrors.ErrInvalidParams.Wrap(err)
	if errors.Is(err, proto.ErrUnknownEvent) {
		appErr = apperrors.ErrUnknownEvent.Wrap(err)
	}
	h.logger.Debug("Bad frame", "connId", conn.ID(), "userId", conn.UserID(), "event", env.Event, "error", err)
	h.replyError(conn, env.Event, env.AckID, appErr)
}

func (h *Handler) reply(conn *connection.Connection, event proto.Event, ackID string, data any) {
	frame, err := proto.EncodeReply(event, ackID, data)
	if err != nil {
		h.logger.Error("Failed to encode reply", "event", event, "error", err)
		return
	}
	_ = conn.Send(frame)
}

func (h *Handler) replyError(conn *connection.Connection, event proto.Event, ackID string, err error) {
	frame, encErr := proto.EncodeError(event, ackID, apperrors.GetCode(err), apperrors.GetMessage(err))
	if encErr != nil {
		h.logger.Error("Failed to encode error reply", "event", event, "error", encErr)
		return
	}
	_ = conn.Send(frame)
}

func (h *Handler) logFailure(conn *connection.Connection, event proto.Event, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindServer, apperrors.KindPersistence:
		h.logger.Error("Event handling failed",
			"event", event, "connId", conn.ID(), "userId", conn.UserID(), "error", err)
	default:
		h.logger.Debug("Event rejected",
			"event", event, "connId", conn.ID(), "userId", conn.UserID(), "code", apperrors.GetCode(err))
	}
}
