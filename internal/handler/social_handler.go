package handler

import (
	"context"
	"time"

	"sudooom.im.messenger/internal/connection"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

// 好友关系、通知、点赞只做定向转发，关系本身由社交服务维护

func checkTarget(conn *connection.Connection, toUserID int64) error {
	if toUserID <= 0 {
		return apperrors.ErrInvalidParams.WithMessage("toUserId is required")
	}
	if toUserID == conn.UserID() {
		return apperrors.ErrInvalidParams.WithMessage("target must be another user")
	}
	return nil
}

func (h *Handler) handleFriendStatus(ctx context.Context, req *proto.FriendOnline) (any, error) {
	if req.UserID <= 0 {
		return nil, apperrors.ErrInvalidParams.WithMessage("userId is required")
	}
	status := h.presence.Status(ctx, req.UserID)
	return &status, nil
}

func (h *Handler) handleAddFriend(conn *connection.Connection, req *proto.SendRequestAddFriend) (any, error) {
	if err := checkTarget(conn, req.ToUserID); err != nil {
		return nil, err
	}
	h.hub.ToUsers([]int64{req.ToUserID}, proto.MustEncode(&proto.SendRequestAddFriend{
		ToUserID:   req.ToUserID,
		FromUserID: conn.UserID(),
		Message:    req.Message,
	}))
	return nil, nil
}

// handleAcceptFriend 成为好友后互推在线状态
func (h *Handler) handleAcceptFriend(ctx context.Context, conn *connection.Connection, req *proto.AcceptFriend) (any, error) {
	if err := checkTarget(conn, req.ToUserID); err != nil {
		return nil, err
	}
	self := conn.UserID()
	h.hub.ToUsers([]int64{req.ToUserID}, proto.MustEncode(&proto.AcceptFriend{
		ToUserID:   req.ToUserID,
		FromUserID: self,
	}))

	h.presence.InvalidateContacts(self, req.ToUserID)
	h.presence.PushStatus(ctx, self, req.ToUserID)
	h.presence.PushStatus(ctx, req.ToUserID, self)
	return nil, nil
}

func (h *Handler) handleUnFriend(conn *connection.Connection, req *proto.UnFriend) (any, error) {
	if err := checkTarget(conn, req.ToUserID); err != nil {
		return nil, err
	}
	h.hub.ToUsers([]int64{req.ToUserID}, proto.MustEncode(&proto.UnFriend{
		ToUserID:   req.ToUserID,
		FromUserID: conn.UserID(),
	}))
	h.presence.InvalidateContacts(conn.UserID(), req.ToUserID)
	return nil, nil
}

func (h *Handler) handleNotification(conn *connection.Connection, req *proto.SendNotification) (any, error) {
	if err := checkTarget(conn, req.ToUserID); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		return nil, apperrors.ErrInvalidParams.WithMessage("kind is required")
	}
	h.hub.ToUsers([]int64{req.ToUserID}, proto.MustEncode(&proto.ReceiveNotification{
		FromUserID: conn.UserID(),
		Kind:       req.Kind,
		Content:    req.Content,
		RefID:      req.RefID,
		CreatedAt:  time.Now().UnixMilli(),
	}))
	return nil, nil
}

// handleLikePost 给自己的帖子点赞不通知
func (h *Handler) handleLikePost(conn *connection.Connection, req *proto.LikePost) (any, error) {
	if req.PostID == "" || req.OwnerID <= 0 {
		return nil, apperrors.ErrInvalidParams.WithMessage("postId and ownerId are required")
	}
	if req.OwnerID == conn.UserID() {
		return nil, nil
	}
	h.hub.ToUsers([]int64{req.OwnerID}, proto.MustEncode(&proto.LikePost{
		PostID:  req.PostID,
		OwnerID: req.OwnerID,
		UserID:  conn.UserID(),
	}))
	return nil, nil
}
