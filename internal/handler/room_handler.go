package handler

import (
	"context"
	"errors"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/room"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

// handleJoinRoom 加入会话房间，只有会话成员可以加入
func (h *Handler) handleJoinRoom(ctx context.Context, conn *connection.Connection, req *proto.JoinRoom) (any, error) {
	if req.RoomID <= 0 {
		return nil, apperrors.ErrInvalidParams.WithMessage("roomId is required")
	}
	added, err := h.rooms.Join(ctx, conn.ID(), conn.UserID(), req.RoomID)
	if err != nil {
		if errors.Is(err, room.ErrNotParticipant) {
			return nil, apperrors.ErrNotParticipant
		}
		return nil, err
	}
	if added {
		h.logger.Debug("Joined room", "connId", conn.ID(), "userId", conn.UserID(), "roomId", req.RoomID)
	}
	return req, nil
}

// handleLeaveRoom 离开房间，不在房间内时同样成功
func (h *Handler) handleLeaveRoom(conn *connection.Connection, req *proto.LeaveRoom) (any, error) {
	h.rooms.Leave(conn.ID(), req.RoomID)
	return req, nil
}
