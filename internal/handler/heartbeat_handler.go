package handler

import (
	"context"
	"time"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/pkg/proto"
)

// handleHeartbeat 续期在线位置并回带服务端时间；不带 ackId 的心跳直接推回
func (h *Handler) handleHeartbeat(ctx context.Context, conn *connection.Connection, ackID string, req *proto.Heartbeat) (any, error) {
	h.presence.Heartbeat(ctx, conn)

	resp := &proto.Heartbeat{
		ClientTime: req.ClientTime,
		ServerTime: time.Now().UnixMilli(),
	}
	if ackID == "" {
		_ = conn.Send(proto.MustEncode(resp))
	}
	return resp, nil
}
