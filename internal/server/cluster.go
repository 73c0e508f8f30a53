package server

import (
	"context"

	"sudooom.im.messenger/internal/call"
	"sudooom.im.messenger/internal/fanout"
	"sudooom.im.messenger/pkg/proto"
)

// ClusterHandler 其它节点经 NATS 发来的事件：推送交给 Hub 投递本地连接，通话信令交给通话管理器
type ClusterHandler struct {
	hub   *fanout.Hub
	calls *call.Manager
}

func NewClusterHandler(hub *fanout.Hub, calls *call.Manager) *ClusterHandler {
	return &ClusterHandler{hub: hub, calls: calls}
}

func (h *ClusterHandler) HandleRoomEvent(ctx context.Context, ev *proto.RoomEvent) {
	h.hub.HandleRoomEvent(ctx, ev)
}

func (h *ClusterHandler) HandleUserEvent(ctx context.Context, ev *proto.UserEvent) {
	h.hub.HandleUserEvent(ctx, ev)
}

func (h *ClusterHandler) HandleConnEvent(ctx context.Context, ev *proto.ConnEvent) {
	h.hub.HandleConnEvent(ctx, ev)
}

func (h *ClusterHandler) HandleCallForward(ctx context.Context, ev *proto.CallForward) {
	h.calls.HandleCallForward(ctx, ev)
}
