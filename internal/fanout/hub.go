package fanout

import (
	"context"
	"log/slog"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/room"
	"sudooom.im.messenger/pkg/proto"
)

// Publisher 跨节点发布，单节点部署时为 nil
type Publisher interface {
	PublishRoom(ev *proto.RoomEvent) error
	PublishUsers(ev *proto.UserEvent) error
	PublishConn(nodeID string, ev *proto.ConnEvent) error
}

// Hub 推送出口：先投递本节点连接，再发布给其它节点。
// 同一帧对同一连接最多投递一次。
type Hub struct {
	conns  *connection.Manager
	rooms  *room.Manager
	pub    Publisher
	nodeID string
	logger *slog.Logger
}

func NewHub(conns *connection.Manager, rooms *room.Manager, pub Publisher, nodeID string, logger *slog.Logger) *Hub {
	return &Hub{
		conns:  conns,
		rooms:  rooms,
		pub:    pub,
		nodeID: nodeID,
		logger: logger,
	}
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

// ToRoom 推送给房间内连接以及 alsoUsers 的全部连接
func (h *Hub) ToRoom(roomID int64, frame []byte, alsoUsers []int64) int {
	n := h.deliverRoom(roomID, frame, alsoUsers)
	if h.pub != nil {
		if err := h.pub.PublishRoom(&proto.RoomEvent{
			OriginNode: h.nodeID,
			RoomID:     roomID,
			Frame:      frame,
			AlsoUsers:  alsoUsers,
		}); err != nil {
			h.logger.Warn("Room event not published", "roomId", roomID, "error", err)
		}
	}
	return n
}

// ToUsers 推送给用户的全部连接
func (h *Hub) ToUsers(userIDs []int64, frame []byte) int {
	if len(userIDs) == 0 {
		return 0
	}
	n := h.deliverUsers(userIDs, frame, nil)
	if h.pub != nil {
		if err := h.pub.PublishUsers(&proto.UserEvent{
			OriginNode: h.nodeID,
			UserIDs:    userIDs,
			Frame:      frame,
		}); err != nil {
			h.logger.Warn("User event not published", "userIds", userIDs, "error", err)
		}
	}
	return n
}

// ToConn 推送给某节点上的单个连接
func (h *Hub) ToConn(nodeID string, connID int64, frame []byte) bool {
	if nodeID == "" || nodeID == h.nodeID {
		return h.deliverConn(connID, frame)
	}
	if h.pub == nil {
		return false
	}
	if err := h.pub.PublishConn(nodeID, &proto.ConnEvent{
		OriginNode: h.nodeID,
		ConnID:     connID,
		Frame:      frame,
	}); err != nil {
		h.logger.Warn("Conn event not published", "nodeId", nodeID, "connId", connID, "error", err)
		return false
	}
	return true
}

func (h *Hub) deliverRoom(roomID int64, frame []byte, alsoUsers []int64) int {
	seen := make(map[int64]struct{})
	n := 0
	for _, connID := range h.rooms.Members(roomID) {
		seen[connID] = struct{}{}
		if h.deliverConn(connID, frame) {
			n++
		}
	}
	return n + h.deliverUsers(alsoUsers, frame, seen)
}

func (h *Hub) deliverUsers(userIDs []int64, frame []byte, seen map[int64]struct{}) int {
	if seen == nil {
		seen = make(map[int64]struct{})
	}
	n := 0
	for _, userID := range userIDs {
		for _, conn := range h.conns.GetByUserID(userID) {
			if _, dup := seen[conn.ID()]; dup {
				continue
			}
			seen[conn.ID()] = struct{}{}
			if conn.Send(frame) == nil {
				n++
			}
		}
	}
	return n
}

func (h *Hub) deliverConn(connID int64, frame []byte) bool {
	conn := h.conns.Get(connID)
	if conn == nil {
		return false
	}
	return conn.Send(frame) == nil
}

// HandleRoomEvent 其它节点的房间广播
func (h *Hub) HandleRoomEvent(_ context.Context, ev *proto.RoomEvent) {
	h.deliverRoom(ev.RoomID, ev.Frame, ev.AlsoUsers)
}

// HandleUserEvent 其它节点的用户推送
func (h *Hub) HandleUserEvent(_ context.Context, ev *proto.UserEvent) {
	h.deliverUsers(ev.UserIDs, ev.Frame, nil)
}

// HandleConnEvent 其它节点发往本节点连接的推送
func (h *Hub) HandleConnEvent(_ context.Context, ev *proto.ConnEvent) {
	if !h.deliverConn(ev.ConnID, ev.Frame) {
		h.logger.Debug("Conn event target gone", "connId", ev.ConnID, "originNode", ev.OriginNode)
	}
}
