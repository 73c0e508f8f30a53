package room

import (
	"context"
	"errors"

	"sudooom.im.messenger/internal/registry"
)

var (
	ErrNotParticipant = errors.New("user is not a participant of the conversation")
	ErrConnClosed     = errors.New("connection closed")
)

// Authorizer 判断用户能否加入会话房间
type Authorizer interface {
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
}

// Conns 本节点已登记的连接
type Conns interface {
	Has(connID int64) bool
}

// Manager 房间与连接的双向索引。房间即会话，成员是本节点的连接；
// 房间成员只是缓存，重连后由客户端重新 join-room。
type Manager struct {
	rooms     *registry.SetRegistry[int64, int64] // roomID -> connIDs
	connRooms *registry.SetRegistry[int64, int64] // connID -> roomIDs
	auth      Authorizer
	conns     Conns
}

// NewManager conns 非 nil 时，连接注销后才完成的 Join 会被撤销。
// 调用方需先从 conns 注销连接再调用 LeaveAll。
func NewManager(auth Authorizer, conns Conns) *Manager {
	return &Manager{
		rooms:     registry.NewSet[int64, int64](registry.DefaultShards, registry.Int64Hasher),
		connRooms: registry.NewSet[int64, int64](registry.DefaultShards, registry.Int64Hasher),
		auth:      auth,
		conns:     conns,
	}
}

// Join 校验成员身份后加入房间，重复加入无副作用；返回是否新加入
func (m *Manager) Join(ctx context.Context, connID, userID, roomID int64) (bool, error) {
	if m.auth != nil {
		ok, err := m.auth.IsParticipant(ctx, roomID, userID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, ErrNotParticipant
		}
	}
	added := m.rooms.Add(roomID, connID)
	m.connRooms.Add(connID, roomID)
	// 校验期间连接已关闭，LeaveAll 可能先于上面的加入执行
	if m.conns != nil && !m.conns.Has(connID) {
		m.Leave(connID, roomID)
		return false, ErrConnClosed
	}
	return added, nil
}

// Leave 离开房间，不在房间内时为空操作
func (m *Manager) Leave(connID, roomID int64) bool {
	removed, _ := m.rooms.Remove(roomID, connID)
	m.connRooms.Remove(connID, roomID)
	return removed
}

// LeaveAll 连接断开时清理其全部房间，返回离开的房间
func (m *Manager) LeaveAll(connID int64) []int64 {
	roomIDs := m.connRooms.Members(connID)
	for _, roomID := range roomIDs {
		m.rooms.Remove(roomID, connID)
		m.connRooms.Remove(connID, roomID)
	}
	return roomIDs
}

// Members 房间内的连接快照
func (m *Manager) Members(roomID int64) []int64 {
	return m.rooms.Members(roomID)
}

func (m *Manager) IsMember(roomID, connID int64) bool {
	return m.rooms.Has(roomID, connID)
}

// RoomsOf 连接所在的房间
func (m *Manager) RoomsOf(connID int64) []int64 {
	return m.connRooms.Members(connID)
}

// RoomCount 非空房间数
func (m *Manager) RoomCount() int {
	return len(m.rooms.Keys())
}
