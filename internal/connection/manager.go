package connection

import (
	"errors"

	"sudooom.im.messenger/internal/registry"
)

var ErrTooManyConnections = errors.New("too many connections")

// Manager 管理本节点的所有连接
type Manager struct {
	connections *registry.Registry[int64, *Connection]
	userConns   *registry.SetRegistry[int64, int64] // userID -> connIDs
	maxConns    int
}

// NewManager maxConns <= 0 表示不限制
func NewManager(maxConns int) *Manager {
	return &Manager{
		connections: registry.New[int64, *Connection](registry.DefaultShards, registry.Int64Hasher),
		userConns:   registry.NewSet[int64, int64](registry.DefaultShards, registry.Int64Hasher),
		maxConns:    maxConns,
	}
}

// Add 注册连接，返回是否为该用户在本节点的首个连接
func (m *Manager) Add(conn *Connection) (first bool, err error) {
	if m.maxConns > 0 && m.connections.Len() >= m.maxConns {
		return false, ErrTooManyConnections
	}
	m.connections.Set(conn.ID(), conn)
	if conn.UserID() > 0 {
		added, size := m.userConns.AddWithSize(conn.UserID(), conn.ID())
		first = added && size == 1
	}
	return first, nil
}

// Remove 注销连接，返回被移除的连接以及该用户在本节点是否已无连接
func (m *Manager) Remove(connID int64) (conn *Connection, last bool) {
	conn, ok := m.connections.Delete(connID)
	if !ok {
		return nil, false
	}
	if conn.UserID() > 0 {
		_, last = m.userConns.Remove(conn.UserID(), connID)
	}
	return conn, last
}

func (m *Manager) Get(connID int64) *Connection {
	conn, _ := m.connections.Get(connID)
	return conn
}

// GetByUserID 用户在本节点的所有连接
// Has 连接是否仍在本节点登记
func (m *Manager) Has(connID int64) bool {
	return m.Get(connID) != nil
}

func (m *Manager) GetByUserID(userID int64) []*Connection {
	ids := m.userConns.Members(userID)
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn := m.Get(id); conn != nil {
			conns = append(conns, conn)
		}
	}
	return conns
}

// IsOnline 用户在本节点是否有连接
func (m *Manager) IsOnline(userID int64) bool {
	return m.userConns.Count(userID) > 0
}

func (m *Manager) Count() int {
	return m.connections.Len()
}

// OnlineUsers 本节点在线用户
func (m *Manager) OnlineUsers() []int64 {
	return m.userConns.Keys()
}

// SendToUser 发给用户在本节点的全部连接，返回成功入队的连接数
func (m *Manager) SendToUser(userID int64, data []byte) int {
	sent := 0
	for _, conn := range m.GetByUserID(userID) {
		if conn.Send(data) == nil {
			sent++
		}
	}
	return sent
}

// GetAllConnections 所有连接快照（用于心跳检测和关闭）
func (m *Manager) GetAllConnections() []*Connection {
	conns := make([]*Connection, 0, m.connections.Len())
	m.connections.Range(func(_ int64, c *Connection) bool {
		conns = append(conns, c)
		return true
	})
	return conns
}

// CloseAll 关闭所有连接
func (m *Manager) CloseAll(code int, reason string) {
	for _, conn := range m.GetAllConnections() {
		conn.CloseWithReason(code, reason)
	}
}
