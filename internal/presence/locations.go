package presence

import (
	"context"
	"time"
)

// Location 用户的一个在线连接
type Location struct {
	UserID    int64     `json:"userId"`
	NodeID    string    `json:"nodeId"`
	ConnID    int64     `json:"connId"`
	DeviceID  string    `json:"deviceId"`
	Platform  string    `json:"platform"`
	LoginTime time.Time `json:"loginTime"`
}

// Locations 集群范围的用户位置登记。每个连接一条记录，带 TTL，心跳续期；
// 节点崩溃后其记录自然过期。
type Locations interface {
	// Register 登记连接，返回该用户当前的在线连接总数
	Register(ctx context.Context, loc *Location) (int, error)
	// Unregister 注销连接，返回剩余在线连接数
	Unregister(ctx context.Context, userID int64, nodeID string, connID int64) (int, error)
	Refresh(ctx context.Context, loc *Location) error
	Get(ctx context.Context, userID int64) ([]Location, error)
	Online(ctx context.Context, userID int64) (bool, error)
	SetLastSeen(ctx context.Context, userID int64, at time.Time) error
	// LastSeen 未记录时返回零值
	LastSeen(ctx context.Context, userID int64) (time.Time, error)
	// Expired 认领所有连接均已过期、未正常注销的用户，每个用户只会被一个调用方认领一次
	Expired(ctx context.Context, now time.Time, limit int) ([]int64, error)
}
