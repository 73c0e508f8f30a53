package proto

// ============== 节点间消息 (NATS) ==============

// RoomEvent 房间广播，由收到请求的节点发布，其它节点投递给本地房间成员
type RoomEvent struct {
	OriginNode string `json:"originNode"`
	RoomID     int64  `json:"roomId"`
	Frame      []byte `json:"frame"`
	// AlsoUsers 房间外仍需收到的用户（例如未打开会话的参与者）
	AlsoUsers []int64 `json:"alsoUsers,omitempty"`
}

// UserEvent 定向推送给用户的全部连接
type UserEvent struct {
	OriginNode string  `json:"originNode"`
	UserIDs    []int64 `json:"userIds"`
	Frame      []byte  `json:"frame"`
}

// ConnEvent 定向推送给某个节点上的单个连接
type ConnEvent struct {
	OriginNode string `json:"originNode"`
	ConnID     int64  `json:"connId"`
	Frame      []byte `json:"frame"`
}

// CallForward 本节点找不到通话会话时，把原始信令帧转发给所有节点，由持有会话的节点处理
type CallForward struct {
	OriginNode string `json:"originNode"`
	UserID     int64  `json:"userId"`
	ConnID     int64  `json:"connId"`
	Frame      []byte `json:"frame"`
}
