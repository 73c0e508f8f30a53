package nats

// Subjects 集群内 NATS 主题
//
//	{prefix}.room                房间广播，所有节点订阅
//	{prefix}.user                用户定向推送，所有节点订阅
//	{prefix}.node.{nodeId}.conn  单连接推送，仅目标节点订阅
//	{prefix}.call                通话信令转发，所有节点订阅
type Subjects struct {
	prefix string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = "messenger"
	}
	return Subjects{prefix: prefix}
}

func (s Subjects) Room() string {
	return s.prefix + ".room"
}

func (s Subjects) User() string {
	return s.prefix + ".user"
}

func (s Subjects) Conn(nodeID string) string {
	return s.prefix + ".node." + nodeID + ".conn"
}

func (s Subjects) Call() string {
	return s.prefix + ".call"
}
