package redis

import (
	"fmt"
	"strconv"
)

const (
	// UserLocationKeyPrefix 用户位置前缀
	// im:user:location:{userId}         HASH   {nodeId}:{connId} -> Location JSON
	// im:user:location:{userId}:expiry  ZSET   {nodeId}:{connId} -> 过期时间(ms)
	UserLocationKeyPrefix = "im:user:location:"

	// UserLastSeenKeyPrefix 最后在线时间 im:user:lastseen:{userId}
	UserLastSeenKeyPrefix = "im:user:lastseen:"

	// OnlineIndexKey 有在线记录的用户 ZSET  {userId} -> 最晚过期时间(ms)，用于清扫崩溃节点遗留的位置
	OnlineIndexKey = "im:user:online"

	// UnreadKeyPrefix 未读计数 im:unread:{userId}  HASH  {conversationId} -> count
	UnreadKeyPrefix = "im:unread:"
)

func BuildUserLocationKey(userID int64) string {
	return UserLocationKeyPrefix + strconv.FormatInt(userID, 10)
}

func BuildUserLocationExpiryKey(userID int64) string {
	return BuildUserLocationKey(userID) + ":expiry"
}

// BuildLocationMember 连接在位置集合中的成员名
func BuildLocationMember(nodeID string, connID int64) string {
	return fmt.Sprintf("%s:%d", nodeID, connID)
}

func BuildUserLastSeenKey(userID int64) string {
	return UserLastSeenKeyPrefix + strconv.FormatInt(userID, 10)
}

func BuildUnreadKey(userID int64) string {
	return UnreadKeyPrefix + strconv.FormatInt(userID, 10)
}
