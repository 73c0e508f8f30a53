package service

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	rkeys "sudooom.im.messenger/internal/redis"
	"sudooom.im.messenger/internal/registry"
	"sudooom.im.messenger/pkg/proto"
)

// UnreadCounter 每个用户每个会话的未读数，收到消息加一，已读清零
type UnreadCounter interface {
	Incr(ctx context.Context, conversationID int64, userIDs []int64) error
	Clear(ctx context.Context, userID, conversationID int64) error
	Counts(ctx context.Context, userID int64) (map[int64]int64, error)
}

// RedisUnread 未读数存放在 im:unread:{userId} 哈希中
type RedisUnread struct {
	client *redis.Client
}

func NewRedisUnread(client *redis.Client) *RedisUnread {
	return &RedisUnread{client: client}
}

func (u *RedisUnread) Incr(ctx context.Context, conversationID int64, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	field := strconv.FormatInt(conversationID, 10)
	pipe := u.client.Pipeline()
	for _, id := range userIDs {
		pipe.HIncrBy(ctx, rkeys.BuildUnreadKey(id), field, 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (u *RedisUnread) Clear(ctx context.Context, userID, conversationID int64) error {
	return u.client.HDel(ctx, rkeys.BuildUnreadKey(userID), strconv.FormatInt(conversationID, 10)).Err()
}

func (u *RedisUnread) Counts(ctx context.Context, userID int64) (map[int64]int64, error) {
	data, err := u.client.HGetAll(ctx, rkeys.BuildUnreadKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64, len(data))
	for k, v := range data {
		convID, err1 := strconv.ParseInt(k, 10, 64)
		n, err2 := strconv.ParseInt(v, 10, 64)
		if err1 != nil || err2 != nil || n <= 0 {
			continue
		}
		out[convID] = n
	}
	return out, nil
}

// MemoryUnread 单节点未启用 Redis 时使用
type MemoryUnread struct {
	counts *registry.Registry[int64, map[int64]int64]
}

func NewMemoryUnread() *MemoryUnread {
	return &MemoryUnread{counts: registry.New[int64, map[int64]int64](registry.DefaultShards, registry.Int64Hasher)}
}

func (u *MemoryUnread) Incr(_ context.Context, conversationID int64, userIDs []int64) error {
	for _, id := range userIDs {
		u.counts.Update(id, func(m map[int64]int64, ok bool) (map[int64]int64, bool) {
			if !ok {
				m = make(map[int64]int64)
			}
			m[conversationID]++
			return m, true
		})
	}
	return nil
}

func (u *MemoryUnread) Clear(_ context.Context, userID, conversationID int64) error {
	u.counts.Update(userID, func(m map[int64]int64, ok bool) (map[int64]int64, bool) {
		if !ok {
			return nil, false
		}
		delete(m, conversationID)
		return m, len(m) > 0
	})
	return nil
}

func (u *MemoryUnread) Counts(_ context.Context, userID int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	u.counts.Update(userID, func(m map[int64]int64, ok bool) (map[int64]int64, bool) {
		for k, v := range m {
			out[k] = v
		}
		return m, ok
	})
	return out, nil
}

// Summarize 汇总为接口返回结构
func Summarize(counts map[int64]int64) proto.UnreadSummary {
	summary := proto.UnreadSummary{Conversations: make(map[string]int64, len(counts))}
	for convID, n := range counts {
		summary.Conversations[strconv.FormatInt(convID, 10)] = n
		summary.Total += n
	}
	return summary
}
