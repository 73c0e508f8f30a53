package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	rkeys "sudooom.im.messenger/internal/redis"
)

// RedisLocations 基于 Redis 的位置登记，多节点共享
type RedisLocations struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocations(client *redis.Client, ttl time.Duration) *RedisLocations {
	return &RedisLocations{client: client, ttl: ttl}
}

// keyTTL 整个用户键的兜底过期，留出一个心跳周期的余量
func (r *RedisLocations) keyTTL() time.Duration {
	return r.ttl * 2
}

func (r *RedisLocations) Register(ctx context.Context, loc *Location) (int, error) {
	data, err := json.Marshal(loc)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal location: %w", err)
	}
	dataKey := rkeys.BuildUserLocationKey(loc.UserID)
	expKey := rkeys.BuildUserLocationExpiryKey(loc.UserID)
	member := rkeys.BuildLocationMember(loc.NodeID, loc.ConnID)
	now := time.Now()

	var card *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, expKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		pipe.HSet(ctx, dataKey, member, data)
		pipe.ZAdd(ctx, expKey, redis.Z{Score: float64(now.Add(r.ttl).UnixMilli()), Member: member})
		pipe.Expire(ctx, dataKey, r.keyTTL())
		pipe.Expire(ctx, expKey, r.keyTTL())
		pipe.ZAddGT(ctx, rkeys.OnlineIndexKey, indexEntry(loc.UserID, now.Add(r.ttl)))
		card = pipe.ZCard(ctx, expKey)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func indexEntry(userID int64, expireAt time.Time) redis.Z {
	return redis.Z{Score: float64(expireAt.UnixMilli()), Member: strconv.FormatInt(userID, 10)}
}

func (r *RedisLocations) Unregister(ctx context.Context, userID int64, nodeID string, connID int64) (int, error) {
	dataKey := rkeys.BuildUserLocationKey(userID)
	expKey := rkeys.BuildUserLocationExpiryKey(userID)
	member := rkeys.BuildLocationMember(nodeID, connID)
	now := time.Now()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, dataKey, member)
		pipe.ZRem(ctx, expKey, member)
		pipe.ZRemRangeByScore(ctx, expKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		card = pipe.ZCard(ctx, expKey)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if card.Val() == 0 {
		// 正常下线，不再需要清扫
		if err := r.client.ZRem(ctx, rkeys.OnlineIndexKey, strconv.FormatInt(userID, 10)).Err(); err != nil {
			return 0, err
		}
	}
	return int(card.Val()), nil
}

// Refresh 心跳续期
func (r *RedisLocations) Refresh(ctx context.Context, loc *Location) error {
	expKey := rkeys.BuildUserLocationExpiryKey(loc.UserID)
	member := rkeys.BuildLocationMember(loc.NodeID, loc.ConnID)
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rkeys.BuildUserLocationKey(loc.UserID), member, data)
		pipe.ZAdd(ctx, expKey, redis.Z{Score: float64(time.Now().Add(r.ttl).UnixMilli()), Member: member})
		pipe.Expire(ctx, rkeys.BuildUserLocationKey(loc.UserID), r.keyTTL())
		pipe.Expire(ctx, expKey, r.keyTTL())
		pipe.ZAddGT(ctx, rkeys.OnlineIndexKey, indexEntry(loc.UserID, time.Now().Add(r.ttl)))
		return nil
	})
	return err
}

func (r *RedisLocations) Get(ctx context.Context, userID int64) ([]Location, error) {
	members, err := r.client.ZRangeByScore(ctx, rkeys.BuildUserLocationExpiryKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := r.client.HMGet(ctx, rkeys.BuildUserLocationKey(userID), members...).Result()
	if err != nil {
		return nil, err
	}
	locs := make([]Location, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var loc Location
		if err := json.Unmarshal([]byte(s), &loc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal location: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (r *RedisLocations) Online(ctx context.Context, userID int64) (bool, error) {
	n, err := r.client.ZCount(ctx, rkeys.BuildUserLocationExpiryKey(userID),
		strconv.FormatInt(time.Now().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Expired 索引中已过期的用户逐个 ZREM 认领，多节点同时清扫时只有一个节点认领成功
func (r *RedisLocations) Expired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	members, err := r.client.ZRangeByScore(ctx, rkeys.OnlineIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	var out []int64
	for _, member := range members {
		userID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			r.client.ZRem(ctx, rkeys.OnlineIndexKey, member)
			continue
		}
		online, err := r.Online(ctx, userID)
		if err != nil {
			return out, err
		}
		if online {
			continue
		}
		n, err := r.client.ZRem(ctx, rkeys.OnlineIndexKey, member).Result()
		if err != nil {
			return out, err
		}
		if n == 1 {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (r *RedisLocations) SetLastSeen(ctx context.Context, userID int64, at time.Time) error {
	return r.client.Set(ctx, rkeys.BuildUserLastSeenKey(userID), at.UnixMilli(), 30*24*time.Hour).Err()
}

func (r *RedisLocations) LastSeen(ctx context.Context, userID int64) (time.Time, error) {
	ms, err := r.client.Get(ctx, rkeys.BuildUserLastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
