package presence

import (
	"context"
	"sync"
	"time"

	rkeys "sudooom.im.messenger/internal/redis"
	"sudooom.im.messenger/internal/registry"
)

type localEntry struct {
	loc      Location
	expireAt time.Time
}

// LocalLocations 单节点部署（未启用 Redis）时的位置登记
type LocalLocations struct {
	ttl      time.Duration
	users    *registry.Registry[int64, map[string]localEntry]
	lastSeen sync.Map // userID -> time.Time
	now      func() time.Time
}

func NewLocalLocations(ttl time.Duration) *LocalLocations {
	return &LocalLocations{
		ttl:   ttl,
		users: registry.New[int64, map[string]localEntry](registry.DefaultShards, registry.Int64Hasher),
		now:   time.Now,
	}
}

func (l *LocalLocations) Register(_ context.Context, loc *Location) (int, error) {
	now := l.now()
	member := rkeys.BuildLocationMember(loc.NodeID, loc.ConnID)
	total := 0
	l.users.Update(loc.UserID, func(m map[string]localEntry, ok bool) (map[string]localEntry, bool) {
		if !ok {
			m = make(map[string]localEntry)
		}
		purge(m, now)
		m[member] = localEntry{loc: *loc, expireAt: now.Add(l.ttl)}
		total = len(m)
		return m, true
	})
	return total, nil
}

func (l *LocalLocations) Unregister(_ context.Context, userID int64, nodeID string, connID int64) (int, error) {
	now := l.now()
	member := rkeys.BuildLocationMember(nodeID, connID)
	remaining := 0
	l.users.Update(userID, func(m map[string]localEntry, ok bool) (map[string]localEntry, bool) {
		if !ok {
			return nil, false
		}
		delete(m, member)
		purge(m, now)
		remaining = len(m)
		return m, remaining > 0
	})
	return remaining, nil
}

func (l *LocalLocations) Refresh(_ context.Context, loc *Location) error {
	now := l.now()
	member := rkeys.BuildLocationMember(loc.NodeID, loc.ConnID)
	l.users.Update(loc.UserID, func(m map[string]localEntry, ok bool) (map[string]localEntry, bool) {
		if !ok {
			m = make(map[string]localEntry)
		}
		m[member] = localEntry{loc: *loc, expireAt: now.Add(l.ttl)}
		return m, true
	})
	return nil
}

func (l *LocalLocations) Get(_ context.Context, userID int64) ([]Location, error) {
	now := l.now()
	var out []Location
	l.users.Update(userID, func(m map[string]localEntry, ok bool) (map[string]localEntry, bool) {
		if !ok {
			return nil, false
		}
		purge(m, now)
		for _, e := range m {
			out = append(out, e.loc)
		}
		// 过期清空的用户留给 Expired 认领
		return m, true
	})
	return out, nil
}

func (l *LocalLocations) Online(ctx context.Context, userID int64) (bool, error) {
	locs, err := l.Get(ctx, userID)
	return len(locs) > 0, err
}

func (l *LocalLocations) SetLastSeen(_ context.Context, userID int64, at time.Time) error {
	l.lastSeen.Store(userID, at)
	return nil
}

func (l *LocalLocations) LastSeen(_ context.Context, userID int64) (time.Time, error) {
	if v, ok := l.lastSeen.Load(userID); ok {
		return v.(time.Time), nil
	}
	return time.Time{}, nil
}

// Expired 所有记录都已过期的用户被认领并删除；正常注销的用户不在其中
func (l *LocalLocations) Expired(_ context.Context, now time.Time, limit int) ([]int64, error) {
	var users []int64
	l.users.Range(func(userID int64, _ map[string]localEntry) bool {
		users = append(users, userID)
		return true
	})

	var out []int64
	for _, userID := range users {
		if limit > 0 && len(out) >= limit {
			break
		}
		claimed := false
		l.users.Update(userID, func(m map[string]localEntry, ok bool) (map[string]localEntry, bool) {
			if !ok {
				return nil, false
			}
			purge(m, now)
			claimed = len(m) == 0
			return m, !claimed
		})
		if claimed {
			out = append(out, userID)
		}
	}
	return out, nil
}

func purge(m map[string]localEntry, now time.Time) {
	for k, e := range m {
		if !e.expireAt.After(now) {
			delete(m, k)
		}
	}
}
