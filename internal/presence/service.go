package presence

import (
	"context"
	"log/slog"
	"time"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/registry"
	"sudooom.im.messenger/internal/repository"
	"sudooom.im.messenger/internal/workerpool"
	"sudooom.im.messenger/pkg/proto"
)

// Notifier 用户定向推送
type Notifier interface {
	ToUsers(userIDs []int64, frame []byte) int
}

type contactEntry struct {
	ids      []int64
	loadedAt time.Time
}

// Options 在线状态参数
type Options struct {
	NodeID        string
	ContactTTL    time.Duration // 好友列表缓存时长
	OpTimeout     time.Duration // 单次 Redis / 数据库操作超时
	SweepInterval time.Duration // 清扫过期位置的周期
	SweepBatch    int
}

// Service 在线状态：用户首个连接上线、最后一个连接下线时向在线好友广播 friend-online。
// 状态尽力而为，进程重启后由存活连接重建。
type Service struct {
	conns     *connection.Manager
	locations Locations
	contacts  repository.ContactRepository
	notifier  Notifier
	pool      *workerpool.Pool
	opts      Options
	logger    *slog.Logger

	contactCache *registry.Registry[int64, contactEntry]
	// 同一用户的上下线判定与广播提交串行，广播按时间戳丢弃过期的
	userLocks *registry.KeyedMutex[int64]
	lastSent  *registry.Registry[int64, int64]
}

func NewService(conns *connection.Manager, locations Locations, contacts repository.ContactRepository,
	notifier Notifier, pool *workerpool.Pool, opts Options, logger *slog.Logger) *Service {
	if opts.ContactTTL <= 0 {
		opts.ContactTTL = 5 * time.Minute
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	return &Service{
		conns:        conns,
		locations:    locations,
		contacts:     contacts,
		notifier:     notifier,
		pool:         pool,
		opts:         opts,
		logger:       logger,
		contactCache: registry.New[int64, contactEntry](registry.DefaultShards, registry.Int64Hasher),
		userLocks:    registry.NewKeyedMutex[int64](),
		lastSent:     registry.New[int64, int64](registry.DefaultShards, registry.Int64Hasher),
	}
}

func locationOf(conn *connection.Connection) *Location {
	return &Location{
		UserID:    conn.UserID(),
		NodeID:    conn.NodeID(),
		ConnID:    conn.ID(),
		DeviceID:  conn.DeviceID(),
		Platform:  conn.Platform(),
		LoginTime: conn.CreateTime(),
	}
}

// Connected 连接认证完成后调用，localFirst 为该用户在本节点的首个连接
func (s *Service) Connected(ctx context.Context, conn *connection.Connection, localFirst bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	unlock := s.userLocks.Lock(conn.UserID())
	defer unlock()

	first := localFirst
	total, err := s.locations.Register(ctx, locationOf(conn))
	if err != nil {
		s.logger.Warn("Failed to register user location", "userId", conn.UserID(), "connId", conn.ID(), "error", err)
	} else {
		first = total == 1
	}
	if first {
		s.broadcastAsync(conn.UserID(), true, time.Now())
	}
}

// Heartbeat 续期位置
func (s *Service) Heartbeat(ctx context.Context, conn *connection.Connection) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	if err := s.locations.Refresh(ctx, locationOf(conn)); err != nil {
		s.logger.Warn("Failed to refresh user location", "userId", conn.UserID(), "connId", conn.ID(), "error", err)
	}
}

// Disconnected 连接关闭（主动关闭或心跳超时）后调用，localLast 为该用户在本节点的最后一个连接
func (s *Service) Disconnected(ctx context.Context, conn *connection.Connection, localLast bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	unlock := s.userLocks.Lock(conn.UserID())
	defer unlock()

	last := localLast
	remaining, err := s.locations.Unregister(ctx, conn.UserID(), conn.NodeID(), conn.ID())
	if err != nil {
		s.logger.Warn("Failed to unregister user location", "userId", conn.UserID(), "connId", conn.ID(), "error", err)
	} else {
		last = remaining == 0
	}
	if !last {
		return
	}

	now := time.Now()
	if err := s.locations.SetLastSeen(ctx, conn.UserID(), now); err != nil {
		s.logger.Warn("Failed to record last seen", "userId", conn.UserID(), "error", err)
	}
	s.broadcastAsync(conn.UserID(), false, now)
}

// IsOnline 先查本节点，再查集群位置
func (s *Service) IsOnline(ctx context.Context, userID int64) bool {
	if s.conns.IsOnline(userID) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	online, err := s.locations.Online(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to query user location", "userId", userID, "error", err)
		return false
	}
	return online
}

// Status 用户当前在线状态，离线时 LastAccessed 为最后在线时间
func (s *Service) Status(ctx context.Context, userID int64) proto.FriendOnline {
	status := proto.FriendOnline{UserID: userID}
	if s.IsOnline(ctx, userID) {
		status.Online = true
		status.LastAccessed = time.Now().UnixMilli()
		return status
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	if seen, err := s.locations.LastSeen(ctx, userID); err == nil && !seen.IsZero() {
		status.LastAccessed = seen.UnixMilli()
	}
	return status
}

// PushStatus 把 about 的当前状态推给 to，用于新建立好友关系时
func (s *Service) PushStatus(ctx context.Context, about, to int64) {
	status := s.Status(ctx, about)
	s.notifier.ToUsers([]int64{to}, proto.MustEncode(&status))
}

// InvalidateContacts 好友关系变化后清除缓存
func (s *Service) InvalidateContacts(userIDs ...int64) {
	for _, id := range userIDs {
		s.contactCache.Delete(id)
	}
}

// Contacts 带缓存的好友列表
func (s *Service) Contacts(ctx context.Context, userID int64) ([]int64, error) {
	if e, ok := s.contactCache.Get(userID); ok && time.Since(e.loadedAt) < s.opts.ContactTTL {
		return e.ids, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	ids, err := s.contacts.Contacts(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.contactCache.Set(userID, contactEntry{ids: ids, loadedAt: time.Now()})
	return ids, nil
}

// broadcastAsync 需持有该用户的 userLocks 调用，同一用户的广播按提交顺序执行
func (s *Service) broadcastAsync(userID int64, online bool, at time.Time) {
	task := func() {
		s.broadcast(context.Background(), userID, online, at)
	}
	if s.pool == nil || !s.pool.SubmitKeyed(userID, task) {
		task()
	}
}

// Sweep 为崩溃节点遗留、已过期的位置补发下线广播，返回处理的用户数
func (s *Service) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	now := time.Now()
	users, err := s.locations.Expired(ctx, now, s.opts.SweepBatch)
	if err != nil {
		s.logger.Warn("Failed to sweep expired locations", "error", err)
	}
	n := 0
	for _, userID := range users {
		if s.conns.IsOnline(userID) {
			continue
		}
		unlock := s.userLocks.Lock(userID)
		if err := s.locations.SetLastSeen(ctx, userID, now); err != nil {
			s.logger.Warn("Failed to record last seen", "userId", userID, "error", err)
		}
		s.broadcastAsync(userID, false, now)
		unlock()
		n++
	}
	if n > 0 {
		s.logger.Info("Expired locations swept", "users", n)
	}
	return n
}

// RunSweeper 周期清扫，阻塞直到 ctx 取消
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Service) broadcast(ctx context.Context, userID int64, online bool, at time.Time) {
	stamp := at.UnixNano()
	stale := false
	s.lastSent.Update(userID, func(prev int64, ok bool) (int64, bool) {
		if ok && prev > stamp {
			stale = true
			return prev, true
		}
		return stamp, true
	})
	if stale {
		s.logger.Debug("Stale presence broadcast dropped", "userId", userID, "online", online)
		return
	}

	contacts, err := s.Contacts(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to load contacts", "userId", userID, "error", err)
		return
	}
	if len(contacts) == 0 {
		return
	}
	frame := proto.MustEncode(&proto.FriendOnline{
		UserID:       userID,
		Online:       online,
		LastAccessed: at.UnixMilli(),
	})
	n := s.notifier.ToUsers(contacts, frame)
	s.logger.Debug("Presence broadcast",
		"userId", userID,
		"online", online,
		"contacts", len(contacts),
		"localDelivered", n)
}
