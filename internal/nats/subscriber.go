package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"sudooom.im.messenger/internal/registry"
	"sudooom.im.messenger/pkg/proto"
)

// Handler 处理其它节点发布的事件
type Handler interface {
	HandleRoomEvent(ctx context.Context, ev *proto.RoomEvent)
	HandleUserEvent(ctx context.Context, ev *proto.UserEvent)
	HandleConnEvent(ctx context.Context, ev *proto.ConnEvent)
	HandleCallForward(ctx context.Context, ev *proto.CallForward)
}

// SubscriberConfig Worker 配置
type SubscriberConfig struct {
	WorkerCount int
	BufferSize  int // 每个 worker 的缓冲
}

type inbound struct {
	subject string
	data    []byte
}

// Subscriber 订阅集群主题。消息按房间/用户哈希分派到固定 worker，
// 同一房间的事件在本节点按发布顺序投递。
type Subscriber struct {
	nc       *nats.Conn
	handler  Handler
	subjects Subjects
	nodeID   string
	logger   *slog.Logger
	config   SubscriberConfig

	subs       []*nats.Subscription
	queues     []chan inbound
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewSubscriber(nc *nats.Conn, handler Handler, subjects Subjects, nodeID string, config SubscriberConfig, logger *slog.Logger) *Subscriber {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 8
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	return &Subscriber{
		nc:       nc,
		handler:  handler,
		subjects: subjects,
		nodeID:   nodeID,
		logger:   logger,
		config:   config,
	}
}

// Start 订阅全部主题并启动 worker
func (s *Subscriber) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	s.queues = make([]chan inbound, s.config.WorkerCount)
	for i := range s.queues {
		s.queues[i] = make(chan inbound, s.config.BufferSize)
		s.wg.Add(1)
		go s.worker(workerCtx, s.queues[i])
	}

	for _, subject := range []string{
		s.subjects.Room(),
		s.subjects.User(),
		s.subjects.Conn(s.nodeID),
		s.subjects.Call(),
	} {
		sub, err := s.nc.Subscribe(subject, s.enqueue)
		if err != nil {
			s.Stop()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("NATS subscriber started",
		"nodeId", s.nodeID,
		"workerCount", s.config.WorkerCount,
		"bufferSize", s.config.BufferSize)
	return nil
}

func (s *Subscriber) enqueue(msg *nats.Msg) {
	in := inbound{subject: msg.Subject, data: msg.Data}
	q := s.queues[s.shardOf(in)]
	select {
	case q <- in:
	default:
		s.logger.Warn("Cluster event buffer full, dropping event", "subject", msg.Subject)
	}
}

// shardOf 仅解析路由键，完整解码放在 worker 中
func (s *Subscriber) shardOf(in inbound) int {
	var key struct {
		RoomID  int64   `json:"roomId"`
		UserIDs []int64 `json:"userIds"`
		UserID  int64   `json:"userId"`
		ConnID  int64   `json:"connId"`
	}
	_ = json.Unmarshal(in.data, &key)

	k := key.RoomID
	switch {
	case k != 0:
	case len(key.UserIDs) > 0:
		k = key.UserIDs[0]
	case key.UserID != 0:
		k = key.UserID
	default:
		k = key.ConnID
	}
	return int(registry.Int64Hasher(k) % uint64(len(s.queues)))
}

func (s *Subscriber) worker(ctx context.Context, q chan inbound) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-q:
			s.dispatch(ctx, in)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, in inbound) {
	switch in.subject {
	case s.subjects.Room():
		var ev proto.RoomEvent
		if s.decode(in, &ev) && ev.OriginNode != s.nodeID {
			s.handler.HandleRoomEvent(ctx, &ev)
		}
	case s.subjects.User():
		var ev proto.UserEvent
		if s.decode(in, &ev) && ev.OriginNode != s.nodeID {
			s.handler.HandleUserEvent(ctx, &ev)
		}
	case s.subjects.Conn(s.nodeID):
		var ev proto.ConnEvent
		if s.decode(in, &ev) {
			s.handler.HandleConnEvent(ctx, &ev)
		}
	case s.subjects.Call():
		var ev proto.CallForward
		if s.decode(in, &ev) && ev.OriginNode != s.nodeID {
			s.handler.HandleCallForward(ctx, &ev)
		}
	}
}

func (s *Subscriber) decode(in inbound, v any) bool {
	if err := json.Unmarshal(in.data, v); err != nil {
		s.logger.Error("Failed to unmarshal cluster event", "subject", in.subject, "error", err)
		return false
	}
	return true
}

// Stop 退订并等待 worker 退出，未处理的事件被丢弃
func (s *Subscriber) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Error("Failed to unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.wg.Wait()
	s.logger.Info("NATS subscriber stopped")
}

// BufferUsage 各 worker 缓冲占用总和
func (s *Subscriber) BufferUsage() (current int, capacity int) {
	for _, q := range s.queues {
		current += len(q)
		capacity += cap(q)
	}
	return current, capacity
}
