package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("connection send buffer full")
)

// 关闭码，WebSocket 与 WebTransport 共用
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseSlowConsumer = 4008
	CloseAuthFailed   = 4001
	CloseIdleTimeout  = 4002
)

// Transport 底层传输，一次读写一个完整帧
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
	Kind() string
}

var connIDCounter int64

// SessionInfo 认证后绑定到连接的会话信息
type SessionInfo struct {
	UserID   int64
	DeviceID string
	Platform string
}

// Options 连接参数
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
}

// Connection 一个客户端连接。读在调用方的 goroutine 中顺序进行，
// 写经由有界队列交给唯一的写协程；队列满时关闭连接。
type Connection struct {
	id         int64
	nodeID     string
	session    SessionInfo
	transport  Transport
	logger     *slog.Logger
	opts       Options
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64

	onCloseMu sync.Mutex
	onClose   []func(*Connection)
}

// New 创建连接并启动写协程
func New(transport Transport, session SessionInfo, nodeID string, opts Options, logger *slog.Logger) *Connection {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	id := atomic.AddInt64(&connIDCounter, 1)
	c := &Connection{
		id:         id,
		nodeID:     nodeID,
		session:    session,
		transport:  transport,
		opts:       opts,
		writeChan:  make(chan []byte, opts.SendBuffer),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
	}
	c.logger = logger.With("connId", id, "userId", session.UserID, "transport", transport.Kind())
	c.Touch()
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

// NodeID 连接所在节点
func (c *Connection) NodeID() string {
	return c.nodeID
}

func (c *Connection) UserID() int64 {
	return c.session.UserID
}

func (c *Connection) DeviceID() string {
	return c.session.DeviceID
}

func (c *Connection) Platform() string {
	return c.session.Platform
}

func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}

// Send 非阻塞入队；队列满视为慢消费者，异步关闭连接
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		c.logger.Warn("Send buffer full, closing slow connection", "buffer", c.opts.SendBuffer)
		go c.CloseWithReason(CloseSlowConsumer, "slow consumer")
		return ErrSlowConsumer
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
			err := c.transport.WriteFrame(ctx, data)
			cancel()
			if err != nil {
				c.logger.Debug("Failed to write frame", "error", err)
				c.CloseWithReason(CloseGoingAway, "write failed")
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// ReadLoop 顺序读取帧并交给 handle，直到连接关闭或出错。
// 每收到一帧刷新活跃时间。
func (c *Connection) ReadLoop(ctx context.Context, handle func(data []byte)) error {
	for {
		data, err := c.transport.ReadFrame(ctx)
		if err != nil {
			select {
			case <-c.closeChan:
				return ErrConnectionClosed
			default:
				return err
			}
		}
		c.Touch()
		handle(data)
	}
}

// OnClose 注册关闭回调，关闭后注册的回调立即执行
func (c *Connection) OnClose(fn func(*Connection)) {
	c.onCloseMu.Lock()
	select {
	case <-c.closeChan:
		c.onCloseMu.Unlock()
		fn(c)
		return
	default:
	}
	c.onClose = append(c.onClose, fn)
	c.onCloseMu.Unlock()
}

// Close 正常关闭
func (c *Connection) Close() {
	c.CloseWithReason(CloseNormal, "connection closed")
}

// CloseWithReason 关闭连接，只生效一次
func (c *Connection) CloseWithReason(code int, reason string) {
	c.closeOnce.Do(func() {
		c.onCloseMu.Lock()
		close(c.closeChan)
		callbacks := c.onClose
		c.onClose = nil
		c.onCloseMu.Unlock()

		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug("Transport close error", "error", err)
		}
		for _, fn := range callbacks {
			fn(c)
		}
	})
}

// Done 关闭信号
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

// Closed 是否已关闭
func (c *Connection) Closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Touch 刷新活跃时间
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActiveTime 最后活跃时间
func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}
