package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

const (
	writeWait    = 10 * time.Second
	eventBacklog = 256
)

// ErrClientClosed 连接已关闭
var ErrClientClosed = errors.New("chatsync: client closed")

// Client WebSocket 客户端。带 ackId 的请求等待同 ackId 的应答，其余帧作为事件投递到 Events()
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan proto.Envelope

	events    chan *proto.Frame
	seq       atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
	err       error
	logger    *slog.Logger
}

// Dial 连接 ws://host/ws，token 作为查询参数
func Dial(ctx context.Context, wsURL, token string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan proto.Envelope),
		events:  make(chan *proto.Frame, eventBacklog),
		done:    make(chan struct{}),
		logger:  logger.With("component", "chatsync-client"),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}
		if env.AckID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.AckID]
			delete(c.pending, env.AckID)
			c.mu.Unlock()
			if ok {
				ch <- env
				continue
			}
		}

		f, err := proto.Decode(data)
		if err != nil {
			c.logger.Debug("Dropping undecodable frame", "event", env.Event, "error", err)
			continue
		}
		select {
		case c.events <- f:
		default:
			c.logger.Warn("Event backlog full, dropping event", "event", f.Event)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) write(data []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Request 发送请求并等待应答，out 非 nil 时解出应答数据
func (c *Client) Request(ctx context.Context, p proto.Payload, out any) error {
	ackID := strconv.FormatUint(c.seq.Add(1), 10)
	frame, err := proto.EncodeRequest(p, ackID)
	if err != nil {
		return err
	}

	ch := make(chan proto.Envelope, 1)
	c.mu.Lock()
	c.pending[ackID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ackID)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	case env := <-ch:
		if env.Error != nil {
			return apperrors.NewError(env.Error.Code, env.Error.Message)
		}
		if out != nil && len(env.Data) > 0 {
			return json.Unmarshal(env.Data, out)
		}
		return nil
	}
}

// Emit 发送不需要应答的事件
func (c *Client) Emit(p proto.Payload) error {
	frame, err := proto.Encode(p)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Events 服务端推送；连接关闭后通道关闭
func (c *Client) Events() <-chan *proto.Frame {
	return c.events
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err 连接关闭的原因
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) SendMessage(ctx context.Context, req proto.SendMessage) (*proto.SendMessageResult, error) {
	var out proto.SendMessageResult
	if err := c.Request(ctx, &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) JoinRoom(ctx context.Context, conversationID int64) error {
	return c.Request(ctx, &proto.JoinRoom{RoomID: conversationID}, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, conversationID int64) error {
	return c.Request(ctx, &proto.LeaveRoom{RoomID: conversationID}, nil)
}

func (c *Client) Read(ctx context.Context, conversationID, messageID int64) (*proto.ReadMessage, error) {
	var out proto.ReadMessage
	if err := c.Request(ctx, &proto.ReadMessage{ConversationID: conversationID, MessageID: messageID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Heartbeat(ctx context.Context) (*proto.Heartbeat, error) {
	var out proto.Heartbeat
	if err := c.Request(ctx, &proto.Heartbeat{ClientTime: time.Now().UnixMilli()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KeepAlive 按间隔发送心跳直到 ctx 结束或连接关闭
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, interval)
			if _, err := c.Heartbeat(hctx); err != nil {
				c.logger.Warn("Heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

// Close 正常关闭
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClientClosed)
	return nil
}
