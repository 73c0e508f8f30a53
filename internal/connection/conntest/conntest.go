// Package conntest 提供内存传输，供其它包在测试中构造连接
package conntest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/pkg/proto"
)

// Transport 内存传输，写出的帧可通过 Frames 读取
type Transport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	notify    chan struct{}
}

func NewTransport() *Transport {
	return &Transport{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

func (t *Transport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) WriteFrame(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	t.mu.Lock()
	t.written = append(t.written, data)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) Close(code int, _ string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeCode = code
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *Transport) RemoteAddr() string { return "memory" }
func (t *Transport) Kind() string       { return "memory" }

// Push 模拟客户端发来一帧
func (t *Transport) Push(data []byte) {
	t.inbound <- data
}

func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// Frames 已写出的帧快照
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	copy(out, t.written)
	return out
}

// Envelopes 已写出帧的信封，便于按事件断言
func (t *Transport) Envelopes() []proto.Envelope {
	frames := t.Frames()
	out := make([]proto.Envelope, 0, len(frames))
	for _, f := range frames {
		var env proto.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// EventsNamed 指定事件名的帧
func (t *Transport) EventsNamed(event proto.Event) []proto.Envelope {
	var out []proto.Envelope
	for _, env := range t.Envelopes() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// WaitFor 等待出现至少 n 个指定事件，超时返回已有的
func (t *Transport) WaitFor(event proto.Event, n int, timeout time.Duration) []proto.Envelope {
	deadline := time.After(timeout)
	for {
		if got := t.EventsNamed(event); len(got) >= n {
			return got
		}
		select {
		case <-t.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			return t.EventsNamed(event)
		}
	}
}

// Discard 丢弃日志
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewConn 创建绑定内存传输的连接
func NewConn(userID int64, nodeID string) (*connection.Connection, *Transport) {
	tr := NewTransport()
	conn := connection.New(tr, connection.SessionInfo{
		UserID:   userID,
		DeviceID: "test-device",
		Platform: "web",
	}, nodeID, connection.Options{SendBuffer: 256}, Discard())
	return conn, tr
}
