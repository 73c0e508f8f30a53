package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport 内存传输，inbound 供 ReadFrame 读取，写出的帧记录在 written
type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	block     chan struct{} // 非 nil 时 WriteFrame 阻塞直到关闭

	mu        sync.Mutex
	written   [][]byte
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "test" }
func (f *fakeTransport) Kind() string       { return "fake" }

func (f *fakeTransport) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func TestConnection_SendPreservesOrder(t *testing.T) {
	tr := newFakeTransport()
	conn := New(tr, SessionInfo{UserID: 1}, "node-1", Options{SendBuffer: 64}, testLogger())
	defer conn.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.Send([]byte{byte(i)}))
	}

	require.Eventually(t, func() bool { return len(tr.Written()) == 20 }, time.Second, 5*time.Millisecond)
	for i, frame := range tr.Written() {
		assert.Equal(t, []byte{byte(i)}, frame)
	}
}

func TestConnection_SlowConsumerClosed(t *testing.T) {
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	conn := New(tr, SessionInfo{UserID: 1}, "node-1", Options{SendBuffer: 2}, testLogger())

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = conn.Send([]byte("x"))
	}
	assert.True(t, errors.Is(err, ErrSlowConsumer))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("slow connection was not closed")
	}
	require.Eventually(t, func() bool { return tr.CloseCode() == CloseSlowConsumer }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, conn.Send([]byte("y")), ErrConnectionClosed)
}

func TestConnection_ReadLoopAndOnClose(t *testing.T) {
	tr := newFakeTransport()
	conn := New(tr, SessionInfo{UserID: 5}, "node-1", Options{}, testLogger())

	var closedCount int32
	conn.OnClose(func(*Connection) { atomic.AddInt32(&closedCount, 1) })

	tr.inbound <- []byte("a")
	tr.inbound <- []byte("b")

	var got [][]byte
	done := make(chan error, 1)
	go func() {
		done <- conn.ReadLoop(context.Background(), func(data []byte) {
			got = append(got, data)
			if len(got) == 2 {
				conn.Close()
			}
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)

	conn.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&closedCount))

	// 关闭后注册的回调立即执行
	conn.OnClose(func(*Connection) { atomic.AddInt32(&closedCount, 1) })
	assert.Equal(t, int32(2), atomic.LoadInt32(&closedCount))
}

func TestManager_FirstAndLastConnection(t *testing.T) {
	m := NewManager(0)

	c1 := New(newFakeTransport(), SessionInfo{UserID: 7}, "n", Options{}, testLogger())
	c2 := New(newFakeTransport(), SessionInfo{UserID: 7}, "n", Options{}, testLogger())
	defer c1.Close()
	defer c2.Close()

	first, err := m.Add(c1)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = m.Add(c2)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Len(t, m.GetByUserID(7), 2)
	assert.True(t, m.IsOnline(7))

	_, last := m.Remove(c1.ID())
	assert.False(t, last)
	removed, last := m.Remove(c2.ID())
	assert.True(t, last)
	assert.Equal(t, c2, removed)
	assert.False(t, m.IsOnline(7))

	removed, _ = m.Remove(c2.ID())
	assert.Nil(t, removed)
}

func TestManager_MaxConnections(t *testing.T) {
	m := NewManager(1)
	c1 := New(newFakeTransport(), SessionInfo{UserID: 1}, "n", Options{}, testLogger())
	c2 := New(newFakeTransport(), SessionInfo{UserID: 2}, "n", Options{}, testLogger())
	defer c1.Close()
	defer c2.Close()

	_, err := m.Add(c1)
	require.NoError(t, err)
	_, err = m.Add(c2)
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestHeartbeatChecker_ClosesSilentConnections(t *testing.T) {
	m := NewManager(0)
	stale := New(newFakeTransport(), SessionInfo{UserID: 1}, "n", Options{}, testLogger())
	fresh := New(newFakeTransport(), SessionInfo{UserID: 2}, "n", Options{}, testLogger())
	defer fresh.Close()
	_, _ = m.Add(stale)
	_, _ = m.Add(fresh)

	var timedOut []int64
	checker := NewHeartbeatChecker(m, 60*time.Second, 30*time.Second, testLogger(), func(c *Connection) {
		timedOut = append(timedOut, c.UserID())
	})

	// 模拟 61 秒后 fresh 刚发过心跳
	future := time.Now().Add(61 * time.Second)
	fresh.lastActive.Store(future.UnixNano())

	n := checker.Check(future)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{1}, timedOut)
	assert.True(t, stale.Closed())
	assert.False(t, fresh.Closed())
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgTypeEvent, []byte(`{"event":"heartbeat"}`)))
	require.NoError(t, WriteFrame(&buf, MsgTypeHeartbeat, nil))

	msgType, body, err := ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeEvent, msgType)
	assert.Equal(t, `{"event":"heartbeat"}`, string(body))

	msgType, body, err = ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, msgType)
	assert.Empty(t, body)

	_, _, err = ReadFrame(&buf, 1024)
	assert.ErrorIs(t, err, io.EOF)

	buf.Write(BuildFrame(MsgTypeEvent, make([]byte, 100)))
	_, _, err = ReadFrame(&buf, 10)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
