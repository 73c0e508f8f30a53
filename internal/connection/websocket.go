package connection

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteWait = time.Second

// WebSocketTransport 基于 gorilla/websocket 的传输，一条文本消息即一帧
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport maxFrameSize > 0 时限制单帧大小
func NewWebSocketTransport(conn *websocket.Conn, maxFrameSize int) *WebSocketTransport {
	if maxFrameSize > 0 {
		conn.SetReadLimit(int64(maxFrameSize))
	}
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *WebSocketTransport) WriteFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	return t.conn.Close()
}

func (t *WebSocketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *WebSocketTransport) Kind() string {
	return "websocket"
}
