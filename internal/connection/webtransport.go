package connection

import (
	"context"
	"time"

	"github.com/quic-go/webtransport-go"
)

// WebTransportTransport 认证通过后，客户端在唯一的双向流上收发所有帧
type WebTransportTransport struct {
	session  *webtransport.Session
	stream   *webtransport.Stream
	maxFrame int
}

func NewWebTransportTransport(session *webtransport.Session, stream *webtransport.Stream, maxFrameSize int) *WebTransportTransport {
	return &WebTransportTransport{session: session, stream: stream, maxFrame: maxFrameSize}
}

// ReadFrame 返回事件帧；裸心跳帧转成 heartbeat 事件，其它类型跳过
func (t *WebTransportTransport) ReadFrame(_ context.Context) ([]byte, error) {
	for {
		msgType, body, err := ReadFrame(t.stream, t.maxFrame)
		if err != nil {
			return nil, err
		}
		switch msgType {
		case MsgTypeEvent:
			return body, nil
		case MsgTypeHeartbeat:
			return []byte(`{"event":"heartbeat"}`), nil
		}
	}
}

func (t *WebTransportTransport) WriteFrame(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.stream.SetWriteDeadline(deadline)
	}
	return WriteFrame(t.stream, MsgTypeEvent, data)
}

func (t *WebTransportTransport) Close(code int, reason string) error {
	_ = t.stream.SetWriteDeadline(time.Now().Add(closeWriteWait))
	_ = t.stream.Close()
	return t.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (t *WebTransportTransport) RemoteAddr() string {
	return t.session.RemoteAddr().String()
}

func (t *WebTransportTransport) Kind() string {
	return "webtransport"
}
