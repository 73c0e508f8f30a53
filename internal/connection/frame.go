package connection

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WebTransport 流上的帧格式: 4 字节长度 + 2 字节类型 + 消息体
const (
	HeaderSize = 6

	MsgTypeHeartbeat uint16 = 0
	MsgTypeAuth      uint16 = 1
	MsgTypeAuthAck   uint16 = 2
	MsgTypeEvent     uint16 = 10
)

var ErrFrameTooLarge = errors.New("frame too large")

// ReadFrame 读取一帧，maxSize > 0 时限制消息体大小
func ReadFrame(r io.Reader, maxSize int) (uint16, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	msgType := binary.BigEndian.Uint16(header[4:6])
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}

// BuildFrame 组装一帧
func BuildFrame(msgType uint16, body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	binary.BigEndian.PutUint16(frame[4:6], msgType)
	copy(frame[HeaderSize:], body)
	return frame
}

// WriteFrame 写出一帧
func WriteFrame(w io.Writer, msgType uint16, body []byte) error {
	_, err := w.Write(BuildFrame(msgType, body))
	return err
}
