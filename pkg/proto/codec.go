package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("proto: unknown event")
	ErrMalformed    = errors.New("proto: malformed frame")
)

// ErrorBody 应答中的错误体
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Envelope 线上帧格式
//
//	{"event": "...", "ackId": "...", "data": {...}, "error": {...}}
//
// 带 ackId 的请求恰好收到一帧同名同 ackId 的应答，data 与 error 二选一。
type Envelope struct {
	Event Event           `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// Frame 解码后的帧
type Frame struct {
	Event   Event
	AckID   string
	Payload Payload
	Error   *ErrorBody
	Raw     json.RawMessage
}

// Decode 解码一帧，data 按事件映射到具体载荷类型
func Decode(data []byte) (*Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload := NewPayload(env.Event)
	if payload == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
	}
	return &Frame{
		Event:   env.Event,
		AckID:   env.AckID,
		Payload: payload,
		Error:   env.Error,
		Raw:     env.Data,
	}, nil
}

// DecodeInto 把帧原始 data 解到 v，用于按请求类型解析应答
func (f *Frame) DecodeInto(v any) error {
	if len(f.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(f.Raw, v)
}

// Encode 编码推送事件
func Encode(p Payload) ([]byte, error) {
	return encode(p.Event(), "", p, nil)
}

// EncodeRequest 编码带 ackId 的请求
func EncodeRequest(p Payload, ackID string) ([]byte, error) {
	return encode(p.Event(), ackID, p, nil)
}

// EncodeReply 编码应答，事件名沿用请求的事件名
func EncodeReply(event Event, ackID string, data any) ([]byte, error) {
	return encode(event, ackID, data, nil)
}

// EncodeError 编码错误应答
func EncodeError(event Event, ackID string, code int, message string) ([]byte, error) {
	return encode(event, ackID, nil, &ErrorBody{Code: code, Message: message})
}

func encode(event Event, ackID string, data any, errBody *ErrorBody) ([]byte, error) {
	env := Envelope{Event: event, AckID: ackID, Error: errBody}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MustEncode 编码推送事件，载荷均为可序列化的结构体，失败即编程错误
func MustEncode(p Payload) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}
