package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryEventHasPayload(t *testing.T) {
	seen := make(map[Event]bool)
	for _, e := range AllEvents {
		require.False(t, seen[e], "duplicate event %s", e)
		seen[e] = true

		p := NewPayload(e)
		require.NotNil(t, p, "event %s has no payload", e)
		assert.Equal(t, e, p.Event())
	}
	assert.Len(t, AllEvents, 28)
	assert.False(t, Event("video-call-ring").Valid())
}

func TestDecode_SendMessage(t *testing.T) {
	raw := []byte(`{"event":"send-message","ackId":"a1","data":{"conversationId":"42","text":"hello","media":[{"url":"https://cdn/x.jpg","type":"image"}]}}`)

	frame, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventSendMessage, frame.Event)
	assert.Equal(t, "a1", frame.AckID)

	msg, ok := frame.Payload.(*SendMessage)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ConversationID)
	assert.Equal(t, "hello", msg.Text)
	require.Len(t, msg.Media, 1)
	assert.Equal(t, "image", msg.Media[0].Type)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"event":"no-such-event"}`))
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	_, err = Decode([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Decode([]byte(`{"event":"join-room","data":{"roomId":true}}`))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecode_EmptyData(t *testing.T) {
	frame, err := Decode([]byte(`{"event":"heartbeat"}`))
	require.NoError(t, err)
	_, ok := frame.Payload.(*Heartbeat)
	assert.True(t, ok)
}

func TestSignalPayloadIsOpaque(t *testing.T) {
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`)
	out, err := Encode(&VideoCallOffer{CallID: "c1", To: 7, Payload: sdp})
	require.NoError(t, err)

	frame, err := Decode(out)
	require.NoError(t, err)
	offer := frame.Payload.(*VideoCallOffer)
	assert.JSONEq(t, string(sdp), string(offer.Payload))
	assert.Equal(t, int64(7), offer.To)
}

func TestEncodeReplyAndError(t *testing.T) {
	out, err := EncodeReply(EventSendMessage, "ack-9", SendMessageResult{
		Message: Message{ID: 1, ConversationID: 2, SenderID: 3, Text: "hi"},
		IsNew:   true,
	})
	require.NoError(t, err)

	frame, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, "ack-9", frame.AckID)

	var result SendMessageResult
	require.NoError(t, frame.DecodeInto(&result))
	assert.True(t, result.IsNew)
	assert.Equal(t, "hi", result.Message.Text)

	out, err = EncodeError(EventReadMessage, "ack-10", 13002, "message not found")
	require.NoError(t, err)
	frame, err = Decode(out)
	require.NoError(t, err)
	require.NotNil(t, frame.Error)
	assert.Equal(t, 13002, frame.Error.Code)
}

func TestIDListJSON(t *testing.T) {
	ids := IDList{1, 9007199254740993}
	b, err := json.Marshal(ids)
	require.NoError(t, err)
	assert.Equal(t, `["1","9007199254740993"]`, string(b))

	var back IDList
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ids, back)

	require.NoError(t, json.Unmarshal([]byte(`[3,4]`), &back))
	assert.Equal(t, IDList{3, 4}, back)
	assert.True(t, back.Contains(4))
}

func TestMessageIDsEncodeAsStrings(t *testing.T) {
	b, err := json.Marshal(Message{ID: 9007199254740993, ConversationID: 1, SenderID: 2})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id":"9007199254740993"`)
	assert.Contains(t, string(b), `"readBy":null`)
}
