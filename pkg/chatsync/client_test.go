package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
)

// echoServer 按请求应答，send-message 额外推送一条 receive-message；token=drop 时握手后立即断开
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token != "good" && token != "drop" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if token == "drop" {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := proto.Decode(data)
			if err != nil {
				return
			}
			var out []byte
			switch p := f.Payload.(type) {
			case *proto.SendMessage:
				m := proto.Message{ID: 1001, ConversationID: p.ConversationID, SenderID: 1, Text: p.Text}
				push, _ := proto.Encode(&proto.ReceiveMessage{Message: m, ClientMsgID: p.ClientMsgID})
				_ = conn.WriteMessage(websocket.TextMessage, push)
				out, _ = proto.EncodeReply(f.Event, f.AckID, proto.SendMessageResult{Message: m, ClientMsgID: p.ClientMsgID})
			case *proto.Heartbeat:
				out, _ = proto.EncodeReply(f.Event, f.AckID, proto.Heartbeat{ClientTime: p.ClientTime, ServerTime: 1})
			default:
				out, _ = proto.EncodeError(f.Event, f.AckID, apperrors.CodeNotParticipant, "not a participant of this conversation")
			}
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_RequestReplyAndEvents(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, wsURL(srv), "good", nil)
	require.NoError(t, err)
	defer c.Close()

	hb, err := c.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hb.ServerTime)

	s := New(newFakeFetcher(), Options{SelfID: 1})
	tempID, res, err := s.Send(ctx, c, proto.SendMessage{ConversationID: 5, Text: "chào"})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), res.Message.ID)
	assert.Equal(t, tempID, res.ClientMsgID)

	select {
	case f := <-c.Events():
		assert.Equal(t, proto.EventReceiveMessage, f.Event)
		require.NoError(t, s.HandleFrame(ctx, f))
	case <-ctx.Done():
		t.Fatal("no receive-message event")
	}
	item, _ := s.Outgoing(tempID)
	assert.Equal(t, StatePersisted, item.State)

	err = c.JoinRoom(ctx, 5)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
}

func TestClient_DialRejected(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), "bad", nil)
	assert.Error(t, err)
}

func TestClient_ClosedConnection(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	c, err := Dial(context.Background(), wsURL(srv), "drop", nil)
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice closed connection")
	}
	assert.Error(t, c.Err())
	_, err = c.Heartbeat(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestHTTPFetcher(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/conversations/5/messages":
			assert.Equal(t, "10", r.URL.Query().Get("before"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "message": "success",
				"data": proto.MessagePage{Items: []proto.Message{{ID: 9, ConversationID: 5}}, HasMore: true, NextBefore: 9},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/messages":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "2", body["receiverId"])
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "message": "success",
				"data": proto.SendMessageResult{Message: proto.Message{ID: 11}, IsNew: true, Conversation: &proto.Conversation{ID: 6}},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"code": apperrors.CodeConversationNotFound, "message": "conversation not found"})
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL+"/api/v1/", "tok", nil)
	ctx := context.Background()

	page, err := f.Messages(ctx, 5, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(9), page.NextBefore)
	assert.Equal(t, "Bearer tok", gotAuth)

	res, err := f.SendMessage(ctx, proto.SendMessage{ReceiverID: 2, Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, int64(6), res.Conversation.ID)

	_, err = f.Conversation(ctx, 404)
	assert.True(t, apperrors.Is(err, apperrors.ErrConversationNotFound))
}
