package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.messenger/internal/api"
	"sudooom.im.messenger/internal/call"
	"sudooom.im.messenger/internal/config"
	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/connection/conntest"
	"sudooom.im.messenger/internal/fanout"
	"sudooom.im.messenger/internal/handler"
	"sudooom.im.messenger/internal/presence"
	"sudooom.im.messenger/internal/repository"
	"sudooom.im.messenger/internal/room"
	"sudooom.im.messenger/internal/service"
	"sudooom.im.messenger/pkg/chatsync"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/jwt"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/snowflake"
)

type testEnv struct {
	server   *Server
	presence *presence.Service
	jwt      *jwt.Service
	http     *httptest.Server
	wsURL    string
}

func newTestEnv(t *testing.T, maxConns int) *testEnv {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := conntest.Discard()

	cfg := &config.Config{}
	cfg.HTTP.Mode = gin.TestMode
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.Connection.SendBuffer = 64
	cfg.Connection.MaxFrameSize = 64 * 1024
	cfg.Connection.WriteTimeout = time.Second

	store := repository.NewMemoryStore()
	conns := connection.NewManager(maxConns)
	limits := service.DefaultLimits()
	convs := service.NewConversationService(store, node, limits, logger)
	rooms := room.NewManager(convs, conns)
	hub := fanout.NewHub(conns, rooms, nil, "1", logger)
	pres := presence.NewService(conns, presence.NewLocalLocations(time.Minute), store, hub, nil, presence.Options{NodeID: "1"}, logger)
	messages := service.NewMessageService(store, convs, hub, service.NewMemoryUnread(), nil, node, limits, logger)
	calls := call.NewManager(convs, pres, hub, nil, nil, call.Options{NodeID: "1"}, logger)
	h := handler.NewHandler(rooms, pres, messages, calls, hub, logger)

	jwtService := jwt.NewService("test-secret", time.Hour, 24*time.Hour)
	srv := New(cfg, "1", jwtService, conns, rooms, pres, calls, h, logger)

	router := api.SetupRouter(cfg, jwtService, api.Handlers{
		Conversations: api.NewConversationHandler(convs),
		Messages:      api.NewMessageHandler(messages),
		Presence:      api.NewPresenceHandler(pres),
		WebSocket:     srv.ServeWebSocket,
	}, logger)

	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &testEnv{
		server:   srv,
		presence: pres,
		jwt:      jwtService,
		http:     ts,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (e *testEnv) dial(t *testing.T, userID int64) *chatsync.Client {
	t.Helper()
	pair, err := e.jwt.GenerateTokenPair(userID, "device-1", jwt.PlatformWeb)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := chatsync.Dial(ctx, e.wsURL, pair.AccessToken, conntest.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitEvent(t *testing.T, client *chatsync.Client, event proto.Event) *proto.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-client.Events():
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("event %s not received", event)
			return nil
		}
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, 0)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketMessageDelivery(t *testing.T) {
	env := newTestEnv(t, 0)
	alice := env.dial(t, 1)
	bob := env.dial(t, 2)

	require.Eventually(t, func() bool {
		return env.server.ConnManager().Count() == 2
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hb, err := alice.Heartbeat(ctx)
	require.NoError(t, err)
	assert.NotZero(t, hb.ServerTime)

	res, err := alice.SendMessage(ctx, proto.SendMessage{ReceiverID: 2, Text: "xin chào", ClientMsgID: "c-1"})
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, "xin chào", res.Message.Text)

	f := waitEvent(t, bob, proto.EventReceiveMessage)
	recv, ok := f.Payload.(*proto.ReceiveMessage)
	require.True(t, ok)
	assert.Equal(t, res.Message.ID, recv.Message.ID)
	assert.Equal(t, int64(1), recv.Message.SenderID)

	// 加入房间后已读回执推送给发送方
	require.NoError(t, bob.JoinRoom(ctx, res.Message.ConversationID))
	_, err = bob.Read(ctx, res.Message.ConversationID, res.Message.ID)
	require.NoError(t, err)
	waitEvent(t, alice, proto.EventReadMessage)
}

func TestDisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.dial(t, 7)

	require.Eventually(t, func() bool {
		return env.presence.IsOnline(context.Background(), 7)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return env.server.ConnManager().Count() == 0 && !env.presence.IsOnline(context.Background(), 7)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, 1)
	first := env.dial(t, 1)

	require.Eventually(t, func() bool {
		return env.server.ConnManager().Count() == 1
	}, time.Second, 10*time.Millisecond)

	second := env.dial(t, 2)
	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection over limit was not closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := first.Heartbeat(ctx)
	assert.NoError(t, err)
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, 0)
	client := env.dial(t, 3)

	require.Eventually(t, func() bool {
		return env.server.ConnManager().Count() == 1
	}, time.Second, 10*time.Millisecond)

	env.server.Shutdown()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on shutdown")
	}
	assert.Zero(t, env.server.ConnManager().Count())
}

func TestSessionFromToken(t *testing.T) {
	env := newTestEnv(t, 0)
	pair, err := env.jwt.GenerateTokenPair(9, "phone", jwt.PlatformAndroid)
	require.NoError(t, err)

	info, err := env.server.sessionFromToken(AuthRequest{Token: pair.AccessToken})
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.UserID)
	assert.Equal(t, "phone", info.DeviceID)
	assert.Equal(t, "android", info.Platform)

	info, err = env.server.sessionFromToken(AuthRequest{Token: pair.AccessToken, DeviceID: "tab", Platform: "Web"})
	require.NoError(t, err)
	assert.Equal(t, "tab", info.DeviceID)
	assert.Equal(t, "web", info.Platform)

	info, err = env.server.sessionFromToken(AuthRequest{Token: pair.AccessToken, Platform: "symbian"})
	require.NoError(t, err)
	assert.Equal(t, "unknown", info.Platform)

	_, err = env.server.sessionFromToken(AuthRequest{Token: pair.RefreshToken})
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))

	expired := jwt.NewService("test-secret", -time.Minute, time.Hour)
	old, err := expired.GenerateTokenPair(9, "phone", jwt.PlatformWeb)
	require.NoError(t, err)
	_, err = env.server.sessionFromToken(AuthRequest{Token: old.AccessToken})
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenExpired))
}
