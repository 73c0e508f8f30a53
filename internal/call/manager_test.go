package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.messenger/internal/connection/conntest"
	"sudooom.im.messenger/internal/task"
	"sudooom.im.messenger/internal/workerpool"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/signaling"
)

type fakeConversations map[int64]*proto.Conversation

func (f fakeConversations) Get(_ context.Context, userID, conversationID int64) (*proto.Conversation, error) {
	conv, ok := f[conversationID]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	if !conv.Participants.Contains(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	return conv, nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[int64]bool
}

func newPresence(ids ...int64) *fakePresence {
	p := &fakePresence{online: make(map[int64]bool)}
	for _, id := range ids {
		p.online[id] = true
	}
	return p
}

func (p *fakePresence) IsOnline(_ context.Context, userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func (p *fakePresence) set(userID int64, online bool) {
	p.mu.Lock()
	p.online[userID] = online
	p.mu.Unlock()
}

// recorder 按用户记录推送，连接定向推送记在 conn 下
type recorder struct {
	mu    sync.Mutex
	users map[int64][]proto.Envelope
	conns map[int64][]proto.Envelope
}

func newRecorder() *recorder {
	return &recorder{users: make(map[int64][]proto.Envelope), conns: make(map[int64][]proto.Envelope)}
}

func decode(frame []byte) proto.Envelope {
	var env proto.Envelope
	_ = json.Unmarshal(frame, &env)
	return env
}

func (r *recorder) ToUsers(userIDs []int64, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range userIDs {
		r.users[id] = append(r.users[id], decode(frame))
	}
	return len(userIDs)
}

func (r *recorder) ToConn(_ string, connID int64, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = append(r.conns[connID], decode(frame))
	return true
}

func (r *recorder) events(userID int64) []proto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proto.Event, 0, len(r.users[userID]))
	for _, env := range r.users[userID] {
		out = append(out, env.Event)
	}
	return out
}

func (r *recorder) connEvents(connID int64) []proto.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Envelope(nil), r.conns[connID]...)
}

func (r *recorder) last(userID int64, event proto.Event) (proto.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	envs := r.users[userID]
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Event == event {
			return envs[i], true
		}
	}
	return proto.Envelope{}, false
}

type fakeForwarder struct {
	mu  sync.Mutex
	got []*proto.CallForward
}

func (f *fakeForwarder) PublishCall(ev *proto.CallForward) error {
	f.mu.Lock()
	f.got = append(f.got, ev)
	f.mu.Unlock()
	return nil
}

const (
	privateConv int64 = 100
	groupConv   int64 = 200
)

func conversations() fakeConversations {
	return fakeConversations{
		privateConv: {ID: privateConv, Type: proto.ConversationPrivate, Participants: proto.IDList{1, 2}},
		groupConv:   {ID: groupConv, Type: proto.ConversationGroup, Participants: proto.IDList{1, 2, 3, 4}},
		300:         {ID: 300, Type: proto.ConversationPrivate, Participants: proto.IDList{2, 5}},
	}
}

func origin(userID int64) Origin {
	return Origin{NodeID: "1", ConnID: userID * 10, UserID: userID}
}

func newTestManager(presence Presence, timer Timer, forwarder Forwarder) (*Manager, *recorder) {
	rec := newRecorder()
	m := NewManager(conversations(), presence, rec, forwarder, timer, Options{NodeID: "1", RingTimeout: time.Minute}, conntest.Discard())
	return m, rec
}

func TestInitiateThenEndBeforeAccept(t *testing.T) {
	m, rec := newTestManager(newPresence(1, 2), nil, nil)

	ev, err := m.Initiate(context.Background(), origin(1), privateConv, "")
	require.NoError(t, err)
	assert.Equal(t, proto.CallVideo, ev.CallType)
	assert.NotEmpty(t, ev.CallID)

	snap, ok := m.Snapshot(ev.CallID)
	require.True(t, ok)
	assert.Equal(t, signaling.StateRinging, snap.State)
	assert.Equal(t, []int64{2}, snap.Invited)

	require.NoError(t, m.End(origin(1), ev.CallID, ""))

	// 两侧客户端状态机按收到的事件推进
	caller := signaling.NewMachine(signaling.RoleCaller, nil)
	_, _ = caller.Fire(proto.EventVideoCallInitiate)
	for _, env := range rec.connEvents(10) {
		_, _ = caller.Fire(env.Event)
	}
	for _, e := range rec.events(1) {
		_, _ = caller.Fire(e)
	}
	callee := signaling.NewMachine(signaling.RoleCallee, nil)
	for _, e := range rec.events(2) {
		_, _ = callee.Fire(e)
	}

	assert.Equal(t, []proto.Event{proto.EventVideoCallInitiated, proto.EventVideoCallEnd}, rec.events(2))
	assert.Equal(t, signaling.StateEnded, caller.State())
	assert.Equal(t, signaling.StateEnded, callee.State())

	_, ok = m.Snapshot(ev.CallID)
	assert.False(t, ok)
	_, inCall := m.CallOf(2)
	assert.False(t, inCall)
	assert.Zero(t, m.ActiveCount())
}

func TestInitiateTargetOffline(t *testing.T) {
	m, rec := newTestManager(newPresence(1), nil, nil)

	env, err := proto.EncodeRequest(&proto.VideoCallInitiate{ConversationID: privateConv}, "a1")
	require.NoError(t, err)
	f, err := proto.Decode(env)
	require.NoError(t, err)

	_, err = m.Handle(context.Background(), origin(1), f)
	assert.True(t, apperrors.Is(err, apperrors.ErrTargetOffline))
	assert.Zero(t, m.ActiveCount())

	pushed := rec.connEvents(10)
	require.Len(t, pushed, 1)
	assert.Equal(t, proto.EventVideoCallError, pushed[0].Event)
	var body proto.VideoCallError
	require.NoError(t, json.Unmarshal(pushed[0].Data, &body))
	assert.Equal(t, "target offline", body.Reason)
	assert.Equal(t, privateConv, body.ConversationID)
}

func TestInitiateValidation(t *testing.T) {
	m, _ := newTestManager(newPresence(1, 2, 3), nil, nil)
	ctx := context.Background()

	_, err := m.Initiate(ctx, origin(1), privateConv, "hologram")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidCallType))

	_, err = m.Initiate(ctx, origin(3), privateConv, proto.CallAudio)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
	assert.Zero(t, m.ActiveCount())
}

func TestInitiateBusy(t *testing.T) {
	m, _ := newTestManager(newPresence(1, 2, 5), nil, nil)
	ctx := context.Background()

	_, err := m.Initiate(ctx, origin(1), privateConv, proto.CallAudio)
	require.NoError(t, err)

	_, err = m.Initiate(ctx, origin(2), privateConv, proto.CallAudio)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallBusy), "live private call on the conversation")

	_, err = m.Initiate(ctx, origin(5), 300, proto.CallAudio)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallBusy), "callee already ringing elsewhere")
	assert.Equal(t, 1, m.ActiveCount())
}

func TestAcceptAndRelay(t *testing.T) {
	m, rec := newTestManager(newPresence(1, 2), nil, nil)
	ev, err := m.Initiate(context.Background(), origin(1), privateConv, proto.CallVideo)
	require.NoError(t, err)

	offer := &proto.SignalRelay{CallID: ev.CallID, Payload: json.RawMessage(`{"sdp":"v=0"}`)}
	err = m.Relay(origin(1), proto.EventVideoCallOffer, offer)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallState), "no media before accept")

	err = m.Accept(origin(3), ev.CallID)
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))

	require.NoError(t, m.Accept(origin(2), ev.CallID))
	require.NoError(t, m.Accept(origin(2), ev.CallID), "accept is idempotent")
	snap, _ := m.Snapshot(ev.CallID)
	assert.Equal(t, signaling.StateActive, snap.State)
	assert.ElementsMatch(t, []int64{1, 2}, snap.Joined)
	assert.Contains(t, rec.events(1), proto.EventVideoCallAccept)

	require.NoError(t, m.Relay(origin(1), proto.EventVideoCallOffer, offer))
	got, ok := rec.last(2, proto.EventVideoCallOffer)
	require.True(t, ok)
	var relayed proto.VideoCallOffer
	require.NoError(t, json.Unmarshal(got.Data, &relayed))
	assert.Equal(t, int64(1), relayed.From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(relayed.Payload))

	require.NoError(t, m.Relay(origin(2), proto.EventVideoCallAnswer, &proto.SignalRelay{CallID: ev.CallID, To: 1, Payload: json.RawMessage(`{}`)}))
	_, ok = rec.last(1, proto.EventVideoCallAnswer)
	assert.True(t, ok)

	err = m.Relay(origin(2), proto.EventVideoCallIceCandidate, &proto.SignalRelay{CallID: ev.CallID, To: 3, Payload: json.RawMessage(`{}`)})
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden), "relay target must be in the call")

	require.NoError(t, m.Leave(2, ev.CallID, ReasonEnded))
	assert.Zero(t, m.ActiveCount(), "active call ends below two participants")
	end, ok := rec.last(1, proto.EventVideoCallEnd)
	require.True(t, ok)
	assert.Contains(t, string(end.Data), ev.CallID)
}

func TestRejectPrivate(t *testing.T) {
	m, rec := newTestManager(newPresence(1, 2), nil, nil)
	ev, err := m.Initiate(context.Background(), origin(1), privateConv, proto.CallVideo)
	require.NoError(t, err)

	require.NoError(t, m.Reject(origin(2), ev.CallID))
	assert.Equal(t, []proto.Event{proto.EventVideoCallReject, proto.EventVideoCallEnd}, rec.events(1))
	assert.Zero(t, m.ActiveCount())

	err = m.Reject(origin(2), ev.CallID)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallNotFound))
}

func TestGroupCall(t *testing.T) {
	presence := newPresence(1, 2, 3)
	m, rec := newTestManager(presence, nil, nil)
	ctx := context.Background()

	ev, err := m.Initiate(ctx, origin(1), groupConv, proto.CallVideo)
	require.NoError(t, err)
	snap, _ := m.Snapshot(ev.CallID)
	assert.ElementsMatch(t, []int64{2, 3}, snap.Invited, "offline members are not rung")

	require.NoError(t, m.Accept(origin(2), ev.CallID))
	assert.Contains(t, rec.events(1), proto.EventVideoCallParticipantJoined)

	require.NoError(t, m.Reject(origin(3), ev.CallID))
	snap, ok := m.Snapshot(ev.CallID)
	require.True(t, ok, "group call survives a reject once someone accepted")
	assert.Empty(t, snap.Invited)

	// 后上线的成员发起即加入
	presence.set(4, true)
	joined, err := m.Initiate(ctx, origin(4), groupConv, proto.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, ev.CallID, joined.CallID)
	assert.Equal(t, int64(1), joined.CallerID)
	assert.Contains(t, rec.events(2), proto.EventVideoCallParticipantJoined)

	_, err = m.Initiate(ctx, origin(4), groupConv, proto.CallVideo)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallBusy))

	require.NoError(t, m.Leave(2, ev.CallID, ReasonEnded))
	snap, _ = m.Snapshot(ev.CallID)
	assert.ElementsMatch(t, []int64{1, 4}, snap.Joined)
	assert.Contains(t, rec.events(4), proto.EventVideoCallParticipantLeft)

	m.Disconnect(4)
	assert.Zero(t, m.ActiveCount())
	assert.Contains(t, rec.events(1), proto.EventVideoCallEnd)
}

func TestGroupAllRejectEndsCall(t *testing.T) {
	m, rec := newTestManager(newPresence(1, 2, 3), nil, nil)
	ev, err := m.Initiate(context.Background(), origin(1), groupConv, proto.CallAudio)
	require.NoError(t, err)

	require.NoError(t, m.Reject(origin(2), ev.CallID))
	assert.Equal(t, 1, m.ActiveCount())
	require.NoError(t, m.Reject(origin(3), ev.CallID))
	assert.Zero(t, m.ActiveCount())

	end, ok := rec.last(1, proto.EventVideoCallEnd)
	require.True(t, ok)
	var body proto.VideoCallEnd
	require.NoError(t, json.Unmarshal(end.Data, &body))
	assert.Equal(t, ReasonRejected, body.Reason)
}

func TestCallerDisconnectWhileRinging(t *testing.T) {
	m, rec := newTestManager(newPresence(1, 2), nil, nil)
	ev, err := m.Initiate(context.Background(), origin(1), privateConv, proto.CallVideo)
	require.NoError(t, err)

	m.Disconnect(1)
	assert.Zero(t, m.ActiveCount())

	end, ok := rec.last(2, proto.EventVideoCallEnd)
	require.True(t, ok)
	var body proto.VideoCallEnd
	require.NoError(t, json.Unmarshal(end.Data, &body))
	assert.Equal(t, ev.CallID, body.CallID)
	assert.Equal(t, ReasonCallerLeft, body.Reason)

	m.Disconnect(1)
}

func TestRingTimeout(t *testing.T) {
	pool := workerpool.New(2, 16, conntest.Discard())
	defer pool.Shutdown()
	scheduler := task.NewScheduler(task.NewTimeWheel(10, 10*time.Millisecond), pool, conntest.Discard())
	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	rec := newRecorder()
	m := NewManager(conversations(), newPresence(1, 2), rec, nil, scheduler,
		Options{NodeID: "1", RingTimeout: 30 * time.Millisecond}, conntest.Discard())

	ev, err := m.Initiate(context.Background(), origin(1), privateConv, proto.CallVideo)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	errEnv, ok := rec.last(1, proto.EventVideoCallError)
	require.True(t, ok)
	var body proto.VideoCallError
	require.NoError(t, json.Unmarshal(errEnv.Data, &body))
	assert.Equal(t, ev.CallID, body.CallID)
	assert.Equal(t, "timeout", body.Reason)
	assert.Equal(t, apperrors.CodeCallTimeout, body.Code)

	_, ok = rec.last(2, proto.EventVideoCallEnd)
	assert.True(t, ok)
}

func TestAcceptCancelsRingTimeout(t *testing.T) {
	pool := workerpool.New(2, 16, conntest.Discard())
	defer pool.Shutdown()
	scheduler := task.NewScheduler(task.NewTimeWheel(10, 10*time.Millisecond), pool, conntest.Discard())
	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	rec := newRecorder()
	m := NewManager(conversations(), newPresence(1, 2), rec, nil, scheduler,
		Options{NodeID: "1", RingTimeout: 30 * time.Millisecond}, conntest.Discard())

	ev, err := m.Initiate(context.Background(), origin(1), privateConv, proto.CallVideo)
	require.NoError(t, err)
	require.NoError(t, m.Accept(origin(2), ev.CallID))

	time.Sleep(80 * time.Millisecond)
	snap, ok := m.Snapshot(ev.CallID)
	require.True(t, ok)
	assert.Equal(t, signaling.StateActive, snap.State)
	_, timedOut := rec.last(1, proto.EventVideoCallError)
	assert.False(t, timedOut)
}

func TestUnknownCallIsForwarded(t *testing.T) {
	fw := &fakeForwarder{}
	edge, rec := newTestManager(newPresence(1, 2), nil, fw)
	owner, ownerRec := newTestManager(newPresence(1, 2), nil, nil)

	ev, err := owner.Initiate(context.Background(), origin(1), privateConv, proto.CallVideo)
	require.NoError(t, err)

	raw, err := proto.EncodeRequest(&proto.VideoCallAccept{CallID: ev.CallID}, "ack-1")
	require.NoError(t, err)
	f, err := proto.Decode(raw)
	require.NoError(t, err)

	o := Origin{NodeID: "2", ConnID: 77, UserID: 2}
	_, err = edge.Handle(context.Background(), o, f)
	require.NoError(t, err)
	assert.Empty(t, rec.connEvents(77))
	require.Len(t, fw.got, 1)
	assert.Equal(t, int64(77), fw.got[0].ConnID)

	// 其它节点也会收到，但没有该会话时忽略
	edge.HandleCallForward(context.Background(), fw.got[0])
	assert.Len(t, fw.got, 1)

	owner.HandleCallForward(context.Background(), fw.got[0])
	snap, ok := owner.Snapshot(ev.CallID)
	require.True(t, ok)
	assert.Equal(t, signaling.StateActive, snap.State)
	assert.Contains(t, ownerRec.events(1), proto.EventVideoCallAccept)
}

func TestUnknownCallWithoutCluster(t *testing.T) {
	m, rec := newTestManager(newPresence(1, 2), nil, nil)
	raw, _ := proto.EncodeRequest(&proto.VideoCallEnd{CallID: "missing"}, "")
	f, err := proto.Decode(raw)
	require.NoError(t, err)

	_, err = m.Handle(context.Background(), origin(1), f)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallNotFound))
	pushed := rec.connEvents(10)
	require.Len(t, pushed, 1)
	assert.Equal(t, proto.EventVideoCallError, pushed[0].Event)
}
