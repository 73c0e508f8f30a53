// Package call 服务端通话会话。信令载荷只转发不解析
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sudooom.im.messenger/internal/task"
	apperrors "sudooom.im.messenger/pkg/errors"
	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/signaling"
)

const (
	ReasonEnded      = "ended"
	ReasonRejected   = "rejected"
	ReasonTimeout    = "timeout"
	ReasonCallerLeft = "caller left"
	ReasonDisconnect = "disconnected"

	DefaultRingTimeout = 45 * time.Second
)

// Conversations 查询会话，非成员返回 ErrNotParticipant
type Conversations interface {
	Get(ctx context.Context, userID, conversationID int64) (*proto.Conversation, error)
}

// Presence 在线判断，集群范围
type Presence interface {
	IsOnline(ctx context.Context, userID int64) bool
}

// Pusher 推送出口，由 fanout.Hub 实现
type Pusher interface {
	ToUsers(userIDs []int64, frame []byte) int
	ToConn(nodeID string, connID int64, frame []byte) bool
}

// Forwarder 把本节点没有的通话信令转发给其它节点
type Forwarder interface {
	PublishCall(ev *proto.CallForward) error
}

// Timer 响铃超时调度，由 task.Scheduler 实现
type Timer interface {
	AddTask(t *task.Task) error
	RemoveTask(taskID string) bool
}

// Origin 信令来源连接
type Origin struct {
	NodeID string
	ConnID int64
	UserID int64
}

type Options struct {
	NodeID      string
	RingTimeout time.Duration
	OpTimeout   time.Duration
}

// Manager 通话会话管理。会话只在发起节点维护，其它节点收到未知 callId 的信令时经 NATS 转发
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byConv   map[int64]string
	byUser   map[int64]string

	convs     Conversations
	presence  Presence
	pusher    Pusher
	forwarder Forwarder
	timer     Timer
	opts      Options
	logger    *slog.Logger
}

// NewManager forwarder 与 timer 可为 nil：单节点部署，或仅依赖客户端超时
func NewManager(convs Conversations, presence Presence, pusher Pusher, forwarder Forwarder, timer Timer, opts Options, logger *slog.Logger) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		byConv:    make(map[int64]string),
		byUser:    make(map[int64]string),
		convs:     convs,
		presence:  presence,
		pusher:    pusher,
		forwarder: forwarder,
		timer:     timer,
		opts:      opts,
		logger:    logger,
	}
}

// Handle 处理一帧通话信令。返回值用于 ack 应答；失败时同时向来源连接推送 video-call-error
func (m *Manager) Handle(ctx context.Context, o Origin, f *proto.Frame) (any, error) {
	return m.handle(ctx, o, f, false)
}

// HandleCallForward 其它节点转发来的信令，本节点没有该会话时忽略
func (m *Manager) HandleCallForward(ctx context.Context, ev *proto.CallForward) {
	f, err := proto.Decode(ev.Frame)
	if err != nil {
		m.logger.Warn("Bad forwarded call frame", "originNode", ev.OriginNode, "error", err)
		return
	}
	o := Origin{NodeID: ev.OriginNode, ConnID: ev.ConnID, UserID: ev.UserID}
	_, _ = m.handle(ctx, o, f, true)
}

func (m *Manager) handle(ctx context.Context, o Origin, f *proto.Frame, forwarded bool) (any, error) {
	var (
		result any
		callID string
		err    error
	)
	switch p := f.Payload.(type) {
	case *proto.VideoCallInitiate:
		if forwarded {
			return nil, nil
		}
		result, err = m.Initiate(ctx, o, p.ConversationID, p.CallType)
		if err != nil {
			m.pushError(o, "", p.ConversationID, err)
		}
		return result, err
	case *proto.VideoCallAccept:
		callID = p.CallID
	case *proto.VideoCallReject:
		callID = p.CallID
	case *proto.VideoCallEnd:
		callID = p.CallID
	case *proto.VideoCallOffer:
		callID = p.CallID
	case *proto.VideoCallAnswer:
		callID = p.CallID
	case *proto.VideoCallIceCandidate:
		callID = p.CallID
	case *proto.VideoCallParticipantLeft:
		callID = p.CallID
	default:
		return nil, apperrors.ErrUnknownEvent
	}

	if callID == "" {
		return nil, apperrors.ErrInvalidParams.WithMessage("callId is required")
	}
	if !m.exists(callID) {
		if forwarded {
			return nil, nil
		}
		if m.forward(o, f) {
			return nil, nil
		}
		m.pushError(o, callID, 0, apperrors.ErrCallNotFound)
		return nil, apperrors.ErrCallNotFound
	}

	switch p := f.Payload.(type) {
	case *proto.VideoCallAccept:
		err = m.Accept(o, callID)
	case *proto.VideoCallReject:
		err = m.Reject(o, callID)
	case *proto.VideoCallEnd:
		err = m.End(o, callID, p.Reason)
	case *proto.VideoCallOffer:
		err = m.Relay(o, proto.EventVideoCallOffer, (*proto.SignalRelay)(p))
	case *proto.VideoCallAnswer:
		err = m.Relay(o, proto.EventVideoCallAnswer, (*proto.SignalRelay)(p))
	case *proto.VideoCallIceCandidate:
		err = m.Relay(o, proto.EventVideoCallIceCandidate, (*proto.SignalRelay)(p))
	case *proto.VideoCallParticipantLeft:
		err = m.Leave(o.UserID, callID, ReasonEnded)
	}
	if err != nil {
		m.pushError(o, callID, 0, err)
	}
	return nil, err
}

func (m *Manager) exists(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[callID]
	return ok
}

func (m *Manager) forward(o Origin, f *proto.Frame) bool {
	if m.forwarder == nil {
		return false
	}
	frame, err := proto.EncodeRequest(f.Payload, f.AckID)
	if err != nil {
		return false
	}
	if err := m.forwarder.PublishCall(&proto.CallForward{
		OriginNode: m.opts.NodeID,
		UserID:     o.UserID,
		ConnID:     o.ConnID,
		Frame:      frame,
	}); err != nil {
		m.logger.Warn("Call signal not forwarded", "userId", o.UserID, "event", f.Event, "error", err)
		return false
	}
	return true
}

// Initiate 发起通话。群聊已有进行中的通话时直接加入
func (m *Manager) Initiate(ctx context.Context, o Origin, conversationID int64, callType proto.CallType) (*proto.VideoCallInitiated, error) {
	switch callType {
	case "":
		callType = proto.CallVideo
	case proto.CallVideo, proto.CallAudio:
	default:
		return nil, apperrors.ErrInvalidCallType
	}

	qctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	conv, err := m.convs.Get(qctx, o.UserID, conversationID)
	if err != nil {
		return nil, err
	}

	others := make([]int64, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		if id != o.UserID && m.presence.IsOnline(qctx, id) {
			others = append(others, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if callID, ok := m.byConv[conversationID]; ok {
		s := m.sessions[callID]
		current, inCall := m.byUser[o.UserID]
		if !s.Group || s.isJoined(o.UserID) || (inCall && current != callID) {
			return nil, apperrors.ErrCallBusy
		}
		return m.joinExisting(s, o)
	}
	if _, busy := m.byUser[o.UserID]; busy {
		return nil, apperrors.ErrCallBusy
	}

	invitees := make([]int64, 0, len(others))
	for _, id := range others {
		if _, busy := m.byUser[id]; !busy {
			invitees = append(invitees, id)
		}
	}
	if len(invitees) == 0 {
		if len(others) > 0 {
			return nil, apperrors.ErrCallBusy
		}
		return nil, apperrors.ErrTargetOffline
	}

	s := newSession(uuid.NewString(), conv, callType, o.UserID)
	if _, err := s.machine.Fire(proto.EventVideoCallInitiate); err != nil {
		return nil, apperrors.ErrCallState.Wrap(err)
	}
	for _, id := range invitees {
		s.invited[id] = struct{}{}
		m.byUser[id] = s.ID
	}
	m.byUser[o.UserID] = s.ID
	m.sessions[s.ID] = s
	m.byConv[conversationID] = s.ID

	ev := &proto.VideoCallInitiated{
		CallID:         s.ID,
		ConversationID: conversationID,
		CallerID:       o.UserID,
		CallType:       callType,
		Group:          s.Group,
		Participants:   proto.IDList(s.everyone()),
	}
	frame := proto.MustEncode(ev)
	m.pusher.ToUsers(invitees, frame)
	_, _ = s.machine.Fire(proto.EventVideoCallInitiated)
	m.pusher.ToConn(o.NodeID, o.ConnID, frame)

	m.scheduleRingTimeout(s.ID)

	m.logger.Info("Call initiated",
		"callId", s.ID,
		"conversationId", conversationID,
		"callerId", o.UserID,
		"invitees", len(invitees))
	return ev, nil
}

// joinExisting 群通话中后来者发起即加入，需持锁调用
func (m *Manager) joinExisting(s *Session, o Origin) (*proto.VideoCallInitiated, error) {
	delete(s.invited, o.UserID)
	s.joined[o.UserID] = struct{}{}
	m.byUser[o.UserID] = s.ID
	if _, err := s.machine.Fire(proto.EventVideoCallAccept); err != nil {
		return nil, apperrors.ErrCallState.Wrap(err)
	}

	m.pusher.ToUsers(s.others(o.UserID), proto.MustEncode(&proto.VideoCallParticipantJoined{CallID: s.ID, UserID: o.UserID}))

	ev := &proto.VideoCallInitiated{
		CallID:         s.ID,
		ConversationID: s.ConversationID,
		CallerID:       s.CallerID,
		CallType:       s.CallType,
		Group:          s.Group,
		Participants:   proto.IDList(s.everyone()),
	}
	m.pusher.ToConn(o.NodeID, o.ConnID, proto.MustEncode(ev))
	if len(s.invited) == 0 {
		m.cancelRingTimeout(s.ID)
	}

	m.logger.Info("Call joined", "callId", s.ID, "userId", o.UserID)
	return ev, nil
}

// Accept 被邀请者接听
func (m *Manager) Accept(o Origin, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	if s.isJoined(o.UserID) {
		return nil
	}
	if !s.isInvited(o.UserID) {
		return apperrors.ErrForbidden.WithMessage("not invited to this call")
	}
	if _, err := s.machine.Fire(proto.EventVideoCallAccept); err != nil {
		return apperrors.ErrCallState.Wrap(err)
	}
	delete(s.invited, o.UserID)
	s.joined[o.UserID] = struct{}{}

	m.pusher.ToUsers(s.everyone(), proto.MustEncode(&proto.VideoCallAccept{CallID: callID, UserID: o.UserID}))
	if s.Group {
		m.pusher.ToUsers(s.others(o.UserID), proto.MustEncode(&proto.VideoCallParticipantJoined{CallID: callID, UserID: o.UserID}))
	}
	if len(s.invited) == 0 {
		m.cancelRingTimeout(callID)
	}

	m.logger.Info("Call accepted", "callId", callID, "userId", o.UserID)
	return nil
}

// Reject 被邀请者拒接。私聊直接结束；群聊在无人可接通时结束
func (m *Manager) Reject(o Origin, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	if !s.isInvited(o.UserID) {
		return apperrors.ErrForbidden.WithMessage("not invited to this call")
	}

	frame := proto.MustEncode(&proto.VideoCallReject{CallID: callID, UserID: o.UserID})
	m.pusher.ToUsers(s.everyone(), frame)
	delete(s.invited, o.UserID)
	delete(m.byUser, o.UserID)

	m.logger.Info("Call rejected", "callId", callID, "userId", o.UserID)

	if !s.Group || (len(s.invited) == 0 && len(s.joined) < 2) {
		_, _ = s.machine.Fire(proto.EventVideoCallReject)
		m.finish(s, o.UserID, ReasonRejected)
	}
	return nil
}

// End 任一成员挂断，通话销毁。接通前挂断即取消
func (m *Manager) End(o Origin, callID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	if !s.has(o.UserID) {
		return apperrors.ErrForbidden.WithMessage("not in this call")
	}
	if reason == "" {
		reason = ReasonEnded
	}
	_, _ = s.machine.Fire(proto.EventVideoCallEnd)
	m.finish(s, o.UserID, reason)
	return nil
}

// Relay 透传 offer/answer/ice。指定 to 时只发给该成员，否则发给其他已接通成员
func (m *Manager) Relay(o Origin, event proto.Event, relay *proto.SignalRelay) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(relay.CallID)
	if err != nil {
		return err
	}
	if !s.isJoined(o.UserID) {
		return apperrors.ErrForbidden.WithMessage("not in this call")
	}
	if s.State() != signaling.StateActive {
		return apperrors.ErrCallState
	}

	targets := s.others(o.UserID)
	if relay.To != 0 {
		if relay.To == o.UserID || !s.isJoined(relay.To) {
			return apperrors.ErrForbidden.WithMessage("relay target is not in this call")
		}
		targets = []int64{relay.To}
	}

	out := proto.SignalRelay{CallID: relay.CallID, From: o.UserID, To: relay.To, Payload: relay.Payload}
	var payload proto.Payload
	switch event {
	case proto.EventVideoCallOffer:
		v := proto.VideoCallOffer(out)
		payload = &v
	case proto.EventVideoCallAnswer:
		v := proto.VideoCallAnswer(out)
		payload = &v
	case proto.EventVideoCallIceCandidate:
		v := proto.VideoCallIceCandidate(out)
		payload = &v
	default:
		return apperrors.ErrUnknownEvent
	}
	m.pusher.ToUsers(targets, proto.MustEncode(payload))
	return nil
}

// Leave 成员离开。接通中少于两人或响铃中主叫离开时通话结束
func (m *Manager) Leave(userID int64, callID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.session(callID)
	if err != nil {
		return err
	}
	m.leave(s, userID, reason)
	return nil
}

// Disconnect 用户全部连接断开时离开所在通话
func (m *Manager) Disconnect(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	callID, ok := m.byUser[userID]
	if !ok {
		return
	}
	if s, ok := m.sessions[callID]; ok {
		m.leave(s, userID, ReasonDisconnect)
	}
}

func (m *Manager) leave(s *Session, userID int64, reason string) {
	if !s.has(userID) {
		return
	}
	wasJoined := s.isJoined(userID)
	delete(s.joined, userID)
	delete(s.invited, userID)
	delete(m.byUser, userID)

	m.pusher.ToUsers(append(s.everyone(), userID), proto.MustEncode(&proto.VideoCallParticipantLeft{CallID: s.ID, UserID: userID}))
	m.logger.Info("Call participant left", "callId", s.ID, "userId", userID, "reason", reason)

	switch state := s.State(); {
	case state == signaling.StateActive && len(s.joined) < 2:
	case state != signaling.StateActive && wasJoined && userID == s.CallerID:
		reason = ReasonCallerLeft
	case state != signaling.StateActive && len(s.invited) == 0:
	default:
		return
	}
	_, _ = s.machine.Fire(proto.EventVideoCallEnd)
	m.finish(s, userID, reason)
}

// timeout 响铃超时。未接通则通知主叫失败；已接通则只清理仍在响铃的成员
func (m *Manager) timeout(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return
	}
	endFrame := proto.MustEncode(&proto.VideoCallEnd{CallID: callID, UserID: s.CallerID, Reason: ReasonTimeout})

	if s.State() == signaling.StateActive {
		missed := s.Invited()
		for _, id := range missed {
			delete(s.invited, id)
			delete(m.byUser, id)
		}
		m.pusher.ToUsers(missed, endFrame)
		return
	}

	_, _ = s.machine.Fire(proto.EventVideoCallError)
	m.pusher.ToUsers([]int64{s.CallerID}, proto.MustEncode(&proto.VideoCallError{
		CallID:         callID,
		ConversationID: s.ConversationID,
		Code:           apperrors.CodeCallTimeout,
		Reason:         apperrors.ErrCallTimeout.Message,
	}))
	m.pusher.ToUsers(s.Invited(), endFrame)
	m.destroy(s)

	m.logger.Info("Call ring timeout", "callId", callID, "conversationId", s.ConversationID)
}

// finish 通知全部成员结束并销毁，需持锁调用
func (m *Manager) finish(s *Session, byUser int64, reason string) {
	targets := append(s.everyone(), byUser)
	m.pusher.ToUsers(dedupe(targets), proto.MustEncode(&proto.VideoCallEnd{CallID: s.ID, UserID: byUser, Reason: reason}))
	m.destroy(s)
	m.logger.Info("Call ended",
		"callId", s.ID,
		"conversationId", s.ConversationID,
		"state", s.State(),
		"reason", reason,
		"duration", time.Since(s.CreatedAt).Round(time.Millisecond))
}

func (m *Manager) destroy(s *Session) {
	delete(m.sessions, s.ID)
	if m.byConv[s.ConversationID] == s.ID {
		delete(m.byConv, s.ConversationID)
	}
	for _, id := range s.everyone() {
		if m.byUser[id] == s.ID {
			delete(m.byUser, id)
		}
	}
	m.cancelRingTimeout(s.ID)
}

func (m *Manager) session(callID string) (*Session, error) {
	s, ok := m.sessions[callID]
	if !ok {
		return nil, apperrors.ErrCallNotFound
	}
	return s, nil
}

func ringTaskID(callID string) string {
	return fmt.Sprintf("call:ring:%s", callID)
}

func (m *Manager) scheduleRingTimeout(callID string) {
	if m.timer == nil {
		return
	}
	t := task.NewTask(ringTaskID(callID), callID, m.opts.RingTimeout, func(_ context.Context, t *task.Task) error {
		m.timeout(t.Target)
		return nil
	})
	if err := m.timer.AddTask(t); err != nil {
		m.logger.Warn("Ring timeout not scheduled", "callId", callID, "error", err)
	}
}

func (m *Manager) cancelRingTimeout(callID string) {
	if m.timer != nil {
		m.timer.RemoveTask(ringTaskID(callID))
	}
}

func (m *Manager) pushError(o Origin, callID string, conversationID int64, err error) {
	frame := proto.MustEncode(&proto.VideoCallError{
		CallID:         callID,
		ConversationID: conversationID,
		Code:           apperrors.GetCode(err),
		Reason:         apperrors.GetMessage(err),
	})
	m.pusher.ToConn(o.NodeID, o.ConnID, frame)
}

// Snapshot 查询会话快照，排障与测试用
func (m *Manager) Snapshot(callID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// ActiveCount 当前会话数
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CallOf 用户当前所在通话
func (m *Manager) CallOf(userID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[userID]
	return id, ok
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
