package chatsync

import (
	"errors"
	"slices"
	"sync"
	"time"

	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/signaling"
)

// DefaultRingTimeout 客户端兜底超时，略长于服务端
const DefaultRingTimeout = 50 * time.Second

var ErrCallInProgress = errors.New("chatsync: another call in progress")

// CallEvent 通话状态变化通知
type CallEvent struct {
	CallID         string
	ConversationID int64
	From, To       signaling.State
	Event          proto.Event
}

// CallTracker 客户端通话状态。同一时间只跟踪一通电话，
// 发起或响铃后超时未接通即进入 error，不会停留在 initiating/ringing。
// 群通话中其他成员的接听/拒接只改变成员集合，不推进本地状态。
type CallTracker struct {
	mu             sync.Mutex
	selfID         int64
	machine        *signaling.Machine
	callID         string
	conversationID int64
	group          bool
	members        map[int64]struct{}
	timer          *time.Timer
	ringTimeout    time.Duration
	notify         func(CallEvent)
}

// NewCallTracker selfID 为当前登录用户。notify 在持锁时调用，回调中不能再调用 tracker
func NewCallTracker(selfID int64, ringTimeout time.Duration, notify func(CallEvent)) *CallTracker {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &CallTracker{selfID: selfID, ringTimeout: ringTimeout, notify: notify}
}

func (t *CallTracker) State() signaling.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine == nil {
		return signaling.StateIdle
	}
	return t.machine.State()
}

func (t *CallTracker) CallID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callID
}

// Participants 当前通话的成员（含已邀请未接听），升序
func (t *CallTracker) Participants() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *CallTracker) busy() bool {
	return t.machine != nil && !t.machine.State().Terminal()
}

// Initiate 本地发起，返回要发送的请求
func (t *CallTracker) Initiate(conversationID int64, callType proto.CallType) (*proto.VideoCallInitiate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy() {
		return nil, ErrCallInProgress
	}
	t.start(signaling.RoleCaller, "", conversationID)
	if err := t.fire(proto.EventVideoCallInitiate); err != nil {
		return nil, err
	}
	return &proto.VideoCallInitiate{ConversationID: conversationID, CallType: callType}, nil
}

// Accept 接听来电
func (t *CallTracker) Accept() (*proto.VideoCallAccept, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fire(proto.EventVideoCallAccept); err != nil {
		return nil, err
	}
	return &proto.VideoCallAccept{CallID: t.callID}, nil
}

// Reject 拒接来电
func (t *CallTracker) Reject() (*proto.VideoCallReject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fire(proto.EventVideoCallReject); err != nil {
		return nil, err
	}
	return &proto.VideoCallReject{CallID: t.callID}, nil
}

// End 挂断，接通前挂断即取消
func (t *CallTracker) End() (*proto.VideoCallEnd, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fire(proto.EventVideoCallEnd); err != nil {
		return nil, err
	}
	return &proto.VideoCallEnd{CallID: t.callID}, nil
}

// HandleFrame 应用服务端推送的通话事件，非本通话的事件忽略
func (t *CallTracker) HandleFrame(f *proto.Frame) error {
	if !f.Event.IsCall() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch p := f.Payload.(type) {
	case *proto.VideoCallInitiated:
		switch {
		case t.machine != nil && t.machine.Role() == signaling.RoleCaller && t.callID == "" &&
			t.conversationID == p.ConversationID && !t.machine.State().Terminal():
			t.callID = p.CallID
			t.setMembers(p)
			return t.fire(f.Event)
		case !t.busy():
			t.start(signaling.RoleCallee, p.CallID, p.ConversationID)
			t.setMembers(p)
			return t.fire(f.Event)
		case t.callID == p.CallID:
			// 群通话加入后的完整成员列表
			t.setMembers(p)
		}
		return nil
	case *proto.VideoCallError:
		if t.machine == nil || (p.CallID != "" && p.CallID != t.callID) ||
			(p.CallID == "" && p.ConversationID != t.conversationID) {
			return nil
		}
		return t.fire(f.Event)
	}

	if t.machine == nil || callIDOf(f.Payload) != t.callID || t.machine.State().Terminal() {
		return nil
	}

	switch p := f.Payload.(type) {
	case *proto.VideoCallAccept:
		t.addMember(p.UserID)
		// 主叫在任一成员接听后接通；被叫只认自己的接听
		if !t.fromSelf(p.UserID) && t.machine.Role() != signaling.RoleCaller {
			return nil
		}
	case *proto.VideoCallReject:
		// 群通话中他人拒接只是少了一个成员，无人可接通时服务端会发 end
		if !t.fromSelf(p.UserID) && (t.group || t.machine.Role() != signaling.RoleCaller) {
			t.removeMember(p.UserID)
			return nil
		}
	case *proto.VideoCallParticipantJoined:
		t.addMember(p.UserID)
	case *proto.VideoCallParticipantLeft:
		t.removeMember(p.UserID)
	}
	return t.fire(f.Event)
}

// fromSelf 未携带 userId 的应答按本人处理
func (t *CallTracker) fromSelf(userID int64) bool {
	return userID == 0 || userID == t.selfID
}

func (t *CallTracker) setMembers(p *proto.VideoCallInitiated) {
	t.group = p.Group
	t.members = make(map[int64]struct{}, len(p.Participants))
	for _, id := range p.Participants {
		t.members[id] = struct{}{}
	}
}

func (t *CallTracker) addMember(userID int64) {
	if userID == 0 {
		return
	}
	if t.members == nil {
		t.members = make(map[int64]struct{})
	}
	t.members[userID] = struct{}{}
}

func (t *CallTracker) removeMember(userID int64) {
	delete(t.members, userID)
}

func callIDOf(p proto.Payload) string {
	switch v := p.(type) {
	case *proto.VideoCallAccept:
		return v.CallID
	case *proto.VideoCallReject:
		return v.CallID
	case *proto.VideoCallEnd:
		return v.CallID
	case *proto.VideoCallOffer:
		return v.CallID
	case *proto.VideoCallAnswer:
		return v.CallID
	case *proto.VideoCallIceCandidate:
		return v.CallID
	case *proto.VideoCallParticipantJoined:
		return v.CallID
	case *proto.VideoCallParticipantLeft:
		return v.CallID
	}
	return ""
}

// start 开始跟踪新通话，需持锁
func (t *CallTracker) start(role signaling.Role, callID string, conversationID int64) {
	t.stopTimer()
	t.callID = callID
	t.conversationID = conversationID
	t.group = false
	t.members = nil
	t.machine = signaling.NewMachine(role, nil)
	m := t.machine
	t.timer = time.AfterFunc(t.ringTimeout, func() { t.expire(m) })
}

func (t *CallTracker) expire(m *signaling.Machine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine != m {
		return
	}
	if s := m.State(); s == signaling.StateInitiating || s == signaling.StateRinging {
		_ = t.fire(proto.EventVideoCallError)
	}
}

// fire 推进状态并通知，需持锁
func (t *CallTracker) fire(event proto.Event) error {
	if t.machine == nil {
		return signaling.ErrInvalidTransition
	}
	from := t.machine.State()
	to, err := t.machine.Fire(event)
	if err != nil {
		return err
	}
	if to == signaling.StateActive || to.Terminal() {
		t.stopTimer()
	}
	if to != from && t.notify != nil {
		t.notify(CallEvent{CallID: t.callID, ConversationID: t.conversationID, From: from, To: to, Event: event})
	}
	return nil
}

func (t *CallTracker) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
