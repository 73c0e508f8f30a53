package call

import (
	"time"

	"sudooom.im.messenger/pkg/proto"
	"sudooom.im.messenger/pkg/signaling"
)

// Session 一次通话，只存在于发起节点的内存中
type Session struct {
	ID             string
	ConversationID int64
	Group          bool
	CallType       proto.CallType
	CallerID       int64
	CreatedAt      time.Time

	machine *signaling.Machine
	invited map[int64]struct{} // 响铃中、尚未应答
	joined  map[int64]struct{} // 已接通，包含主叫
}

func newSession(id string, conv *proto.Conversation, callType proto.CallType, callerID int64) *Session {
	return &Session{
		ID:             id,
		ConversationID: conv.ID,
		Group:          conv.Type == proto.ConversationGroup,
		CallType:       callType,
		CallerID:       callerID,
		CreatedAt:      time.Now(),
		machine:        signaling.NewMachine(signaling.RoleCaller, nil),
		invited:        make(map[int64]struct{}),
		joined:         map[int64]struct{}{callerID: {}},
	}
}

func (s *Session) State() signaling.State {
	return s.machine.State()
}

// Snapshot 会话只读副本
type Snapshot struct {
	ID             string
	ConversationID int64
	Group          bool
	CallerID       int64
	State          signaling.State
	Joined         []int64
	Invited        []int64
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		Group:          s.Group,
		CallerID:       s.CallerID,
		State:          s.State(),
		Joined:         s.Joined(),
		Invited:        s.Invited(),
	}
}

func (s *Session) isJoined(userID int64) bool {
	_, ok := s.joined[userID]
	return ok
}

func (s *Session) isInvited(userID int64) bool {
	_, ok := s.invited[userID]
	return ok
}

func (s *Session) has(userID int64) bool {
	return s.isJoined(userID) || s.isInvited(userID)
}

// Joined 已接通成员
func (s *Session) Joined() []int64 {
	return keys(s.joined)
}

// Invited 仍在响铃的成员
func (s *Session) Invited() []int64 {
	return keys(s.invited)
}

// everyone 已接通与响铃中的全部成员
func (s *Session) everyone() []int64 {
	return append(keys(s.joined), keys(s.invited)...)
}

func (s *Session) others(userID int64) []int64 {
	out := make([]int64, 0, len(s.joined))
	for id := range s.joined {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

func keys(m map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
