// Package signaling 通话信令状态表，服务端会话与客户端共用
package signaling

import (
	"errors"
	"fmt"

	"sudooom.im.messenger/pkg/proto"
)

// State 通话状态
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateError      State = "error"
)

// Terminal 终态不再迁移
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected || s == StateError
}

// Role 状态机所站的一侧。服务端会话按主叫侧推进
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// ErrInvalidTransition 当前状态不接受该事件
var ErrInvalidTransition = errors.New("signaling: invalid transition")

type edge struct {
	from  State
	event proto.Event
}

var callerTable = map[edge]State{
	{StateIdle, proto.EventVideoCallInitiate}:        StateInitiating,
	{StateInitiating, proto.EventVideoCallInitiated}: StateRinging,
	{StateInitiating, proto.EventVideoCallAccept}:    StateActive,
	{StateRinging, proto.EventVideoCallAccept}:       StateActive,
	{StateInitiating, proto.EventVideoCallReject}:    StateRejected,
	{StateRinging, proto.EventVideoCallReject}:       StateRejected,
	{StateActive, proto.EventVideoCallAccept}:        StateActive,
}

var calleeTable = map[edge]State{
	{StateIdle, proto.EventVideoCallInitiated}:    StateRinging,
	{StateRinging, proto.EventVideoCallAccept}:    StateActive,
	{StateRinging, proto.EventVideoCallReject}:    StateRejected,
	{StateActive, proto.EventVideoCallAccept}:     StateActive,
	{StateRinging, proto.EventVideoCallInitiated}: StateRinging,
}

// Next 计算迁移结果。end 与 error 对任何非终态生效；
// 媒体协商与成员变更只在 active 下有效，不改变状态。
func Next(role Role, from State, event proto.Event) (State, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}

	switch event {
	case proto.EventVideoCallEnd:
		if from == StateIdle {
			break
		}
		return StateEnded, nil
	case proto.EventVideoCallError:
		return StateError, nil
	case proto.EventVideoCallOffer, proto.EventVideoCallAnswer, proto.EventVideoCallIceCandidate:
		if from == StateActive {
			return StateActive, nil
		}
	case proto.EventVideoCallParticipantJoined, proto.EventVideoCallParticipantLeft:
		if from == StateActive || from == StateRinging {
			return from, nil
		}
	}

	table := callerTable
	if role == RoleCallee {
		table = calleeTable
	}
	if to, ok := table[edge{from, event}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s %s on %s", ErrInvalidTransition, role, event, from)
}
