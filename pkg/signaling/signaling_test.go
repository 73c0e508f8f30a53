package signaling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.messenger/pkg/proto"
)

func TestNext_Table(t *testing.T) {
	tests := []struct {
		name  string
		role  Role
		from  State
		event proto.Event
		want  State
		ok    bool
	}{
		{"caller initiates", RoleCaller, StateIdle, proto.EventVideoCallInitiate, StateInitiating, true},
		{"caller sees ring", RoleCaller, StateInitiating, proto.EventVideoCallInitiated, StateRinging, true},
		{"caller accepted", RoleCaller, StateRinging, proto.EventVideoCallAccept, StateActive, true},
		{"caller accepted early", RoleCaller, StateInitiating, proto.EventVideoCallAccept, StateActive, true},
		{"caller rejected", RoleCaller, StateRinging, proto.EventVideoCallReject, StateRejected, true},
		{"caller cancels", RoleCaller, StateInitiating, proto.EventVideoCallEnd, StateEnded, true},
		{"caller error", RoleCaller, StateInitiating, proto.EventVideoCallError, StateError, true},
		{"callee incoming", RoleCallee, StateIdle, proto.EventVideoCallInitiated, StateRinging, true},
		{"callee accepts", RoleCallee, StateRinging, proto.EventVideoCallAccept, StateActive, true},
		{"callee rejects", RoleCallee, StateRinging, proto.EventVideoCallReject, StateRejected, true},
		{"callee sees cancel", RoleCallee, StateRinging, proto.EventVideoCallEnd, StateEnded, true},
		{"offer while active", RoleCallee, StateActive, proto.EventVideoCallOffer, StateActive, true},
		{"ice while active", RoleCaller, StateActive, proto.EventVideoCallIceCandidate, StateActive, true},
		{"member left while active", RoleCaller, StateActive, proto.EventVideoCallParticipantLeft, StateActive, true},
		{"offer before accept", RoleCaller, StateRinging, proto.EventVideoCallOffer, StateRinging, false},
		{"callee cannot initiate", RoleCallee, StateIdle, proto.EventVideoCallInitiate, StateIdle, false},
		{"end from idle", RoleCaller, StateIdle, proto.EventVideoCallEnd, StateIdle, false},
		{"caller cannot accept twice from idle", RoleCaller, StateIdle, proto.EventVideoCallAccept, StateIdle, false},
		{"ended absorbs", RoleCaller, StateEnded, proto.EventVideoCallAccept, StateEnded, false},
		{"rejected absorbs error", RoleCallee, StateRejected, proto.EventVideoCallError, StateRejected, false},
		{"error absorbs end", RoleCaller, StateError, proto.EventVideoCallEnd, StateError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.role, tt.from, tt.event)
			assert.Equal(t, tt.want, got)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
		})
	}
}

func TestMachine_InitiateThenEndBeforeAccept(t *testing.T) {
	caller := NewMachine(RoleCaller, nil)
	callee := NewMachine(RoleCallee, nil)

	_, err := caller.Fire(proto.EventVideoCallInitiate)
	require.NoError(t, err)
	_, err = callee.Fire(proto.EventVideoCallInitiated)
	require.NoError(t, err)
	_, err = caller.Fire(proto.EventVideoCallInitiated)
	require.NoError(t, err)

	_, err = caller.Fire(proto.EventVideoCallEnd)
	require.NoError(t, err)
	_, err = callee.Fire(proto.EventVideoCallEnd)
	require.NoError(t, err)

	assert.Equal(t, StateEnded, caller.State())
	assert.Equal(t, StateEnded, callee.State())

	// 结束后迟到的接听被吸收
	_, err = callee.Fire(proto.EventVideoCallAccept)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateEnded, callee.State())
}

func TestMachine_Listener(t *testing.T) {
	var seen []State
	m := NewMachine(RoleCaller, func(from, to State, _ proto.Event) {
		seen = append(seen, to)
	})

	_, _ = m.Fire(proto.EventVideoCallInitiate)
	_, _ = m.Fire(proto.EventVideoCallAccept)
	_, _ = m.Fire(proto.EventVideoCallOffer)
	_, _ = m.Fire(proto.EventVideoCallEnd)

	assert.Equal(t, []State{StateInitiating, StateActive, StateEnded}, seen, "no-op transitions are not reported")
	assert.False(t, m.Can(proto.EventVideoCallInitiate))

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
	assert.True(t, m.Can(proto.EventVideoCallInitiate))
}
