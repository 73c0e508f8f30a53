package signaling

import (
	"sync"

	"sudooom.im.messenger/pkg/proto"
)

// Listener 状态变化回调，在持锁外调用
type Listener func(from, to State, event proto.Event)

// Machine 单个通话一侧的状态机，并发安全
type Machine struct {
	mu       sync.Mutex
	role     Role
	state    State
	listener Listener
}

func NewMachine(role Role, listener Listener) *Machine {
	return &Machine{role: role, state: StateIdle, listener: listener}
}

func (m *Machine) Role() Role {
	return m.role
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire 推进状态。非法事件返回 ErrInvalidTransition，状态不变
func (m *Machine) Fire(event proto.Event) (State, error) {
	m.mu.Lock()
	from := m.state
	to, err := Next(m.role, from, event)
	if err != nil {
		m.mu.Unlock()
		return from, err
	}
	m.state = to
	m.mu.Unlock()

	if to != from && m.listener != nil {
		m.listener(from, to, event)
	}
	return to, nil
}

// Can 不推进，仅判断事件是否被接受
func (m *Machine) Can(event proto.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := Next(m.role, m.state, event)
	return err == nil
}

// Reset 回到 idle，用于结束后复用
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
}
