// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import "sync/atomic"

// State represents the lifecycle state of a broker connection.
type State uint32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

func newStateManager() *stateManager {
	sm := &stateManager{}
	sm.state.Store(uint32(StateDisconnected))
	return sm
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

// set stores s unless the connection is already closed.
func (sm *stateManager) set(s State) {
	for {
		cur := sm.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if sm.state.CompareAndSwap(cur, uint32(s)) {
			return
		}
	}
}

// transition moves from one state to another. Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// close marks the connection closed and reports whether this call did it.
func (sm *stateManager) close() bool {
	return State(sm.state.Swap(uint32(StateClosed))) != StateClosed
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
