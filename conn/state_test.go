// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestStateManagerTransitions(t *testing.T) {
	sm := newStateManager()
	assert.Equal(t, StateDisconnected, sm.get())

	assert.True(t, sm.transition(StateDisconnected, StateConnecting))
	assert.False(t, sm.transition(StateDisconnected, StateConnecting))

	sm.set(StateConnected)
	assert.True(t, sm.isConnected())
	assert.False(t, sm.isClosed())
}

func TestStateManagerClosedIsTerminal(t *testing.T) {
	sm := newStateManager()
	sm.set(StateConnected)

	assert.True(t, sm.close())
	assert.False(t, sm.close())

	sm.set(StateConnected)
	assert.True(t, sm.isClosed())
	assert.False(t, sm.transition(StateConnected, StateReconnecting))
}

func TestStateManagerConcurrentClose(t *testing.T) {
	sm := newStateManager()
	sm.set(StateConnected)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sm.close() {
				mu.Lock()
				closed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, closed)
}
