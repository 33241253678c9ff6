// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the client connection state.
type State uint32

// Client states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
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

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

func (sm *stateManager) set(s State) {
	sm.state.Store(uint32(s))
}

// transition attempts to move from one state to another.
func (sm *stateManager) transition(from, to State) bool {
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

func (sm *stateManager) isConnected() bool {
	return sm.get() == StateConnected
}

func (sm *stateManager) isClosed() bool {
	return sm.get() == StateClosed
}
