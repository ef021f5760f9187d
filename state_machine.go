package bayeux

import (
	"sync/atomic"
)

// StateRepresentation represents the current state of a session as a
// string
type StateRepresentation string

const (
	idle int32 = iota
	handshaking
	connecting
	connected
	disconnecting
	failed
)

const (
	idleRepr          StateRepresentation = "IDLE"
	handshakingRepr   StateRepresentation = "HANDSHAKING"
	connectingRepr    StateRepresentation = "CONNECTING"
	connectedRepr     StateRepresentation = "CONNECTED"
	disconnectingRepr StateRepresentation = "DISCONNECTING"
	failedRepr        StateRepresentation = "FAILED"
)

var stateNames = []StateRepresentation{
	idleRepr,
	handshakingRepr,
	connectingRepr,
	connectedRepr,
	disconnectingRepr,
	failedRepr,
}

func stateName(state int32) string {
	s := int(state)
	if s < 0 || s >= len(stateNames) {
		return "unknown"
	}

	return string(stateNames[s])
}

// Event represents an event that can change the state of a state machine
type Event string

const (
	handshakeSent         Event = "handshake request sent"
	handshakeSucceeded    Event = "successful handshake response"
	successfullyConnected Event = "successful connect response"
	connectRetry          Event = "connect retry scheduled"
	rehandshake           Event = "handshake advised"
	disconnectSent        Event = "disconnect request sent"
	disconnected          Event = "session torn down"
	failure               Event = "unrecoverable failure"
)

// ConnectionStateMachine handles managing the session's state
//
// See also: https://docs.cometd.org/current/reference/#_client_state_table
type ConnectionStateMachine struct {
	currentState *int32
}

// NewConnectionStateMachine creates a new ConnectionStateMachine in the idle
// state
func NewConnectionStateMachine() *ConnectionStateMachine {
	defaultState := idle
	return &ConnectionStateMachine{&defaultState}
}

// IsConnected reflects whether the session is connected to the Bayeux
// server
func (csm *ConnectionStateMachine) IsConnected() bool {
	return csm.state() == connected
}

// IsOpening reflects whether the session is being established or is up
func (csm *ConnectionStateMachine) IsOpening() bool {
	switch csm.state() {
	case handshaking, connecting, connected:
		return true
	}
	return false
}

func (csm *ConnectionStateMachine) state() int32 {
	return atomic.LoadInt32(csm.currentState)
}

// CurrentState provides a string representation of the current state of the
// state machine
func (csm *ConnectionStateMachine) CurrentState() StateRepresentation {
	return StateRepresentation(stateName(csm.state()))
}

// ProcessEvent handles an event
func (csm *ConnectionStateMachine) ProcessEvent(e Event) error {
	switch e {
	case handshakeSent:
		// handshaking is allowed here because handshake advice moves the
		// machine there before the new request goes out
		if !atomic.CompareAndSwapInt32(csm.currentState, idle, handshaking) &&
			!atomic.CompareAndSwapInt32(csm.currentState, failed, handshaking) &&
			!atomic.CompareAndSwapInt32(csm.currentState, handshaking, handshaking) {
			return newBadState("attempting to handshake from an established session", csm.state(), handshaking)
		}
	case handshakeSucceeded:
		if !atomic.CompareAndSwapInt32(csm.currentState, handshaking, connecting) {
			return newBadState("invalid state for successful handshake response event", csm.state(), connecting)
		}
	case successfullyConnected:
		if !atomic.CompareAndSwapInt32(csm.currentState, connecting, connected) &&
			!atomic.CompareAndSwapInt32(csm.currentState, connected, connected) {
			return newBadState("invalid state for successful connect response event", csm.state(), connected)
		}
	case connectRetry:
		if !atomic.CompareAndSwapInt32(csm.currentState, connected, connecting) &&
			!atomic.CompareAndSwapInt32(csm.currentState, connecting, connecting) {
			return newBadState("invalid state for connect retry event", csm.state(), connecting)
		}
	case rehandshake:
		current := csm.state()
		if current != connecting && current != connected {
			return newBadState("invalid state for handshake advice event", current, handshaking)
		}
		atomic.CompareAndSwapInt32(csm.currentState, current, handshaking)
	case disconnectSent:
		current := csm.state()
		if current == idle {
			return newBadState("attempting to disconnect without a session", current, disconnecting)
		}
		atomic.CompareAndSwapInt32(csm.currentState, current, disconnecting)
	case disconnected:
		atomic.StoreInt32(csm.currentState, idle)
	case failure:
		atomic.StoreInt32(csm.currentState, failed)
	default:
		return UnknownEventTypeError{e}
	}
	return nil
}
