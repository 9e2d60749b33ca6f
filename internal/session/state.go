package session

import "fmt"

// State is the local peer's protocol state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	// StateAwaitingJoins is the creator's steady state. It holds the RoomKey.
	StateAwaitingJoins
	// StateAwaitingRoomKey is a joiner that has not yet received the RoomKey.
	StateAwaitingRoomKey
	// StateHasRoomKey is a joiner that completed the handshake.
	StateHasRoomKey
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAwaitingJoins:
		return "awaiting-joins"
	case StateAwaitingRoomKey:
		return "awaiting-room-key"
	case StateHasRoomKey:
		return "has-room-key"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether the session finished initializing and is running.
func (s State) Active() bool {
	return s == StateAwaitingJoins || s == StateAwaitingRoomKey || s == StateHasRoomKey
}

// CanChat reports whether chat send and receive are enabled.
func (s State) CanChat() bool {
	return s == StateAwaitingJoins || s == StateHasRoomKey
}
