// Package transport is the rendezvous contract the session runs on: register
// a name, open reliable ordered channels to other names, and receive every
// channel's lifecycle and data through a single event stream.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotOpen         = errors.New("channel not open")
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrIdentityTaken   = errors.New("identity already registered")
	ErrNotRegistered   = errors.New("adapter not registered")
	ErrAdapterClosed   = errors.New("adapter closed")
)

// EventKind tells what happened to a channel.
type EventKind int

const (
	// IncomingConnection is a channel opened by a remote peer. It is usable
	// immediately.
	IncomingConnection EventKind = iota
	// Opened follows Dial once the remote side accepted.
	Opened
	// Data carries one message.
	Data
	// Closed is emitted exactly once per channel.
	Closed
)

func (k EventKind) String() string {
	switch k {
	case IncomingConnection:
		return "incoming"
	case Opened:
		return "opened"
	case Data:
		return "data"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a single notification from an Adapter.
type Event struct {
	Kind    EventKind
	Channel Channel
	Data    []byte
	// Err explains a Closed event that was not a clean close.
	Err error
}

// Channel is one bidirectional message channel to a remote identity.
type Channel interface {
	// Remote is the identity at the other end.
	Remote() string
	// Outbound reports whether the local side dialed.
	Outbound() bool
	// Send fails with ErrNotOpen before Opened or after Closed.
	Send(data []byte) error
	Close() error
}

// Adapter is a rendezvous service client.
type Adapter interface {
	// Register claims the local identity. It is called once.
	Register(ctx context.Context, identity string) error
	// Dial returns a pending channel to remote; Opened or Closed follows on
	// Events.
	Dial(ctx context.Context, remote string) (Channel, error)
	// Events delivers the events of every channel, in order per channel.
	Events() <-chan Event
	Close() error
}
