// Package memory is an in-process rendezvous. All adapters created from one
// Network can reach each other by name, and the Network records every frame
// so tests can inspect who sent what to whom.
package memory

import (
	"context"
	"sync"

	"meshchat/internal/transport"
)

// Frame is one message observed on the network.
type Frame struct {
	From string
	To   string
	Data []byte
}

// Network is a shared name registry.
type Network struct {
	mu       sync.Mutex
	adapters map[string]*Adapter
	frames   []Frame
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{adapters: make(map[string]*Adapter)}
}

// NewAdapter returns an unregistered adapter attached to n.
func (n *Network) NewAdapter() *Adapter {
	return &Adapter{
		net:      n,
		queue:    transport.NewQueue(),
		channels: make(map[*channel]struct{}),
	}
}

// Frames returns a copy of everything sent so far.
func (n *Network) Frames() []Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Frame(nil), n.frames...)
}

// Mark returns the current frame count, for use with FramesSince.
func (n *Network) Mark() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.frames)
}

// FramesSince returns frames recorded after mark.
func (n *Network) FramesSince(mark int) []Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	if mark > len(n.frames) {
		return nil
	}
	return append([]Frame(nil), n.frames[mark:]...)
}

func (n *Network) record(f Frame) {
	n.mu.Lock()
	n.frames = append(n.frames, f)
	n.mu.Unlock()
}

func (n *Network) lookup(identity string) *Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.adapters[identity]
}

// Adapter implements transport.Adapter on a Network.
type Adapter struct {
	net   *Network
	queue *transport.Queue

	mu       sync.Mutex
	identity string
	channels map[*channel]struct{}
	closed   bool
}

var _ transport.Adapter = (*Adapter)(nil)

// Register claims identity on the network.
func (a *Adapter) Register(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrAdapterClosed
	}

	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	if _, taken := a.net.adapters[identity]; taken {
		return transport.ErrIdentityTaken
	}
	a.net.adapters[identity] = a
	a.identity = identity
	return nil
}

// Dial opens a channel to remote. An unknown remote produces a Closed event
// carrying transport.ErrPeerUnavailable.
func (a *Adapter) Dial(ctx context.Context, remote string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, transport.ErrAdapterClosed
	}
	if a.identity == "" {
		a.mu.Unlock()
		return nil, transport.ErrNotRegistered
	}
	local := &channel{owner: a, remote: remote, outbound: true}
	a.channels[local] = struct{}{}
	self := a.identity
	a.mu.Unlock()

	peer := a.net.lookup(remote)
	if peer == nil {
		local.markClosed()
		a.queue.Push(transport.Event{Kind: transport.Closed, Channel: local, Err: transport.ErrPeerUnavailable})
		return local, nil
	}

	// Opened must be queued locally before the remote can answer, and local
	// sends wait on mu until the inbound end exists
	local.mu.Lock()
	a.queue.Push(transport.Event{Kind: transport.Opened, Channel: local})
	inbound := peer.accept(local, self)
	if inbound != nil {
		local.peer = inbound
		local.open = true
	}
	local.mu.Unlock()

	if inbound == nil {
		local.Close()
	}
	return local, nil
}

// accept creates the inbound end for a dialer.
func (a *Adapter) accept(dialer *channel, from string) *channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}

	inbound := &channel{owner: a, remote: from, open: true, peer: dialer}
	a.channels[inbound] = struct{}{}
	a.queue.Push(transport.Event{Kind: transport.IncomingConnection, Channel: inbound})
	return inbound
}

// Events implements transport.Adapter.
func (a *Adapter) Events() <-chan transport.Event {
	return a.queue.Out()
}

// Identity returns the registered name.
func (a *Adapter) Identity() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// Close unregisters the adapter and closes all its channels, which the
// remote ends observe as Closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	channels := make([]*channel, 0, len(a.channels))
	for c := range a.channels {
		channels = append(channels, c)
	}
	identity := a.identity
	a.mu.Unlock()

	if identity != "" {
		a.net.mu.Lock()
		if a.net.adapters[identity] == a {
			delete(a.net.adapters, identity)
		}
		a.net.mu.Unlock()
	}

	for _, c := range channels {
		c.Close()
	}
	a.queue.Close()
	return nil
}

func (a *Adapter) forget(c *channel) {
	a.mu.Lock()
	delete(a.channels, c)
	a.mu.Unlock()
}

// channel is one end of an in-memory pair
type channel struct {
	owner    *Adapter
	remote   string
	outbound bool

	mu     sync.Mutex
	open   bool
	closed bool
	peer   *channel
}

func (c *channel) Remote() string { return c.remote }
func (c *channel) Outbound() bool { return c.outbound }

func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	peer := c.peer
	c.mu.Unlock()

	buf := append([]byte(nil), data...)
	c.owner.net.record(Frame{From: peer.remote, To: c.remote, Data: buf})
	peer.owner.queue.Push(transport.Event{Kind: transport.Data, Channel: peer, Data: buf})
	return nil
}

func (c *channel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.owner.queue.Push(transport.Event{Kind: transport.Closed, Channel: c})

	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil && peer.markClosed() {
		peer.owner.queue.Push(transport.Event{Kind: transport.Closed, Channel: peer})
	}
	return nil
}

// markClosed flips the channel to closed and reports whether it was open
// before.
func (c *channel) markClosed() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	c.owner.forget(c)
	return true
}
