package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshchat/internal/transport"
)

// Adapter is a transport.Adapter backed by one websocket to a relay Server.
type Adapter struct {
	url   string
	log   *slog.Logger
	queue *transport.Queue

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu       sync.Mutex
	identity string
	channels map[string]*channel
	next     uint64
	closed   bool
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter returns an adapter for the relay at url (ws:// or wss://).
// Nothing is dialled until Register.
func NewAdapter(url string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		url:      url,
		log:      log.With("component", "relay-client"),
		queue:    transport.NewQueue(),
		channels: make(map[string]*channel),
	}
}

// Register connects to the relay and claims identity.
func (a *Adapter) Register(ctx context.Context, identity string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrAdapterClosed
	}
	if a.ws != nil {
		a.mu.Unlock()
		return errors.New("already registered")
	}
	a.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(registerWait)
	}
	ws.SetWriteDeadline(deadline)
	ws.SetReadDeadline(deadline)

	if err := ws.WriteJSON(frame{Type: typeRegister, From: identity}); err != nil {
		ws.Close()
		return fmt.Errorf("failed to register: %w", err)
	}
	var reply frame
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return fmt.Errorf("failed to register: %w", err)
	}
	switch {
	case reply.Type == typeError && reply.Error == codeIdentityTaken:
		ws.Close()
		return transport.ErrIdentityTaken
	case reply.Type != typeRegistered:
		ws.Close()
		return fmt.Errorf("relay refused registration: %s", reply.Error)
	}
	ws.SetWriteDeadline(time.Time{})
	ws.SetReadDeadline(time.Time{})

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		ws.Close()
		return transport.ErrAdapterClosed
	}
	a.ws = ws
	a.identity = identity
	a.mu.Unlock()

	a.log.Debug("registered", "identity", identity)
	go a.readLoop(ws)
	return nil
}

// Dial asks the relay for a channel to remote. The result arrives as
// Opened, or Closed with transport.ErrPeerUnavailable.
func (a *Adapter) Dial(ctx context.Context, remote string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, transport.ErrAdapterClosed
	}
	if a.ws == nil {
		a.mu.Unlock()
		return nil, transport.ErrNotRegistered
	}
	a.next++
	c := &channel{
		owner:    a,
		id:       a.identity + "#" + strconv.FormatUint(a.next, 10),
		remote:   remote,
		outbound: true,
	}
	a.channels[c.id] = c
	a.mu.Unlock()

	if err := a.write(frame{Type: typeOpen, To: remote, Chan: c.id}); err != nil {
		a.finish(c, err, false)
	}
	return c, nil
}

// Events implements transport.Adapter.
func (a *Adapter) Events() <-chan transport.Event {
	return a.queue.Out()
}

// Close drops the relay connection. Every channel ends with Closed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ws := a.ws
	a.mu.Unlock()

	if ws == nil {
		a.queue.Close()
		return nil
	}
	a.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	// readLoop ends the channels and the queue
	return ws.Close()
}

func (a *Adapter) readLoop(ws *websocket.Conn) {
	var cause error
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			cause = err
			break
		}
		a.handle(f)
	}

	a.mu.Lock()
	closing := a.closed
	a.closed = true
	channels := make([]*channel, 0, len(a.channels))
	for _, c := range a.channels {
		channels = append(channels, c)
	}
	a.mu.Unlock()

	if !closing {
		a.log.Warn("relay connection lost", "err", cause)
		cause = fmt.Errorf("%w: relay connection lost", transport.ErrPeerUnavailable)
	} else {
		cause = nil
	}
	for _, c := range channels {
		a.finish(c, cause, false)
	}
	a.queue.Close()
}

func (a *Adapter) handle(f frame) {
	switch f.Type {
	case typeOpen:
		a.mu.Lock()
		if _, exists := a.channels[f.Chan]; exists || f.From == "" {
			a.mu.Unlock()
			return
		}
		c := &channel{owner: a, id: f.Chan, remote: f.From, open: true}
		a.channels[c.id] = c
		a.mu.Unlock()

		// accept goes out before anyone can Send on c, so no data frame
		// reaches the dialer ahead of it
		if err := a.write(frame{Type: typeAccept, To: f.From, Chan: f.Chan}); err != nil {
			a.mu.Lock()
			delete(a.channels, c.id)
			a.mu.Unlock()
			return
		}
		a.queue.Push(transport.Event{Kind: transport.IncomingConnection, Channel: c})

	case typeAccept:
		c := a.lookup(f.Chan)
		if c == nil || !c.outbound {
			return
		}
		c.mu.Lock()
		if c.open || c.closed {
			c.mu.Unlock()
			return
		}
		c.open = true
		c.mu.Unlock()
		a.queue.Push(transport.Event{Kind: transport.Opened, Channel: c})

	case typeData:
		c := a.lookup(f.Chan)
		if c == nil || !c.isOpen() {
			return
		}
		a.queue.Push(transport.Event{Kind: transport.Data, Channel: c, Data: f.Payload})

	case typeClose:
		c := a.lookup(f.Chan)
		if c == nil {
			return
		}
		var cause error
		if f.Error == codePeerUnavailable {
			cause = transport.ErrPeerUnavailable
		} else if f.Error != "" {
			cause = errors.New(f.Error)
		}
		a.finish(c, cause, false)

	default:
		a.log.Debug("unexpected frame", "type", f.Type)
	}
}

func (a *Adapter) lookup(id string) *channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channels[id]
}

// finish closes c once, telling the relay when notify is set.
func (a *Adapter) finish(c *channel, cause error, notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	a.mu.Lock()
	delete(a.channels, c.id)
	a.mu.Unlock()

	if notify {
		a.write(frame{Type: typeClose, To: c.remote, Chan: c.id})
	}
	a.queue.Push(transport.Event{Kind: transport.Closed, Channel: c, Err: cause})
}

func (a *Adapter) write(f frame) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return transport.ErrNotRegistered
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(f)
}

// channel is one relayed channel
type channel struct {
	owner    *Adapter
	id       string
	remote   string
	outbound bool

	mu     sync.Mutex
	open   bool
	closed bool
}

func (c *channel) Remote() string { return c.remote }
func (c *channel) Outbound() bool { return c.outbound }

func (c *channel) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *channel) Send(data []byte) error {
	if !c.isOpen() {
		return transport.ErrNotOpen
	}
	return c.owner.write(frame{Type: typeData, To: c.remote, Chan: c.id, Payload: data})
}

func (c *channel) Close() error {
	c.owner.finish(c, nil, true)
	return nil
}
