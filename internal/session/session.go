// Package session runs the room protocol for one local peer.
//
// A Session owns its identity, key-agreement key pair, RoomKey and
// connection registry. All of that state is touched by a single actor
// goroutine which consumes transport events and API commands one at a time;
// the exported methods only post commands to it.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshchat/internal/crypto"
	"meshchat/internal/logger"
	"meshchat/internal/registry"
	"meshchat/internal/room"
	"meshchat/internal/transport"
)

var (
	ErrTransportRegistrationFailed = errors.New("transport registration failed")
	ErrNoRoomKey                   = errors.New("no room key")
	ErrClosed                      = errors.New("session closed")
	ErrTransportLost               = errors.New("transport connection lost")
)

var (
	newRoomKey  = crypto.GenerateSymmetricKey
	sealMessage = crypto.Encrypt
)

// Options configure Initialize.
type Options struct {
	Role        room.Role
	RoomID      string
	DisplayName string

	Transport transport.Adapter
	Observer  Observer
	Logger    *slog.Logger

	// JoinRetryInterval re-contacts the creator while a joiner waits for the
	// RoomKey. Zero disables it.
	JoinRetryInterval time.Duration
}

// PeerInfo describes one remote member.
type PeerInfo struct {
	Identity    string
	DisplayName string
	// Fingerprint of the peer's key-agreement key, empty until announced.
	Fingerprint string
	Open        bool
}

// Session is one peer's membership in one room.
type Session struct {
	role        room.Role
	roomID      string
	identity    string
	displayName string
	keys        *crypto.KeyPair

	adapter  transport.Adapter
	observer Observer
	log      *slog.Logger
	retry    time.Duration

	// owned by the actor
	state    State
	roomKey  *crypto.SymmetricKey
	registry *registry.Registry

	ctx       context.Context
	cancel    context.CancelFunc
	commands  chan func()
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Initialize registers the local identity with the transport and starts the
// session. A creator mints the RoomKey; a joiner dials the creator.
func Initialize(ctx context.Context, opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("session requires a transport")
	}
	if opts.RoomID == "" {
		return nil, fmt.Errorf("session requires a room id")
	}

	s := &Session{
		role:        opts.Role,
		roomID:      opts.RoomID,
		displayName: opts.DisplayName,
		adapter:     opts.Transport,
		observer:    opts.Observer,
		retry:       opts.JoinRetryInterval,
		state:       StateUninitialized,
		commands:    make(chan func()),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if s.observer == nil {
		s.observer = ObserverFuncs{}
	}

	s.state = StateInitializing

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	s.keys = keys

	identity, err := room.IdentityFor(opts.Role, opts.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	s.identity = identity

	log := opts.Logger
	if log == nil {
		log = logger.L()
	}
	s.log = log.With("component", "session", "identity", room.ShortID(identity), "role", opts.Role.String())

	if err := s.adapter.Register(ctx, identity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportRegistrationFailed, err)
	}

	if opts.Role == room.RoleCreator {
		key, err := newRoomKey()
		if err != nil {
			s.adapter.Close()
			return nil, fmt.Errorf("failed to generate room key: %w", err)
		}
		s.roomKey = &key
	}

	s.registry = registry.New(identity, s.observer.OnParticipants)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	go s.run()
	return s, nil
}

// LocalIdentity returns the identity this session registered.
func (s *Session) LocalIdentity() string { return s.identity }

// RoomID returns the room this session belongs to.
func (s *Session) RoomID() string { return s.roomID }

// Role returns the local role.
func (s *Session) Role() room.Role { return s.role }

// Fingerprint is the local key-agreement key fingerprint.
func (s *Session) Fingerprint() string { return crypto.Fingerprint(s.keys.Public()) }

// Send encrypts content under the RoomKey and pushes it to every open
// connection. The sender also receives a loopback copy. Before the RoomKey
// is known it fails with ErrNoRoomKey.
func (s *Session) Send(ctx context.Context, content Content) error {
	errc := make(chan error, 1)
	if err := s.do(ctx, func() { errc <- s.send(content) }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Participants returns the current membership, local identity first.
func (s *Session) Participants() []string {
	var out []string
	s.query(func() { out = s.registry.Members() })
	if out == nil {
		return []string{s.identity}
	}
	return out
}

// State returns the protocol state.
func (s *Session) State() State {
	state := StateClosed
	s.query(func() { state = s.state })
	return state
}

// Peers describes every remote member in registry order.
func (s *Session) Peers() []PeerInfo {
	var out []PeerInfo
	s.query(func() {
		for _, c := range s.registry.Connections() {
			out = append(out, peerInfo(c))
		}
	})
	return out
}

// PeerInfo describes one remote member.
func (s *Session) PeerInfo(identity string) (PeerInfo, bool) {
	var (
		info PeerInfo
		ok   bool
	)
	s.query(func() {
		var c *registry.Connection
		if c, ok = s.registry.Get(identity); ok {
			info = peerInfo(c)
		}
	})
	return info, ok
}

// RoomKeyFingerprint is a digest of the RoomKey, for members to compare
// out of band. It reports false until the key is known.
func (s *Session) RoomKeyFingerprint() (string, bool) {
	var (
		fp string
		ok bool
	)
	s.query(func() {
		if s.roomKey != nil {
			sum := sha256.Sum256(s.roomKey[:])
			fp, ok = hex.EncodeToString(sum[:8]), true
		}
	})
	return fp, ok
}

// Close stops the actor and closes every channel and the transport.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session stopped: ErrTransportLost when the transport
// failed underneath it, nil after Close or while running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func peerInfo(c *registry.Connection) PeerInfo {
	info := PeerInfo{
		Identity:    c.Identity(),
		DisplayName: c.DisplayName(),
		Open:        c.IsOpen(),
	}
	if pub, ok := c.PublicKey(); ok {
		info.Fingerprint = crypto.Fingerprint(pub)
	}
	return info
}

// do hands fn to the actor.
func (s *Session) do(ctx context.Context, fn func()) error {
	select {
	case s.commands <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// query runs fn on the actor and waits for it. It is a no-op once closed.
func (s *Session) query(fn func()) {
	finished := make(chan struct{})
	if err := s.do(context.Background(), func() { fn(); close(finished) }); err != nil {
		return
	}
	<-finished
}

func (s *Session) run() {
	defer close(s.done)

	s.activate()

	var retry <-chan time.Time
	if s.role == room.RoleJoiner && s.retry > 0 {
		ticker := time.NewTicker(s.retry)
		defer ticker.Stop()
		retry = ticker.C
	}

	events := s.adapter.Events()
	for {
		select {
		case <-s.stop:
			s.shutdown()
			return
		case fn := <-s.commands:
			fn()
		case ev, ok := <-events:
			if !ok {
				s.transportLost()
				return
			}
			s.handleEvent(ev)
		case <-retry:
			if s.roomKey != nil {
				retry = nil
				continue
			}
			s.retryJoin()
		}
	}
}

func (s *Session) activate() {
	if s.role == room.RoleCreator {
		s.setState(StateAwaitingJoins)
		s.log.Info("room created", "room", s.roomID)
		return
	}

	s.setState(StateAwaitingRoomKey)
	s.log.Info("joining room", "room", s.roomID)
	s.connect(s.roomID)
}

func (s *Session) shutdown() {
	for _, c := range s.registry.Connections() {
		c.Channel().Close()
	}
	s.cancel()
	if err := s.adapter.Close(); err != nil {
		s.log.Warn("failed to close transport", "error", err)
	}
	// the adapter still delivers the Closed events of its channels
	go func() {
		for range s.adapter.Events() {
		}
	}()
	s.setState(StateClosed)
}

// transportLost ends the session after the adapter stopped delivering
// events. Every connection is gone with it.
func (s *Session) transportLost() {
	s.log.Warn("transport event stream ended", "peers", s.registry.Len())
	s.err = ErrTransportLost
	s.registry.Clear()
	s.cancel()
	if err := s.adapter.Close(); err != nil {
		s.log.Warn("failed to close transport", "error", err)
	}
	s.setState(StateClosed)
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.log.Debug("state change", "from", s.state.String(), "to", state.String())
	s.state = state
	s.observer.OnStateChange(state)
}
