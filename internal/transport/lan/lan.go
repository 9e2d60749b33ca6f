// Package lan carries channels over QUIC between machines on the same
// network. Each identity listens on its own port and is found through a
// Directory, normally mDNS.
package lan

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"meshchat/internal/transport"
)

// Directory maps identities to addresses.
type Directory interface {
	Advertise(ctx context.Context, identity string, port int) (stop func(), err error)
	Resolve(ctx context.Context, identity string) (string, error)
}

// Options configures an Adapter.
type Options struct {
	// listen on the first free port in [MinPort, MaxPort]; 0 picks any
	MinPort   int
	MaxPort   int
	Directory Directory
	// bounds resolving plus the QUIC handshake
	DialTimeout time.Duration
	Logger      *slog.Logger
}

const (
	defaultDialTimeout = 15 * time.Second
	helloTimeout       = 10 * time.Second
)

// hello is the first frame on every stream
type hello struct {
	From string `json:"from"`
}

// Adapter is a transport.Adapter over QUIC.
type Adapter struct {
	opts  Options
	log   *slog.Logger
	queue *transport.Queue
	quic  *quic.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	identity  string
	listener  *quic.Listener
	port      int
	unpublish func()
	channels  map[*channel]struct{}
	closed    bool
}

var _ transport.Adapter = (*Adapter)(nil)

// NewAdapter returns an unregistered adapter.
func NewAdapter(opts Options) *Adapter {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:  opts,
		log:   log.With("component", "lan"),
		queue: transport.NewQueue(),
		quic: &quic.Config{
			KeepAlivePeriod: 15 * time.Second,
			MaxIdleTimeout:  60 * time.Second,
		},
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[*channel]struct{}),
	}
}

// Register starts the listener and publishes identity in the directory.
func (a *Adapter) Register(ctx context.Context, identity string) error {
	if a.opts.Directory == nil {
		return errors.New("lan transport requires a directory")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return transport.ErrAdapterClosed
	}
	if a.listener != nil {
		return errors.New("already registered")
	}

	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to generate TLS config: %w", err)
	}

	listener, err := a.listen(tlsConfig)
	if err != nil {
		return err
	}
	port := listener.Addr().(*net.UDPAddr).Port

	stop, err := a.opts.Directory.Advertise(a.ctx, identity, port)
	if err != nil {
		listener.Close()
		return err
	}

	a.identity = identity
	a.listener = listener
	a.port = port
	a.unpublish = stop
	a.log.Info("listening", "port", port, "identity", identity)

	go a.acceptLoop(listener)
	return nil
}

func (a *Adapter) listen(tlsConfig *tls.Config) (*quic.Listener, error) {
	if a.opts.MinPort == 0 {
		return quic.ListenAddr("0.0.0.0:0", tlsConfig, a.quic)
	}

	var lastErr error
	for port := a.opts.MinPort; port <= a.opts.MaxPort; port++ {
		l, err := quic.ListenAddr(fmt.Sprintf("0.0.0.0:%d", port), tlsConfig, a.quic)
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", a.opts.MinPort, a.opts.MaxPort, lastErr)
}

// Port is the UDP port of the listener, 0 before Register.
func (a *Adapter) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Dial resolves remote and opens a stream to it in the background.
func (a *Adapter) Dial(ctx context.Context, remote string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, transport.ErrAdapterClosed
	}
	if a.listener == nil {
		return nil, transport.ErrNotRegistered
	}

	c := &channel{owner: a, remote: remote, outbound: true}
	a.channels[c] = struct{}{}
	go a.connect(c, a.identity)
	return c, nil
}

func (a *Adapter) connect(c *channel, self string) {
	ctx, cancel := context.WithTimeout(a.ctx, a.opts.DialTimeout)
	defer cancel()

	addr, err := a.opts.Directory.Resolve(ctx, c.remote)
	if err != nil {
		a.log.Debug("resolve failed", "remote", c.remote, "err", err)
		a.finish(c, fmt.Errorf("%w: %v", transport.ErrPeerUnavailable, err))
		return
	}

	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), a.quic)
	if err != nil {
		a.finish(c, fmt.Errorf("%w: %v", transport.ErrPeerUnavailable, err))
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		a.finish(c, fmt.Errorf("%w: %v", transport.ErrPeerUnavailable, err))
		return
	}

	greeting, _ := json.Marshal(hello{From: self})
	if err := writeFrame(stream, greeting); err != nil {
		conn.CloseWithError(0, "")
		a.finish(c, fmt.Errorf("%w: %v", transport.ErrPeerUnavailable, err))
		return
	}

	if !c.attach(conn, stream) {
		// closed while dialing
		conn.CloseWithError(0, "")
		return
	}
	a.queue.Push(transport.Event{Kind: transport.Opened, Channel: c})
	a.readLoop(c, stream)
}

func (a *Adapter) acceptLoop(listener *quic.Listener) {
	for {
		conn, err := listener.Accept(a.ctx)
		if err != nil {
			return
		}
		go a.serveIncoming(conn)
	}
}

func (a *Adapter) serveIncoming(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(a.ctx, helloTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}

	stream.SetReadDeadline(time.Now().Add(helloTimeout))
	raw, err := readFrame(stream)
	stream.SetReadDeadline(time.Time{})
	var h hello
	if err == nil {
		err = json.Unmarshal(raw, &h)
	}
	if err != nil || h.From == "" {
		a.log.Debug("bad hello", "remote", conn.RemoteAddr().String(), "err", err)
		conn.CloseWithError(1, "bad hello")
		return
	}

	c := &channel{owner: a, remote: h.From}
	c.attach(conn, stream)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.CloseWithError(0, "")
		return
	}
	a.channels[c] = struct{}{}
	a.mu.Unlock()

	a.queue.Push(transport.Event{Kind: transport.IncomingConnection, Channel: c})
	a.readLoop(c, stream)
}

func (a *Adapter) readLoop(c *channel, stream *quic.Stream) {
	for {
		data, err := readFrame(stream)
		if err != nil {
			a.finish(c, closeCause(err))
			return
		}
		a.queue.Push(transport.Event{Kind: transport.Data, Channel: c, Data: data})
	}
}

// closeCause is nil for an orderly close by either side.
func closeCause(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return nil
	}
	return err
}

// finish ends c once.
func (a *Adapter) finish(c *channel, cause error) {
	if !c.shut() {
		return
	}
	a.mu.Lock()
	delete(a.channels, c)
	a.mu.Unlock()
	a.queue.Push(transport.Event{Kind: transport.Closed, Channel: c, Err: cause})
}

// Events implements transport.Adapter.
func (a *Adapter) Events() <-chan transport.Event {
	return a.queue.Out()
}

// Close withdraws the advertisement, closes every channel and the listener.
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
	listener, unpublish := a.listener, a.unpublish
	a.mu.Unlock()

	for _, c := range channels {
		c.Close()
	}
	if unpublish != nil {
		unpublish()
	}
	a.cancel()
	var err error
	if listener != nil {
		err = listener.Close()
	}
	a.queue.Close()
	return err
}

// channel is one QUIC connection with a single bidirectional stream
type channel struct {
	owner    *Adapter
	remote   string
	outbound bool

	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream
	open   bool
	closed bool

	writeMu sync.Mutex
}

func (c *channel) Remote() string { return c.remote }
func (c *channel) Outbound() bool { return c.outbound }

// attach makes c usable; false if it was closed meanwhile.
func (c *channel) attach(conn *quic.Conn, stream *quic.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn, c.stream, c.open = conn, stream, true
	return true
}

// shut marks c closed and tears the connection down; it reports whether
// this call did it.
func (c *channel) shut() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed, c.open = true, false
	conn, stream := c.conn, c.stream
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	if conn != nil {
		conn.CloseWithError(0, "closed")
	}
	return true
}

func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return transport.ErrNotOpen
	}
	stream := c.stream
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(stream, data)
}

func (c *channel) Close() error {
	c.owner.finish(c, nil)
	return nil
}
