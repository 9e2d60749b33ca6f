package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	registerWait   = 10 * time.Second
	clientOutQueue = 256
)

// Server forwards frames between clients. It never looks inside payloads.
type Server struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu       sync.Mutex
	clients  map[string]*client
	channels map[string]*route
}

// route is one channel between two registered identities
type route struct {
	dialer, target string
}

func (r *route) other(id string) string {
	if id == r.dialer {
		return r.target
	}
	return r.dialer
}

type client struct {
	id  string
	ws  *websocket.Conn
	out chan frame
}

// NewServer returns a relay with no clients.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.With("component", "relay"),
		clients:  make(map[string]*client),
		channels: make(map[string]*route),
	}
}

// ServeHTTP upgrades requests to Path. /healthz answers plain ok.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case Path:
		s.serveClient(w, r)
	case "/healthz":
		w.Write([]byte("ok\n"))
	default:
		http.NotFound(w, r)
	}
}

// ListenAndServe runs the relay on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Clients returns the number of registered identities.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.Close()

	c, err := s.register(ws)
	if err != nil {
		s.log.Debug("registration refused", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.log.Info("client registered", "identity", c.id)

	done := make(chan struct{})
	go s.writeLoop(c, done)

	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		s.handle(c, f)
	}

	s.unregister(c)
	<-done
	s.log.Info("client left", "identity", c.id)
}

func (s *Server) register(ws *websocket.Conn) (*client, error) {
	ws.SetReadDeadline(time.Now().Add(registerWait))
	var f frame
	if err := ws.ReadJSON(&f); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Time{})

	reply := func(out frame) {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		ws.WriteJSON(out)
	}

	if f.Type != typeRegister || strings.TrimSpace(f.From) == "" {
		reply(frame{Type: typeError, Error: codeBadRequest})
		return nil, errors.New("expected register frame")
	}

	s.mu.Lock()
	if _, taken := s.clients[f.From]; taken {
		s.mu.Unlock()
		reply(frame{Type: typeError, Error: codeIdentityTaken})
		return nil, errors.New("identity taken")
	}
	c := &client{id: f.From, ws: ws, out: make(chan frame, clientOutQueue)}
	s.clients[c.id] = c
	// queued first so it precedes anything forwarded to the new client
	c.out <- frame{Type: typeRegistered, From: c.id}
	s.mu.Unlock()

	return c, nil
}

func (s *Server) writeLoop(c *client, done chan<- struct{}) {
	defer close(done)
	for f := range c.out {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(f); err != nil {
			c.ws.Close()
			// keep draining until unregister closes out
			for range c.out {
			}
			return
		}
	}
}

// handle routes one frame from c. The sender is always c.id regardless of
// what the frame claims.
func (s *Server) handle(c *client, f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case typeOpen:
		if f.Chan == "" || !strings.HasPrefix(f.Chan, c.id+"#") {
			s.deliver(c, frame{Type: typeClose, Chan: f.Chan, Error: codeBadRequest})
			return
		}
		if _, exists := s.channels[f.Chan]; exists {
			return
		}
		target, ok := s.clients[f.To]
		if !ok || target == c {
			s.deliver(c, frame{Type: typeClose, Chan: f.Chan, From: f.To, Error: codePeerUnavailable})
			return
		}
		s.channels[f.Chan] = &route{dialer: c.id, target: target.id}
		s.deliver(target, frame{Type: typeOpen, From: c.id, Chan: f.Chan})

	case typeAccept:
		rt, ok := s.channels[f.Chan]
		if !ok || rt.target != c.id {
			return
		}
		if dialer, ok := s.clients[rt.dialer]; ok {
			s.deliver(dialer, frame{Type: typeAccept, From: c.id, Chan: f.Chan})
		}

	case typeData:
		rt, ok := s.channels[f.Chan]
		if !ok || (rt.dialer != c.id && rt.target != c.id) {
			return
		}
		if peer, ok := s.clients[rt.other(c.id)]; ok {
			s.deliver(peer, frame{Type: typeData, From: c.id, Chan: f.Chan, Payload: f.Payload})
		}

	case typeClose:
		rt, ok := s.channels[f.Chan]
		if !ok || (rt.dialer != c.id && rt.target != c.id) {
			return
		}
		delete(s.channels, f.Chan)
		if peer, ok := s.clients[rt.other(c.id)]; ok {
			s.deliver(peer, frame{Type: typeClose, From: c.id, Chan: f.Chan})
		}

	default:
		s.log.Debug("unknown frame", "identity", c.id, "type", f.Type)
	}
}

// deliver queues f for c. A client that cannot keep up is disconnected.
// Callers hold s.mu.
func (s *Server) deliver(c *client, f frame) {
	select {
	case c.out <- f:
	default:
		s.log.Warn("client too slow, dropping it", "identity", c.id)
		c.ws.Close()
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	for id, rt := range s.channels {
		if rt.dialer != c.id && rt.target != c.id {
			continue
		}
		delete(s.channels, id)
		if peer, ok := s.clients[rt.other(c.id)]; ok {
			s.deliver(peer, frame{Type: typeClose, From: c.id, Chan: id, Error: codePeerUnavailable})
		}
	}
	close(c.out)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.ws.Close()
	}
}
