package registry

import (
	"meshchat/internal/crypto"
	"meshchat/internal/transport"
)

// Connection is an open (or opening) channel to one remote identity plus
// what the local peer has learned about that identity. It is owned by the
// session actor and is not safe for concurrent use.
type Connection struct {
	identity string
	channel  transport.Channel

	open   bool
	outbox [][]byte

	publicKey   *crypto.PublicKey
	displayName string

	// handshake bookkeeping
	SentIdentity     bool
	SentKeyAgreement bool
}

// NewConnection wraps ch. Inbound channels are usable at once; outbound ones
// queue frames until MarkOpen.
func NewConnection(identity string, ch transport.Channel, open bool) *Connection {
	return &Connection{identity: identity, channel: ch, open: open}
}

func (c *Connection) Identity() string           { return c.identity }
func (c *Connection) Channel() transport.Channel { return c.channel }
func (c *Connection) IsOpen() bool               { return c.open }
func (c *Connection) DisplayName() string        { return c.displayName }

// Send writes data, or queues it while the channel is still opening.
func (c *Connection) Send(data []byte) error {
	if !c.open {
		c.outbox = append(c.outbox, data)
		return nil
	}
	return c.channel.Send(data)
}

// MarkOpen sends prefix, then the queued frames, in order. The first send
// error stops the flush and is returned.
func (c *Connection) MarkOpen(prefix ...[]byte) error {
	c.open = true
	pending := append(prefix, c.outbox...)
	c.outbox = nil
	for _, data := range pending {
		if err := c.channel.Send(data); err != nil {
			return err
		}
	}
	return nil
}

// TakeOutbox removes and returns the queued frames.
func (c *Connection) TakeOutbox() [][]byte {
	out := c.outbox
	c.outbox = nil
	return out
}

// Pending returns how many frames wait for the channel to open.
func (c *Connection) Pending() int { return len(c.outbox) }

// PublicKey returns the remote key-agreement key once learned.
func (c *Connection) PublicKey() (crypto.PublicKey, bool) {
	if c.publicKey == nil {
		return crypto.PublicKey{}, false
	}
	return *c.publicKey, true
}

// AttachPublicKey records pub unless a key is already set. It reports
// whether the stored key now equals pub.
func (c *Connection) AttachPublicKey(pub crypto.PublicKey) bool {
	if c.publicKey == nil {
		c.publicKey = &pub
		return true
	}
	return *c.publicKey == pub
}

// SetDisplayName records the first non-empty name announced.
func (c *Connection) SetDisplayName(name string) {
	if c.displayName == "" {
		c.displayName = name
	}
}

// adopt carries learned identity data over from a connection being replaced.
func (c *Connection) adopt(old *Connection) {
	if c.publicKey == nil && old.publicKey != nil {
		pk := *old.publicKey
		c.publicKey = &pk
	}
	c.SetDisplayName(old.displayName)
}
