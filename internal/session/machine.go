package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/crypto"
	"meshchat/internal/protocol"
	"meshchat/internal/registry"
	"meshchat/internal/room"
	"meshchat/internal/transport"
)

func (s *Session) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.IncomingConnection:
		s.handleIncoming(ev.Channel)
	case transport.Opened:
		s.handleOpened(ev.Channel)
	case transport.Data:
		s.handleData(ev.Channel, ev.Data)
	case transport.Closed:
		s.handleClosed(ev.Channel, ev.Err)
	}
}

// connect returns the connection to identity, dialing if there is none.
func (s *Session) connect(identity string) *registry.Connection {
	if identity == s.identity {
		return nil
	}
	if c, ok := s.registry.Get(identity); ok {
		return c
	}

	ch, err := s.adapter.Dial(s.ctx, identity)
	if err != nil {
		s.log.Warn("failed to dial peer", "peer", room.ShortID(identity), "error", err)
		return nil
	}

	c := registry.NewConnection(identity, ch, false)
	if err := s.registry.Upsert(c); err != nil {
		ch.Close()
		return nil
	}
	s.log.Debug("dialing peer", "peer", room.ShortID(identity))
	return c
}

func (s *Session) handleIncoming(ch transport.Channel) {
	remote := ch.Remote()
	if remote == s.identity || !room.BelongsTo(remote, s.roomID) {
		s.log.Warn("rejecting channel", "peer", remote)
		ch.Close()
		return
	}

	c := registry.NewConnection(remote, ch, true)

	existing, ok := s.registry.Get(remote)
	if ok && existing.Channel() != ch {
		if !s.preferIncoming(existing, ch) {
			s.log.Debug("dropping duplicate channel", "peer", room.ShortID(remote))
			ch.Close()
			return
		}
		s.registry.Upsert(c)
		existing.Channel().Close()
		s.greet(c)
		for _, data := range existing.TakeOutbox() {
			s.write(c, data)
		}
		return
	}

	s.registry.Upsert(c)
	s.log.Info("peer connected", "peer", room.ShortID(remote))
	s.greet(c)
}

// preferIncoming settles two channels between the same pair of peers. Both
// sides keep the one dialed by the smaller identity; a re-dial by the same
// dialer replaces the older channel.
func (s *Session) preferIncoming(existing *registry.Connection, incoming transport.Channel) bool {
	remote := incoming.Remote()
	existingDialer := remote
	if existing.Channel().Outbound() {
		existingDialer = s.identity
	}
	if existingDialer == remote {
		return true
	}

	preferred := s.identity
	if remote < preferred {
		preferred = remote
	}
	return preferred == remote
}

func (s *Session) handleOpened(ch transport.Channel) {
	c, ok := s.registry.Get(ch.Remote())
	if !ok || c.Channel() != ch {
		ch.Close()
		return
	}

	greeting, err := s.identityAnnounce()
	if err != nil {
		s.log.Warn("failed to encode identity", "error", err)
		return
	}
	c.SentIdentity = true
	if err := c.MarkOpen(greeting); err != nil {
		s.log.Warn("failed to flush connection", "peer", room.ShortID(c.Identity()), "error", err)
	}
	s.log.Info("peer connected", "peer", room.ShortID(c.Identity()))
}

func (s *Session) handleClosed(ch transport.Channel, reason error) {
	if !s.registry.RemoveChannel(ch.Remote(), ch) {
		return
	}
	if reason != nil {
		s.log.Info("peer disconnected", "peer", room.ShortID(ch.Remote()), "reason", reason)
		return
	}
	s.log.Info("peer disconnected", "peer", room.ShortID(ch.Remote()))
}

func (s *Session) handleData(ch transport.Channel, data []byte) {
	// frames still arriving on a channel that lost a duplicate race belong
	// to the same identity
	c, ok := s.registry.Get(ch.Remote())
	if !ok {
		s.log.Debug("dropping frame from unknown channel", "peer", room.ShortID(ch.Remote()))
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("dropping control message", "peer", room.ShortID(ch.Remote()), "error", err)
		return
	}
	if msg.Sender() != ch.Remote() {
		s.log.Warn("dropping control message with spoofed sender", "peer", room.ShortID(ch.Remote()), "claimed", msg.Sender(), "type", string(msg.Type()))
		return
	}

	protocol.Dispatch(msg, &inbound{s: s, conn: c})
}

// inbound handles one decoded message arriving over conn.
type inbound struct {
	s    *Session
	conn *registry.Connection
}

func (in *inbound) HandleIdentityAnnounce(m *protocol.IdentityAnnounce) {
	s, c := in.s, in.conn

	pub, err := crypto.ImportPublic(m.PublicKey)
	if err != nil {
		s.log.Warn("dropping identity announce", "peer", room.ShortID(c.Identity()), "error", err)
		return
	}
	if !c.AttachPublicKey(pub) {
		s.log.Warn("ignoring changed public key", "peer", room.ShortID(c.Identity()))
	}
	c.SetDisplayName(m.Username)

	if c.IsOpen() && !c.SentIdentity {
		s.greet(c)
	}

	// the creator's announce is the signal that it is ready for ours
	if s.role == room.RoleJoiner && s.roomKey == nil && c.Identity() == s.roomID && !c.SentKeyAgreement {
		s.sendKeyAgreement(c)
	}
}

func (in *inbound) HandleKeyAgreementAnnounce(m *protocol.KeyAgreementAnnounce) {
	s, c := in.s, in.conn
	if s.role != room.RoleCreator {
		s.log.Debug("ignoring key agreement on a joiner", "peer", room.ShortID(c.Identity()))
		return
	}

	pub, err := crypto.ImportPublic(m.PublicKey)
	if err != nil {
		s.log.Warn("dropping key agreement", "peer", room.ShortID(c.Identity()), "error", err)
		return
	}
	if !c.AttachPublicKey(pub) {
		s.log.Warn("key agreement differs from announced key, using the first", "peer", room.ShortID(c.Identity()))
	}
	pub, _ = c.PublicKey()

	wrapKey, err := crypto.DeriveSharedKey(s.keys, pub)
	if err != nil {
		s.log.Warn("failed to derive pairwise key", "peer", room.ShortID(c.Identity()), "error", err)
		return
	}
	sealed, err := crypto.Encrypt(wrapKey, crypto.ExportSymmetric(*s.roomKey))
	if err != nil {
		s.log.Warn("failed to wrap room key", "error", err)
		return
	}

	target := s.connect(c.Identity())
	if target == nil {
		return
	}

	now := time.Now()
	s.emit(target, &protocol.RoomKeyDelivery{
		Header: protocol.NewHeader(s.identity, now),
		Sealed: protocol.SealedPayload{IV: sealed.Nonce, Ciphertext: sealed.Ciphertext},
	})

	peers := make([]string, 0, s.registry.Len())
	for _, id := range s.registry.All() {
		if id != target.Identity() {
			peers = append(peers, id)
		}
	}
	peers = append(peers, s.identity)
	s.emit(target, &protocol.PeerList{Header: protocol.NewHeader(s.identity, now), Peers: peers})

	intro := &protocol.PeerIntroduction{Header: protocol.NewHeader(s.identity, now), PeerID: target.Identity()}
	for _, other := range s.registry.Connections() {
		if other == target || !other.IsOpen() {
			continue
		}
		s.emit(other, intro)
	}

	s.log.Info("room key delivered", "peer", room.ShortID(target.Identity()), "members", s.registry.Len()+1)
}

func (in *inbound) HandleRoomKeyDelivery(m *protocol.RoomKeyDelivery) {
	s, c := in.s, in.conn
	if s.roomKey != nil {
		s.log.Debug("ignoring room key, already held", "peer", room.ShortID(c.Identity()))
		return
	}
	if c.Identity() != s.roomID {
		s.log.Warn("ignoring room key from non-creator", "peer", room.ShortID(c.Identity()))
		return
	}

	pub, ok := c.PublicKey()
	if !ok {
		s.log.Warn("room key arrived before creator identity")
		return
	}
	wrapKey, err := crypto.DeriveSharedKey(s.keys, pub)
	if err != nil {
		s.log.Warn("failed to derive pairwise key", "error", err)
		return
	}
	raw, err := crypto.Decrypt(wrapKey, m.Sealed.IV, m.Sealed.Ciphertext)
	if err != nil {
		s.log.Warn("failed to unwrap room key", "error", err)
		return
	}
	key, err := crypto.ImportSymmetric(raw)
	if err != nil {
		s.log.Warn("failed to import room key", "error", err)
		return
	}

	s.roomKey = &key
	s.setState(StateHasRoomKey)
	s.log.Info("room key received")
}

func (in *inbound) HandlePeerList(m *protocol.PeerList) {
	s, c := in.s, in.conn
	if c.Identity() != s.roomID {
		s.log.Warn("ignoring peer list from non-creator", "peer", room.ShortID(c.Identity()))
		return
	}
	for _, id := range m.Peers {
		if id == s.identity || !room.BelongsTo(id, s.roomID) {
			continue
		}
		s.connect(id)
	}
}

func (in *inbound) HandlePeerIntroduction(m *protocol.PeerIntroduction) {
	s, c := in.s, in.conn
	if c.Identity() != s.roomID {
		s.log.Warn("ignoring introduction from non-creator", "peer", room.ShortID(c.Identity()))
		return
	}
	if m.PeerID == s.identity || !room.BelongsTo(m.PeerID, s.roomID) {
		return
	}
	s.connect(m.PeerID)
}

func (in *inbound) HandleChatEnvelope(m *protocol.ChatEnvelope) {
	s := in.s
	if s.roomKey == nil {
		s.log.Debug("dropping chat before room key", "peer", room.ShortID(m.Sender()))
		return
	}

	plain, err := crypto.Decrypt(*s.roomKey, m.Sealed.IV, m.Sealed.Ciphertext)
	if err != nil {
		s.log.Warn("dropping undecryptable chat", "peer", room.ShortID(m.Sender()), "error", err)
		return
	}

	var content Content
	if err := json.Unmarshal(plain, &content); err != nil {
		s.log.Warn("dropping unparseable chat", "peer", room.ShortID(m.Sender()), "error", err)
		return
	}

	at, ok := m.Time()
	if !ok {
		at = time.Now()
	}
	s.observer.OnMessage(ChatMessage{
		ID:        uuid.NewString(),
		From:      m.Sender(),
		Content:   content,
		Timestamp: at,
	})
}

func (s *Session) send(content Content) error {
	if s.roomKey == nil {
		return ErrNoRoomKey
	}
	if content.Kind == "" {
		content.Kind = DetectKind(content.Text)
	}
	if content.Sender == "" {
		content.Sender = s.displayName
	}

	plain, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	sealed, err := sealMessage(*s.roomKey, plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt message: %w", err)
	}

	header := protocol.NewHeader(s.identity, time.Now())
	data, err := protocol.Encode(&protocol.ChatEnvelope{
		Header: header,
		Sealed: protocol.SealedPayload{IV: sealed.Nonce, Ciphertext: sealed.Ciphertext},
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	for _, c := range s.registry.Connections() {
		if c.IsOpen() {
			s.write(c, data)
		}
	}

	at, _ := header.Time()
	s.observer.OnMessage(ChatMessage{
		ID:        uuid.NewString(),
		From:      s.identity,
		Content:   content,
		Timestamp: at,
		Local:     true,
	})
	return nil
}

func (s *Session) retryJoin() {
	c, ok := s.registry.Get(s.roomID)
	if !ok {
		s.log.Info("retrying creator connection")
		s.connect(s.roomID)
		return
	}
	if !c.IsOpen() {
		return
	}
	if _, ok := c.PublicKey(); ok {
		s.log.Info("re-sending key agreement")
		s.sendKeyAgreement(c)
	}
}

func (s *Session) sendKeyAgreement(c *registry.Connection) {
	c.SentKeyAgreement = true
	s.emit(c, &protocol.KeyAgreementAnnounce{
		Header:    protocol.NewHeader(s.identity, time.Now()),
		PublicKey: crypto.ExportPublic(s.keys.Public()),
	})
}

func (s *Session) identityAnnounce() ([]byte, error) {
	return protocol.Encode(&protocol.IdentityAnnounce{
		Header:    protocol.NewHeader(s.identity, time.Now()),
		PublicKey: crypto.ExportPublic(s.keys.Public()),
		Username:  s.displayName,
	})
}

func (s *Session) greet(c *registry.Connection) {
	data, err := s.identityAnnounce()
	if err != nil {
		s.log.Warn("failed to encode identity", "error", err)
		return
	}
	c.SentIdentity = true
	s.write(c, data)
}

func (s *Session) emit(c *registry.Connection, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		s.log.Warn("failed to encode message", "type", string(m.Type()), "error", err)
		return
	}
	s.write(c, data)
}

func (s *Session) write(c *registry.Connection, data []byte) {
	if err := c.Send(data); err != nil {
		s.log.Warn("failed to send", "peer", room.ShortID(c.Identity()), "error", err)
	}
}
