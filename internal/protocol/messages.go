// Package protocol defines the control and application messages exchanged
// between room members and their JSON wire encoding.
//
// Every message is one record {type, from, ts?, payload}. The set of
// variants is closed: Message can only be implemented inside this package,
// and Dispatch routes a decoded message to the matching Handler method, so
// adding a variant breaks every Handler until it is handled.
package protocol

import "time"

// Type is the wire discriminator.
type Type string

const (
	TypeIdentityAnnounce     Type = "identity"
	TypeKeyAgreementAnnounce Type = "key-agreement"
	TypeRoomKeyDelivery      Type = "room-key"
	TypePeerList             Type = "peer-list"
	TypePeerIntroduction     Type = "peer-introduction"
	TypeChatEnvelope         Type = "chat"
)

// Header carries the fields common to every message.
type Header struct {
	From string
	// Timestamp is epoch milliseconds, 0 when absent.
	Timestamp int64
}

// NewHeader stamps a header for from at t.
func NewHeader(from string, t time.Time) Header {
	return Header{From: from, Timestamp: t.UnixMilli()}
}

// Sender returns the claimed origin identity.
func (h Header) Sender() string { return h.From }

// Time returns the send time if the message carried one.
func (h Header) Time() (time.Time, bool) {
	if h.Timestamp <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(h.Timestamp), true
}

// Message is one of the variants below.
type Message interface {
	Type() Type
	Sender() string
	Time() (time.Time, bool)

	dispatch(h Handler)
	payload() any
}

// Handler has one method per variant.
type Handler interface {
	HandleIdentityAnnounce(m *IdentityAnnounce)
	HandleKeyAgreementAnnounce(m *KeyAgreementAnnounce)
	HandleRoomKeyDelivery(m *RoomKeyDelivery)
	HandlePeerList(m *PeerList)
	HandlePeerIntroduction(m *PeerIntroduction)
	HandleChatEnvelope(m *ChatEnvelope)
}

// Dispatch calls the Handler method matching m's variant.
func Dispatch(m Message, h Handler) {
	m.dispatch(h)
}

// SealedPayload is an AEAD nonce and ciphertext; both travel as base64.
type SealedPayload struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// IdentityAnnounce is sent by both ends as soon as a channel opens.
type IdentityAnnounce struct {
	Header
	// PublicKey is the exported key-agreement public key.
	PublicKey string
	Username  string
}

// KeyAgreementAnnounce asks the creator for the RoomKey.
type KeyAgreementAnnounce struct {
	Header
	PublicKey string
}

type keyAgreementPayload struct {
	PubKey string `json:"pubKey"`
}

// RoomKeyDelivery carries the RoomKey wrapped under the pairwise key.
type RoomKeyDelivery struct {
	Header
	Sealed SealedPayload
}

// PeerList tells a new member which identities are already in the room.
type PeerList struct {
	Header
	Peers []string
}

// PeerIntroduction tells existing members about a new one.
type PeerIntroduction struct {
	Header
	PeerID string
}

type peerIntroductionPayload struct {
	PeerID string `json:"peerId"`
}

// ChatEnvelope is application content sealed under the RoomKey.
type ChatEnvelope struct {
	Header
	Sealed SealedPayload
}

func (*IdentityAnnounce) Type() Type     { return TypeIdentityAnnounce }
func (*KeyAgreementAnnounce) Type() Type { return TypeKeyAgreementAnnounce }
func (*RoomKeyDelivery) Type() Type      { return TypeRoomKeyDelivery }
func (*PeerList) Type() Type             { return TypePeerList }
func (*PeerIntroduction) Type() Type     { return TypePeerIntroduction }
func (*ChatEnvelope) Type() Type         { return TypeChatEnvelope }

func (m *IdentityAnnounce) dispatch(h Handler)     { h.HandleIdentityAnnounce(m) }
func (m *KeyAgreementAnnounce) dispatch(h Handler) { h.HandleKeyAgreementAnnounce(m) }
func (m *RoomKeyDelivery) dispatch(h Handler)      { h.HandleRoomKeyDelivery(m) }
func (m *PeerList) dispatch(h Handler)             { h.HandlePeerList(m) }
func (m *PeerIntroduction) dispatch(h Handler)     { h.HandlePeerIntroduction(m) }
func (m *ChatEnvelope) dispatch(h Handler)         { h.HandleChatEnvelope(m) }

func (m *IdentityAnnounce) payload() any { return m.PublicKey }
func (m *KeyAgreementAnnounce) payload() any {
	return keyAgreementPayload{PubKey: m.PublicKey}
}
func (m *RoomKeyDelivery) payload() any { return m.Sealed }
func (m *PeerList) payload() any {
	if m.Peers == nil {
		return []string{}
	}
	return m.Peers
}
func (m *PeerIntroduction) payload() any {
	return peerIntroductionPayload{PeerID: m.PeerID}
}
func (m *ChatEnvelope) payload() any { return m.Sealed }
