package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage = errors.New("malformed control message")
	ErrUnknownType      = errors.New("unknown message type")
)

// record is the on-the-wire shape shared by all variants
type record struct {
	Type     Type            `json:"type"`
	From     string          `json:"from"`
	Ts       int64           `json:"ts,omitempty"`
	Username string          `json:"username,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m.payload())
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", m.Type(), err)
	}

	rec := record{
		Type:    m.Type(),
		From:    m.Sender(),
		Payload: payload,
	}
	if t, ok := m.Time(); ok {
		rec.Ts = t.UnixMilli()
	}
	if ia, ok := m.(*IdentityAnnounce); ok {
		rec.Username = ia.Username
	}

	return json.Marshal(rec)
}

// Decode parses one wire record. Any structural problem is reported as
// ErrMalformedMessage; an unrecognised discriminator as ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if rec.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if rec.From == "" {
		return nil, fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}

	h := Header{From: rec.From, Timestamp: rec.Ts}

	switch rec.Type {
	case TypeIdentityAnnounce:
		var pub string
		if err := decodePayload(rec, &pub); err != nil {
			return nil, err
		}
		if pub == "" {
			return nil, fmt.Errorf("%w: identity without public key", ErrMalformedMessage)
		}
		return &IdentityAnnounce{Header: h, PublicKey: pub, Username: rec.Username}, nil

	case TypeKeyAgreementAnnounce:
		var p keyAgreementPayload
		if err := decodePayload(rec, &p); err != nil {
			return nil, err
		}
		if p.PubKey == "" {
			return nil, fmt.Errorf("%w: key agreement without public key", ErrMalformedMessage)
		}
		return &KeyAgreementAnnounce{Header: h, PublicKey: p.PubKey}, nil

	case TypeRoomKeyDelivery:
		sealed, err := decodeSealed(rec)
		if err != nil {
			return nil, err
		}
		return &RoomKeyDelivery{Header: h, Sealed: sealed}, nil

	case TypePeerList:
		var peers []string
		if err := decodePayload(rec, &peers); err != nil {
			return nil, err
		}
		return &PeerList{Header: h, Peers: peers}, nil

	case TypePeerIntroduction:
		var p peerIntroductionPayload
		if err := decodePayload(rec, &p); err != nil {
			return nil, err
		}
		if p.PeerID == "" {
			return nil, fmt.Errorf("%w: introduction without peer", ErrMalformedMessage)
		}
		return &PeerIntroduction{Header: h, PeerID: p.PeerID}, nil

	case TypeChatEnvelope:
		sealed, err := decodeSealed(rec)
		if err != nil {
			return nil, err
		}
		return &ChatEnvelope{Header: h, Sealed: sealed}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, rec.Type)
	}
}

func decodePayload(rec record, v any) error {
	if len(rec.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedMessage, rec.Type)
	}
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, rec.Type, err)
	}
	return nil
}

func decodeSealed(rec record) (SealedPayload, error) {
	var s SealedPayload
	if err := decodePayload(rec, &s); err != nil {
		return s, err
	}
	if len(s.IV) == 0 || len(s.Ciphertext) == 0 {
		return s, fmt.Errorf("%w: %s missing iv or ciphertext", ErrMalformedMessage, rec.Type)
	}
	return s, nil
}
