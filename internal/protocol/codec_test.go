package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	got []Type
}

func (r *recordingHandler) HandleIdentityAnnounce(*IdentityAnnounce) {
	r.got = append(r.got, TypeIdentityAnnounce)
}
func (r *recordingHandler) HandleKeyAgreementAnnounce(*KeyAgreementAnnounce) {
	r.got = append(r.got, TypeKeyAgreementAnnounce)
}
func (r *recordingHandler) HandleRoomKeyDelivery(*RoomKeyDelivery) {
	r.got = append(r.got, TypeRoomKeyDelivery)
}
func (r *recordingHandler) HandlePeerList(*PeerList) { r.got = append(r.got, TypePeerList) }
func (r *recordingHandler) HandlePeerIntroduction(*PeerIntroduction) {
	r.got = append(r.got, TypePeerIntroduction)
}
func (r *recordingHandler) HandleChatEnvelope(*ChatEnvelope) {
	r.got = append(r.got, TypeChatEnvelope)
}

func TestDecodeWireRecords(t *testing.T) {
	cases := []struct {
		raw   string
		check func(t *testing.T, m Message)
	}{
		{
			`{"type":"identity","from":"room-a","ts":1700000000000,"username":"alice","payload":"cHVi"}`,
			func(t *testing.T, m Message) {
				ia := m.(*IdentityAnnounce)
				assert.Equal(t, "cHVi", ia.PublicKey)
				assert.Equal(t, "alice", ia.Username)
				ts, ok := ia.Time()
				assert.True(t, ok)
				assert.Equal(t, int64(1700000000000), ts.UnixMilli())
			},
		},
		{
			`{"type":"key-agreement","from":"room-a","payload":{"pubKey":"cHVi"}}`,
			func(t *testing.T, m Message) {
				assert.Equal(t, "cHVi", m.(*KeyAgreementAnnounce).PublicKey)
				_, ok := m.Time()
				assert.False(t, ok)
			},
		},
		{
			`{"type":"room-key","from":"room","payload":{"iv":"AQID","ciphertext":"BAUG"}}`,
			func(t *testing.T, m Message) {
				rk := m.(*RoomKeyDelivery)
				assert.Equal(t, []byte{1, 2, 3}, rk.Sealed.IV)
				assert.Equal(t, []byte{4, 5, 6}, rk.Sealed.Ciphertext)
			},
		},
		{
			`{"type":"peer-list","from":"room","payload":["room-x","room-y"]}`,
			func(t *testing.T, m Message) {
				assert.Equal(t, []string{"room-x", "room-y"}, m.(*PeerList).Peers)
			},
		},
		{
			`{"type":"peer-introduction","from":"room","payload":{"peerId":"room-z"}}`,
			func(t *testing.T, m Message) {
				assert.Equal(t, "room-z", m.(*PeerIntroduction).PeerID)
			},
		},
		{
			`{"type":"chat","from":"room-x","ts":5,"payload":{"iv":"AQID","ciphertext":"BAUG"}}`,
			func(t *testing.T, m Message) {
				assert.Equal(t, "room-x", m.Sender())
				assert.Equal(t, []byte{1, 2, 3}, m.(*ChatEnvelope).Sealed.IV)
			},
		},
	}

	for _, tc := range cases {
		m, err := Decode([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		tc.check(t, m)
	}
}

func TestEncodeProducesWireShape(t *testing.T) {
	at := time.UnixMilli(1700000000123)

	data, err := Encode(&IdentityAnnounce{
		Header:    NewHeader("room-a", at),
		PublicKey: "cHVi",
		Username:  "alice",
	})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "identity", generic["type"])
	assert.Equal(t, "room-a", generic["from"])
	assert.Equal(t, float64(1700000000123), generic["ts"])
	assert.Equal(t, "alice", generic["username"])
	assert.Equal(t, "cHVi", generic["payload"])

	data, err = Encode(&PeerList{Header: Header{From: "room"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"peer-list","from":"room","payload":[]}`, string(data))

	data, err = Encode(&ChatEnvelope{Header: Header{From: "room"}, Sealed: SealedPayload{IV: []byte{1, 2, 3}, Ciphertext: []byte{4, 5, 6}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","from":"room","payload":{"iv":"AQID","ciphertext":"BAUG"}}`, string(data))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`{"from":"a","payload":"x"}`,
		`{"type":"identity","payload":"x"}`,
		`{"type":"identity","from":"a"}`,
		`{"type":"identity","from":"a","payload":""}`,
		`{"type":"identity","from":"a","payload":{"pub":"x"}}`,
		`{"type":"key-agreement","from":"a","payload":{}}`,
		`{"type":"room-key","from":"a","payload":{"iv":"!!","ciphertext":"AQID"}}`,
		`{"type":"chat","from":"a","payload":{"iv":"AQID"}}`,
		`{"type":"peer-list","from":"a","payload":{"peers":[]}}`,
		`{"type":"peer-introduction","from":"a","payload":{"peerId":""}}`,
	}
	for _, raw := range bad {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedMessage, raw)
	}

	_, err := Decode([]byte(`{"type":"typing","from":"a","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDispatchRoutesByVariant(t *testing.T) {
	msgs := []Message{
		&IdentityAnnounce{},
		&KeyAgreementAnnounce{},
		&RoomKeyDelivery{},
		&PeerList{},
		&PeerIntroduction{},
		&ChatEnvelope{},
	}

	h := &recordingHandler{}
	for _, m := range msgs {
		Dispatch(m, h)
	}

	assert.Equal(t, []Type{
		TypeIdentityAnnounce,
		TypeKeyAgreementAnnounce,
		TypeRoomKeyDelivery,
		TypePeerList,
		TypePeerIntroduction,
		TypeChatEnvelope,
	}, h.got)
}

func TestEncodeDecodeKeepsVariant(t *testing.T) {
	in := &PeerIntroduction{Header: NewHeader("room", time.UnixMilli(42)), PeerID: "room-q"}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, in, out)
}
