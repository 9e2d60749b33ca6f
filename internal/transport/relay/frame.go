// Package relay is a websocket rendezvous: a Server that forwards opaque
// channel frames between registered identities, and a client Adapter.
package relay

// frame types
const (
	typeRegister   = "register"
	typeRegistered = "registered"
	typeError      = "error"
	typeOpen       = "open"
	typeAccept     = "accept"
	typeData       = "data"
	typeClose      = "close"
)

// error codes carried in frame.Error
const (
	codeIdentityTaken   = "identity-taken"
	codeBadRequest      = "bad-request"
	codePeerUnavailable = "peer-unavailable"
)

// Path is where the Server accepts websocket clients.
const Path = "/ws"

// frame is the only message on the wire in either direction. Chan is chosen
// by the dialer and is unique across the relay because it is prefixed with
// the dialer's identity.
type frame struct {
	Type    string `json:"type"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Chan    string `json:"chan,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}
