// Package signaling carries the WebSocket exchange that authenticates a client
// and negotiates the WebRTC DataChannel used as the peer transport.
//
// The exchange is: the client sends hello (identity + auth), the server
// replies welcome or reject, then the server sends the SDP offer and both
// sides trickle ICE candidates until the DataChannel opens.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeHello     MessageType = "hello"
	MsgTypeWelcome   MessageType = "welcome"
	MsgTypeReject    MessageType = "reject"
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
)

// Message is the JSON structure exchanged over the WebSocket during signaling.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Identity  string      `json:"identity,omitempty"`
	Auth      string      `json:"auth,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// Hello is what a client presents to the server.
type Hello struct {
	Identity string
	Auth     string
}
