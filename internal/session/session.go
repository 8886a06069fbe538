// Package session drives tunnels over the peer transport.
//
// A Client runs the connection state machine of one forwarding, pipe or ping
// session against a single server peer. A Server answers tunnel requests from
// any number of client peers. Both are single-threaded: the tunnel table, the
// pending request slot and the session state are only touched by the
// goroutine running Run, and inbound frames reach them through a queue that
// is drained once per iteration.
package session

import (
	"errors"
	"time"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/transport"
)

// Greeting is the handshake payload used when no shared secret is set.
const Greeting = "Hi, fellow rtctun instance!"

const (
	pingProbe      = "rtctun ping"
	frameQueueSize = 4096

	sendBackoffMin = 2 * time.Millisecond
	sendBackoffMax = 512 * time.Millisecond
)

// Fatal session errors.
var (
	ErrHandshake       = errors.New("handshake request failed")
	ErrPeerLost        = errors.New("lost connection to peer")
	ErrTunnelCollision = errors.New("tunnel id collision")
	ErrTunnelRejected  = errors.New("tunnel request rejected by peer")
	ErrTunnelTimeout   = errors.New("timed out waiting for tunnel acknowledgement")
	ErrPingTimeout     = errors.New("timed out waiting for pong")
)

// errDone ends a client session successfully.
var errDone = errors.New("session finished")

// Transport is the peer transport as seen by a session.
// *transport.Transport implements it.
type Transport interface {
	Send(peer protocol.PeerID, msg []byte) error
	PeerStatus(peer protocol.PeerID) transport.Status
	RemovePeer(peer protocol.PeerID) error
	OnMessage(fn func(peer protocol.PeerID, msg []byte))
	Iterate()
	IterationInterval() time.Duration
	Wake() <-chan struct{}
}

// ClientTransport adds peer creation for the client role.
type ClientTransport interface {
	Transport
	AddPeer(remote string, auth []byte) (protocol.PeerID, error)
}

// ServerTransport adds status notifications for the server role.
type ServerTransport interface {
	Transport
	OnStatus(fn func(peer protocol.PeerID, status transport.Status))
	PeerIdentity(peer protocol.PeerID) string
}

// State is the client session state.
type State int

const (
	StateAwaitHandshake State = iota
	StateAwaitPeerOnline
	StateAwaitTunnelAck
	StateAwaitPong
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateAwaitHandshake:
		return "AWAIT_HANDSHAKE"
	case StateAwaitPeerOnline:
		return "AWAIT_PEER_ONLINE"
	case StateAwaitTunnelAck:
		return "AWAIT_TUNNEL_ACK"
	case StateAwaitPong:
		return "AWAIT_PONG"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}
