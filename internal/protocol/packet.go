// Package protocol defines the frame format exchanged between tunnel peers.
package protocol

import "fmt"

// PacketType identifies the kind of frame. The numeric values are part of the
// wire format and must not change.
type PacketType uint16

// Packet type constants.
const (
	TypePong          PacketType = 0x0100 // Reply to TypePing, echoes its payload
	TypePing          PacketType = 0x0108 // Liveness probe
	TypeData          PacketType = 0x0600 // TCP stream bytes for one tunnel
	TypeFin           PacketType = 0x0601 // Tunnel closed (or tunnel request rejected)
	TypeTunnelRequest PacketType = 0x0602 // Client asks the server to open a tunnel
	TypeAckTunnel     PacketType = 0x0610 // Server accepted a tunnel request
)

// Wire constants.
const (
	// Magic is the first two bytes of every frame.
	Magic uint16 = 0xa26a

	// HeaderSize is the fixed header size:
	// Magic(2) + Type(2) + ConnID(4) + Length(2).
	HeaderSize = 10

	// MaxMessageSize is the largest message handed to the peer transport.
	MaxMessageSize = 16 * 1024

	// MaxPayload is the largest payload one frame can carry.
	MaxPayload = MaxMessageSize - HeaderSize
)

// PeerID is the transport's opaque handle for a remote peer. It is never
// encoded on the wire; the receiver fills it in from the delivering peer.
type PeerID uint32

// Frame is a single protocol message.
type Frame struct {
	Type    PacketType
	Peer    PeerID
	ID      uint32 // connection id
	Payload []byte
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	switch t {
	case TypePong, TypePing, TypeData, TypeFin, TypeTunnelRequest, TypeAckTunnel:
		return true
	}
	return false
}

func (t PacketType) String() string {
	switch t {
	case TypePong:
		return "PONG"
	case TypePing:
		return "PING"
	case TypeData:
		return "TCP_DATA"
	case TypeFin:
		return "TCP_FIN"
	case TypeTunnelRequest:
		return "TUNNEL_REQUEST"
	case TypeAckTunnel:
		return "ACK_TUNNEL"
	default:
		return fmt.Sprintf("0x%04x", uint16(t))
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("%s(peer=%d, id=%08x, len=%d)", f.Type, f.Peer, f.ID, len(f.Payload))
}
