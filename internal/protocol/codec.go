package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decode errors. A frame that fails to decode is dropped by the receiver.
var (
	ErrShortFrame      = errors.New("frame shorter than header")
	ErrBadMagic        = errors.New("bad frame magic")
	ErrUnknownType     = errors.New("unknown packet type")
	ErrLengthMismatch  = errors.New("declared payload length does not match frame size")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame payload")
	ErrBufferTooSmall  = errors.New("buffer too small for header and payload")
)

// EncodeInto writes the frame header into buf[:HeaderSize] for a payload of n
// bytes that the caller has already placed at buf[HeaderSize:HeaderSize+n].
// It returns the encoded frame, buf[:HeaderSize+n]. The payload is not copied.
func EncodeInto(buf []byte, t PacketType, id uint32, n int) ([]byte, error) {
	if n < 0 || n > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if len(buf) < HeaderSize+n {
		return nil, ErrBufferTooSmall
	}
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(t))
	binary.BigEndian.PutUint32(buf[4:8], id)
	binary.BigEndian.PutUint16(buf[8:10], uint16(n))
	return buf[:HeaderSize+n], nil
}

// Encode serializes a Frame into a freshly allocated message.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf[HeaderSize:], f.Payload)
	return EncodeInto(buf, f.Type, f.ID, len(f.Payload))
}

// Decode parses one transport message received from peer. The returned
// Payload aliases data.
func Decode(peer PeerID, data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortFrame, len(data), HeaderSize)
	}
	if magic := binary.BigEndian.Uint16(data[0:2]); magic != Magic {
		return Frame{}, fmt.Errorf("%w: 0x%04x", ErrBadMagic, magic)
	}

	t := PacketType(binary.BigEndian.Uint16(data[2:4]))
	if !t.Valid() {
		return Frame{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	n := int(binary.BigEndian.Uint16(data[8:10]))
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	if n != len(data)-HeaderSize {
		return Frame{}, fmt.Errorf("%w: declared %d, got %d", ErrLengthMismatch, n, len(data)-HeaderSize)
	}

	f := Frame{
		Type: t,
		Peer: peer,
		ID:   binary.BigEndian.Uint32(data[4:8]),
	}
	if n > 0 {
		f.Payload = data[HeaderSize:]
	}
	return f, nil
}

// Split breaks payload into consecutive frames of at most MaxPayload bytes,
// all carrying the same type, peer and id. An empty payload yields one empty
// frame.
func Split(t PacketType, peer PeerID, id uint32, payload []byte) []Frame {
	if len(payload) <= MaxPayload {
		return []Frame{{Type: t, Peer: peer, ID: id, Payload: payload}}
	}

	frames := make([]Frame, 0, (len(payload)+MaxPayload-1)/MaxPayload)
	for len(payload) > 0 {
		n := min(len(payload), MaxPayload)
		frames = append(frames, Frame{Type: t, Peer: peer, ID: id, Payload: payload[:n]})
		payload = payload[n:]
	}
	return frames
}

// ---------------------------------------------------------------------------
// Control payloads
// ---------------------------------------------------------------------------

// TunnelRequest builds the payload of a TUNNEL_REQUEST frame: port(2) + host.
func TunnelRequest(host string, port uint16) []byte {
	buf := make([]byte, 2+len(host))
	binary.BigEndian.PutUint16(buf[0:2], port)
	copy(buf[2:], host)
	return buf
}

// ParseTunnelRequest extracts the target host and port from a TUNNEL_REQUEST
// payload.
func ParseTunnelRequest(payload []byte) (host string, port uint16, err error) {
	if len(payload) < 3 {
		return "", 0, fmt.Errorf("tunnel request payload too short: %d bytes", len(payload))
	}
	return string(payload[2:]), binary.BigEndian.Uint16(payload[0:2]), nil
}

// AckPayload builds the payload of an ACK_TUNNEL frame: the connection id the
// client proposed in its request.
func AckPayload(requested uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, requested)
}

// ParseAck returns the requested connection id echoed in an ACK_TUNNEL payload.
func ParseAck(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("ack payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
