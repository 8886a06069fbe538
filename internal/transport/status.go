package transport

import (
	"github.com/pion/webrtc/v4"
)

// Status is a peer's connectivity as seen by the tunnel layer.
type Status int

const (
	// StatusNone means there is no usable channel to the peer.
	StatusNone Status = iota
	// StatusRelayed means the channel is open through a TURN relay.
	StatusRelayed
	// StatusDirect means the channel is open over a direct ICE path.
	StatusDirect
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusRelayed:
		return "relayed"
	case StatusDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Connected reports whether frames can be sent.
func (s Status) Connected() bool {
	return s != StatusNone
}

// statusOf classifies an open PeerConnection by its selected candidate pair.
func statusOf(pc *webrtc.PeerConnection) Status {
	sctp := pc.SCTP()
	if sctp == nil {
		return StatusDirect
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return StatusDirect
	}
	if pair.Local.Typ == webrtc.ICECandidateTypeRelay || pair.Remote.Typ == webrtc.ICECandidateTypeRelay {
		return StatusRelayed
	}
	return StatusDirect
}
