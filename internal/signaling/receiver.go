package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctun/internal/util"
)

// receiver applies inbound signaling messages to the endpoint.
type receiver struct {
	ep     Endpoint
	conn   *websocket.Conn
	sender *sender

	// Candidates can overtake the answer; they wait here until a remote
	// description exists.
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// watch reads messages until the connection fails or is closed.
func (r *receiver) watch() error {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if err := r.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case MsgTypeAnswer:
			if err := r.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return err
			}

		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			if !r.remoteSet {
				r.pending = append(r.pending, init)
				continue
			}
			if err := r.ep.AddICECandidate(init); err != nil {
				util.LogWarning("AddICECandidate failed: %v", err)
			}

		default:
			util.LogDebug("ignoring signaling message %q", msg.Type)
		}
	}
}

func (r *receiver) setRemote(t webrtc.SDPType, sdp string) error {
	if err := r.ep.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	r.remoteSet = true

	for _, c := range r.pending {
		if err := r.ep.AddICECandidate(c); err != nil {
			util.LogWarning("AddICECandidate failed: %v", err)
		}
	}
	r.pending = nil
	return nil
}
