package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// ErrRejected is returned by Dial when the server refuses the hello.
var ErrRejected = errors.New("rejected by server")

// Endpoint is the WebRTC side of one signaling exchange.
type Endpoint interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// Ready is closed once the DataChannel is open.
	Ready() <-chan struct{}
	// Close abandons the endpoint.
	Close() error
}

// exchange performs the SDP/ICE exchange over conn until ep is ready:
//   - the offerer creates and sends the offer, the other side answers
//   - both sides trickle ICE candidates
//
// The caller closes conn afterwards, which also stops the read loop.
func exchange(ctx context.Context, conn *websocket.Conn, ep Endpoint, offerer bool) error {
	s := &sender{ep: ep, conn: conn}
	r := &receiver{ep: ep, conn: conn, sender: s}

	// Trickle ICE candidates; best-effort once the channel is up.
	ep.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		s.sendCandidate(string(data))
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offerer {
		if err := s.sendOffer(); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-ep.Ready():
		return nil

	case err := <-errCh:
		// The read may fail because the peer closed the WS right after the
		// channel opened.
		select {
		case <-ep.Ready():
			return nil
		default:
			return fmt.Errorf("signaling failed: %w", err)
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}
