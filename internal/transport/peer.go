package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/util"
)

// peer is one PeerConnection + DataChannel pair. It implements
// signaling.Endpoint for its own negotiation.
type peer struct {
	t        *Transport
	id       protocol.PeerID
	identity string

	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	gate *sendGate

	openSignal chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once

	status Status // guarded by t.mu, only changed from Iterate
}

// newDataChannel creates a pre-negotiated, ordered, reliable DataChannel on
// the given PeerConnection. Using negotiated mode (ID 0) allows both sides to
// create the channel independently without relying on OnDataChannel. Tunnel
// frames rely on in-order delivery, so the channel must stay ordered.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("tunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// newPeer creates the PeerConnection and DataChannel for one remote peer and
// wires their callbacks into the transport's event queue.
func (t *Transport) newPeer(id protocol.PeerID, identity string) (*peer, error) {
	config := webrtc.Configuration{}
	for _, s := range t.iceServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := t.api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(t.ctx)
	p := &peer{
		t:          t,
		id:         id,
		identity:   identity,
		pc:         pc,
		dc:         dc,
		gate:       newSendGate(dc),
		openSignal: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
		t.post(event{kind: eventStatus, peer: id, status: statusOf(pc)})
	})

	dc.OnClose(func() {
		util.LogDebug("peer %d: DataChannel closed", id)
		cancel()
		t.post(event{kind: eventStatus, peer: id, status: StatusNone})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.post(event{kind: eventMessage, peer: id, data: msg.Data})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer %d: PeerConnection state: %s", id, state)
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			cancel()
			t.post(event{kind: eventStatus, peer: id, status: StatusNone})
		}
	})

	return p, nil
}

// close shuts down the DataChannel and PeerConnection exactly once.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.dc.Close()
		p.pc.Close()
	})
}

// ---------------------------------------------------------------------------
// signaling.Endpoint
// ---------------------------------------------------------------------------

func (p *peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// Ready is closed when the DataChannel opens.
func (p *peer) Ready() <-chan struct{} {
	return p.openSignal
}

// Close abandons a peer whose negotiation failed.
func (p *peer) Close() error {
	p.close()
	p.t.post(event{kind: eventStatus, peer: p.id, status: StatusNone})
	return nil
}
