// Package transport is the peer transport under the tunnel layer: one WebRTC
// DataChannel per remote peer, negotiated through the signaling package.
//
// Events raised by pion (messages, connectivity changes) are queued and only
// delivered from Iterate, so the tunnel loop sees them at a fixed point of its
// iteration and never re-entrantly.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/signaling"
	"github.com/1ureka/rtctun/internal/util"
)

// Send and peer management errors.
var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrMessageTooLarge  = errors.New("message exceeds maximum size")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidAddress   = errors.New("invalid peer address")
)

const (
	// DefaultIterationInterval is how long the tunnel loop may wait between
	// Iterate calls.
	DefaultIterationInterval = 20 * time.Millisecond

	eventQueueSize      = 1024
	maxEventsPerIterate = 1024
)

// Config configures a Transport.
type Config struct {
	// Identity is presented to servers in the signaling hello.
	Identity string
	// ICEServers are STUN/TURN servers. With none, only host candidates are
	// gathered.
	ICEServers []ICEServer
	// PortMin and PortMax restrict local UDP ports; zero means any.
	PortMin, PortMax uint16
	// IncludeLoopback offers loopback ICE candidates (same-host peers).
	IncludeLoopback bool
	// Interval overrides DefaultIterationInterval.
	Interval time.Duration
	// LoggerFactory receives pion's logs; NewLoggerFactory when nil.
	LoggerFactory logging.LoggerFactory
}

// ICEServer is a STUN or TURN server. TURN servers need credentials.
type ICEServer struct {
	URL        string
	Username   string
	Credential string
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventStatus
)

type event struct {
	kind   eventKind
	peer   protocol.PeerID
	data   []byte
	status Status
}

// Transport manages the peers of one process.
type Transport struct {
	api        *webrtc.API
	iceServers []ICEServer
	identity   string
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	events chan event
	wake   chan struct{}

	mu     sync.Mutex
	peers  map[protocol.PeerID]*peer
	nextID protocol.PeerID

	onMessage func(protocol.PeerID, []byte)
	onStatus  func(protocol.PeerID, Status)
}

// New creates a Transport. It lives until Close or until ctx is cancelled.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	se := webrtc.SettingEngine{}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid UDP port range %d:%d: %w", cfg.PortMin, cfg.PortMax, err)
		}
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)
	se.LoggerFactory = cfg.LoggerFactory
	if se.LoggerFactory == nil {
		se.LoggerFactory = NewLoggerFactory()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultIterationInterval
	}

	tCtx, tCancel := context.WithCancel(ctx)
	return &Transport{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		iceServers: cfg.ICEServers,
		identity:   cfg.Identity,
		interval:   interval,
		ctx:        tCtx,
		cancel:     tCancel,
		events:     make(chan event, eventQueueSize),
		wake:       make(chan struct{}, 1),
		peers:      make(map[protocol.PeerID]*peer),
	}, nil
}

// ---------------------------------------------------------------------------
// Peers
// ---------------------------------------------------------------------------

// AddPeer starts connecting to the signaling server at remote (a ws:// or
// wss:// URL) presenting auth. It returns at once; the peer's status leaves
// StatusNone when the DataChannel opens.
func (t *Transport) AddPeer(remote string, auth []byte) (protocol.PeerID, error) {
	u, err := url.Parse(remote)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, remote)
	}

	p, err := t.register(remote)
	if err != nil {
		return 0, err
	}

	hello := signaling.Hello{Identity: t.identity, Auth: string(auth)}
	go func() {
		err := signaling.Dial(p.ctx, remote, hello, p)
		switch {
		case err == nil:
		case p.ctx.Err() != nil:
		case errors.Is(err, signaling.ErrRejected):
			util.LogError("peer %d: %v", p.id, err)
		default:
			util.LogWarning("peer %d: handshake failed: %v", p.id, err)
		}
	}()

	return p.id, nil
}

// Accept creates the peer for an authorized client; it implements
// signaling.Acceptor. A previous peer with the same identity is closed and
// reported as StatusNone.
func (t *Transport) Accept(identity string) (signaling.Endpoint, error) {
	t.mu.Lock()
	var stale []*peer
	for _, p := range t.peers {
		if p.identity == identity {
			stale = append(stale, p)
		}
	}
	t.mu.Unlock()

	for _, p := range stale {
		util.LogInfo("peer %d: replaced by a new connection from %q", p.id, identity)
		p.Close()
	}

	return t.register(identity)
}

func (t *Transport) register(identity string) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, t.ctx.Err()
	}

	t.nextID++
	p, err := t.newPeer(t.nextID, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	t.peers[p.id] = p
	return p, nil
}

// RemovePeer closes and forgets a peer.
func (t *Transport) RemovePeer(id protocol.PeerID) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()

	if !ok {
		return ErrUnknownPeer
	}
	p.close()
	return nil
}

// PeerStatus returns the connectivity of a peer as of the last Iterate.
// Unknown peers report StatusNone.
func (t *Transport) PeerStatus(id protocol.PeerID) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		return p.status
	}
	return StatusNone
}

// PeerIdentity returns the identity a peer presented (server side) or the
// address it was added with (client side).
func (t *Transport) PeerIdentity(id protocol.PeerID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		return p.identity
	}
	return ""
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send queues one message for a peer without blocking. ErrSendQueueFull is
// transient; the caller may retry after a backoff.
func (t *Transport) Send(id protocol.PeerID, msg []byte) error {
	if len(msg) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}

	t.mu.Lock()
	p, ok := t.peers[id]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	if p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrPeerNotConnected
	}
	if !p.gate.admit() {
		return ErrSendQueueFull
	}

	if err := p.dc.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerNotConnected, err)
	}
	util.Stats.AddSent(len(msg))
	return nil
}

// OnMessage registers the callback Iterate invokes for each inbound message.
func (t *Transport) OnMessage(fn func(peer protocol.PeerID, msg []byte)) {
	t.onMessage = fn
}

// OnStatus registers the callback Iterate invokes when a peer's status
// changes, and when a closed peer reports StatusNone.
func (t *Transport) OnStatus(fn func(peer protocol.PeerID, status Status)) {
	t.onStatus = fn
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// Iterate delivers queued events on the caller's goroutine. It never blocks.
func (t *Transport) Iterate() {
	for i := 0; i < maxEventsPerIterate; i++ {
		select {
		case ev := <-t.events:
			t.dispatch(ev)
		default:
			return
		}
	}
}

// IterationInterval is the longest the caller may wait before the next
// Iterate.
func (t *Transport) IterationInterval() time.Duration {
	return t.interval
}

// Wake receives a value whenever new events are queued, so a caller waiting
// out the iteration interval can return early.
func (t *Transport) Wake() <-chan struct{} {
	return t.wake
}

// Close shuts down every peer.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for id, p := range t.peers {
		peers = append(peers, p)
		delete(t.peers, id)
	}
	t.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	return nil
}

// post queues an event from a pion callback. It blocks while the queue is
// full, which stalls pion's reader and so pushes back on the remote sender.
func (t *Transport) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) dispatch(ev event) {
	t.mu.Lock()
	p, ok := t.peers[ev.peer]
	t.mu.Unlock()
	if !ok {
		return
	}

	switch ev.kind {
	case eventMessage:
		util.Stats.AddRecv(len(ev.data))
		if t.onMessage != nil {
			t.onMessage(ev.peer, ev.data)
		}

	case eventStatus:
		t.mu.Lock()
		changed := p.status != ev.status
		p.status = ev.status
		t.mu.Unlock()

		closed := ev.status == StatusNone && p.ctx.Err() != nil
		if !changed && !closed {
			return
		}
		if changed {
			util.LogInfo("peer %d: connection %s", ev.peer, ev.status)
		}
		if t.onStatus != nil {
			t.onStatus(ev.peer, ev.status)
		}
	}
}
