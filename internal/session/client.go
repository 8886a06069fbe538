package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/1ureka/rtctun/internal/config"
	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/transport"
	"github.com/1ureka/rtctun/internal/tunnel"
	"github.com/1ureka/rtctun/internal/util"
)

// Client timeout defaults, used when the config leaves them zero.
const (
	DefaultHandshakeTimeout = 90 * time.Second
	DefaultTunnelTimeout    = 30 * time.Second
	DefaultPingTimeout      = 30 * time.Second
)

// ClientConfig configures a client session.
type ClientConfig struct {
	Mode   config.Mode
	Remote string // signaling URL of the server
	Auth   []byte // shared secret, or Greeting
	Target config.Target

	// Listener feeds local connections in forward mode.
	Listener *tunnel.Listener
	// Pipe is the single tunnel's socket in pipe mode.
	Pipe io.ReadWriteCloser

	HandshakeTimeout time.Duration
	TunnelTimeout    time.Duration
	PingTimeout      time.Duration

	// Reconnect restarts the handshake after the peer is lost instead of
	// failing. Only forward mode honors it.
	Reconnect bool
}

// pendingRequest is the single tunnel request awaiting ACK_TUNNEL. conn is
// nil for the readiness probe.
type pendingRequest struct {
	conn io.ReadWriteCloser
	id   uint32
	peer protocol.PeerID
	sent time.Time
}

// Client is one client session.
type Client struct {
	*forwarder
	tr  ClientTransport
	cfg ClientConfig

	state   State
	peer    protocol.PeerID
	hasPeer bool
	pending *pendingRequest

	handshakeAt time.Time
	onlineAt    time.Time // first iteration the peer was seen connected
	pingAt      time.Time
	latency     time.Duration
}

// NewClient creates a client session over tr.
func NewClient(tr ClientTransport, cfg ClientConfig) (*Client, error) {
	switch cfg.Mode {
	case config.ModeLocalForward:
		if cfg.Listener == nil {
			return nil, errors.New("forward mode needs a local listener")
		}
	case config.ModePipe:
		if cfg.Pipe == nil {
			return nil, errors.New("pipe mode needs a pipe")
		}
	case config.ModePing:
	default:
		return nil, fmt.Errorf("not a client mode: %q", cfg.Mode)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.TunnelTimeout <= 0 {
		cfg.TunnelTimeout = DefaultTunnelTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if len(cfg.Auth) == 0 {
		cfg.Auth = []byte(Greeting)
	}

	c := &Client{tr: tr, cfg: cfg, state: StateAwaitHandshake}
	fw, err := newForwarder(tr, c.isPending)
	if err != nil {
		return nil, err
	}
	c.forwarder = fw
	return c, nil
}

// State returns the current session state.
func (c *Client) State() State {
	return c.state
}

// Latency returns the measured round trip of a finished ping session.
func (c *Client) Latency() time.Duration {
	return c.latency
}

// Run drives the session until it finishes, fails or ctx is cancelled. It
// returns nil when a ping was answered or the pipe closed, and ctx.Err() on
// cancellation. Every open tunnel is closed on return.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.iterate(); err != nil {
			if errors.Is(err, errDone) {
				return nil
			}
			return err
		}
	}
}

// iterate runs one loop cycle: transport events, inbound frames, the state
// step, the bounded socket poll and the connectivity check.
func (c *Client) iterate() error {
	c.tr.Iterate()
	for _, fr := range c.queue.drain() {
		if err := c.dispatch(fr); err != nil {
			return err
		}
	}
	if err := c.step(); err != nil {
		return err
	}
	c.forward(c.poller.Poll(c.tr.IterationInterval(), c.tr.Wake()))
	return c.checkPeer()
}

func (c *Client) setState(s State) {
	if s != c.state {
		util.LogDebug("session %s -> %s", c.state, s)
		c.state = s
	}
}

func (c *Client) step() error {
	switch c.state {
	case StateAwaitHandshake:
		return c.handshake()

	case StateAwaitPeerOnline:
		return c.awaitPeer()

	case StateAwaitTunnelAck:
		if c.pending != nil && c.now().Sub(c.pending.sent) > c.cfg.TunnelTimeout {
			return fmt.Errorf("%w after %s", ErrTunnelTimeout, c.cfg.TunnelTimeout)
		}

	case StateAwaitPong:
		if c.now().Sub(c.pingAt) > c.cfg.PingTimeout {
			return fmt.Errorf("%w after %s", ErrPingTimeout, c.cfg.PingTimeout)
		}

	case StateEstablished:
		if c.cfg.Mode == config.ModeLocalForward {
			c.acceptLocal()
		}
	}
	return nil
}

func (c *Client) handshake() error {
	id, err := c.tr.AddPeer(c.cfg.Remote, c.cfg.Auth)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	c.peer, c.hasPeer = id, true
	c.handshakeAt = c.now()
	c.onlineAt = time.Time{}
	util.LogInfo("Connecting to %s", c.cfg.Remote)
	c.setState(StateAwaitPeerOnline)
	return nil
}

// awaitPeer waits for connectivity, withdrawing and re-sending the handshake
// each time HandshakeTimeout passes without it. Once the peer is online the
// first frame (PING or TUNNEL_REQUEST) is sent; a transient send failure is
// retried until HandshakeTimeout has passed since the peer came online, any
// other failure ends the session.
func (c *Client) awaitPeer() error {
	status := c.tr.PeerStatus(c.peer)
	if !status.Connected() {
		if c.now().Sub(c.handshakeAt) > c.cfg.HandshakeTimeout {
			util.LogWarning("No connection to %s after %s, retrying", c.cfg.Remote, c.cfg.HandshakeTimeout)
			c.removePeer()
			c.setState(StateAwaitHandshake)
		}
		return nil
	}
	if c.onlineAt.IsZero() {
		c.onlineAt = c.now()
		util.LogSuccess("Connected to %s (%s)", c.cfg.Remote, status)
	}

	var err error
	switch c.cfg.Mode {
	case config.ModePing:
		c.pingAt = c.now()
		ping := protocol.Frame{Type: protocol.TypePing, Peer: c.peer, Payload: []byte(pingProbe)}
		if err = c.send(ping); err != nil {
			err = fmt.Errorf("failed to send PING: %w", err)
		}
	case config.ModePipe:
		err = c.request(c.cfg.Pipe, rand.Uint32())
	case config.ModeLocalForward:
		err = c.request(nil, rand.Uint32())
	}
	if err != nil {
		return c.firstSendFailed(err)
	}

	if c.cfg.Mode == config.ModePing {
		c.setState(StateAwaitPong)
	} else {
		c.setState(StateAwaitTunnelAck)
	}
	return nil
}

// firstSendFailed decides whether a failed first frame is retried on the next
// iteration or ends the session.
func (c *Client) firstSendFailed(err error) error {
	transient := errors.Is(err, transport.ErrSendQueueFull) || errors.Is(err, transport.ErrPeerNotConnected)
	if !transient {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if c.now().Sub(c.onlineAt) > c.cfg.HandshakeTimeout {
		return fmt.Errorf("%w: peer online but unreachable for %s: %v", ErrHandshake, c.cfg.HandshakeTimeout, err)
	}
	util.LogWarning("%v, retrying", err)
	return nil
}

// request occupies the pending slot with conn and sends TUNNEL_REQUEST. The
// slot is freed again if the send fails.
func (c *Client) request(conn io.ReadWriteCloser, seed uint32) error {
	id := c.ids.Next(seed)
	c.pending = &pendingRequest{conn: conn, id: id, peer: c.peer, sent: c.now()}

	fr := protocol.Frame{
		Type:    protocol.TypeTunnelRequest,
		Peer:    c.peer,
		ID:      id,
		Payload: protocol.TunnelRequest(c.cfg.Target.Host, c.cfg.Target.Port),
	}
	if err := c.send(fr); err != nil {
		c.pending = nil
		return fmt.Errorf("[%08x] failed to send tunnel request: %w", id, err)
	}
	util.LogDebug("[%08x] tunnel request for %s sent", id, c.cfg.Target)
	return nil
}

// acceptLocal takes one waiting local connection when the pending slot is
// free, and expires a request that went unanswered.
func (c *Client) acceptLocal() {
	if c.pending != nil {
		if c.now().Sub(c.pending.sent) > c.cfg.TunnelTimeout {
			util.LogWarning("[%08x] no answer to tunnel request after %s, dropping connection", c.pending.id, c.cfg.TunnelTimeout)
			c.discardPending()
		}
		return
	}

	conn, err := c.cfg.Listener.TryAccept()
	if err != nil {
		util.LogWarning("Accept failed: %v", err)
		return
	}
	if conn == nil {
		return
	}
	util.LogInfo("Accepted connection from %s", conn.RemoteAddr())

	if err := c.request(conn, util.ConnHash(conn)); err != nil {
		util.LogWarning("%v", err)
		conn.Close()
	}
}

func (c *Client) isPending(id uint32) bool {
	return c.pending != nil && c.pending.id == id
}

// discardPending closes the pending socket and quarantines its id.
func (c *Client) discardPending() {
	p := c.pending
	if p == nil {
		return
	}
	c.pending = nil
	if p.conn != nil {
		p.conn.Close()
	}
	c.ids.Release(p.id)
}

// checkPeer tears everything down once an established peer is lost.
func (c *Client) checkPeer() error {
	if c.state != StateEstablished {
		return nil
	}
	if c.tr.PeerStatus(c.peer).Connected() {
		if c.cfg.Mode == config.ModePipe && c.table.Len() == 0 {
			util.LogDebug("Pipe closed")
			return errDone
		}
		return nil
	}

	c.discardPending()
	n := c.table.DeleteAll()
	util.LogWarning("Lost connection to %s, closed %d tunnel(s)", c.cfg.Remote, n)

	if c.cfg.Reconnect && c.cfg.Mode == config.ModeLocalForward {
		c.removePeer()
		c.setState(StateAwaitHandshake)
		return nil
	}
	return ErrPeerLost
}

func (c *Client) removePeer() {
	if !c.hasPeer {
		return
	}
	if err := c.tr.RemovePeer(c.peer); err != nil {
		util.LogDebug("remove peer %d: %v", c.peer, err)
	}
	c.hasPeer = false
}

func (c *Client) shutdown() {
	c.discardPending()
	if n := c.closeAll(); n > 0 {
		util.LogInfo("Closed %d tunnel(s)", n)
	}
	c.removePeer()
}
