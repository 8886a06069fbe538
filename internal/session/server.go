package session

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/rules"
	"github.com/1ureka/rtctun/internal/transport"
	"github.com/1ureka/rtctun/internal/util"
)

// DefaultDialTimeout bounds a connection attempt to a tunnel target.
const DefaultDialTimeout = 10 * time.Second

const dialResultQueueSize = 64

// DialFunc opens the connection to a tunnel target.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ServerConfig configures the server role.
type ServerConfig struct {
	// Rules restricts tunnel targets; nil allows every target.
	Rules       *rules.Rules
	DialTimeout time.Duration
	// Dial defaults to a net.Dialer.
	Dial DialFunc
}

type dialResult struct {
	peer      protocol.PeerID
	id        uint32 // assigned
	requested uint32
	target    string
	conn      net.Conn
	err       error
}

// Server answers tunnel requests from client peers. Targets are dialed in the
// background and the results are applied on the loop goroutine.
type Server struct {
	*forwarder
	tr  ServerTransport
	cfg ServerConfig

	dialing map[uint32]struct{} // ids reserved by in-flight dials
	results chan dialResult
}

// NewServer creates the server role over tr.
func NewServer(tr ServerTransport, cfg ServerConfig) (*Server, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}

	s := &Server{
		tr:      tr,
		cfg:     cfg,
		dialing: make(map[uint32]struct{}),
		results: make(chan dialResult, dialResultQueueSize),
	}
	fw, err := newForwarder(tr, s.isDialing)
	if err != nil {
		return nil, err
	}
	s.forwarder = fw
	tr.OnStatus(s.peerStatus)
	return s, nil
}

// Run serves until ctx is cancelled, then closes every tunnel and returns
// ctx.Err().
func (s *Server) Run(ctx context.Context) error {
	defer s.closeAll()
	for ctx.Err() == nil {
		s.iterate(ctx)
	}
	return ctx.Err()
}

func (s *Server) iterate(ctx context.Context) {
	s.tr.Iterate()
	for _, fr := range s.queue.drain() {
		s.dispatch(ctx, fr)
	}
	s.drainDials()
	s.forward(s.poller.Poll(s.tr.IterationInterval(), s.tr.Wake()))
}

func (s *Server) dispatch(ctx context.Context, fr protocol.Frame) {
	switch fr.Type {
	case protocol.TypeTunnelRequest:
		s.handleRequest(ctx, fr)
	case protocol.TypeData:
		s.handleData(fr)
	case protocol.TypeFin:
		if !s.closeByPeer(fr) {
			util.LogDebug("[%08x] FIN for unknown tunnel ignored", fr.ID)
		}
	case protocol.TypePing:
		s.handlePing(fr)
	default:
		s.unexpected(fr, "not handled by the server")
	}
}

// peerStatus runs inside Transport.Iterate. A peer that is gone takes its
// tunnels with it.
func (s *Server) peerStatus(peer protocol.PeerID, status transport.Status) {
	if status.Connected() {
		util.LogSuccess("Peer %d (%s) connected, %s", peer, s.tr.PeerIdentity(peer), status)
		return
	}
	n := s.table.DeletePeer(peer)
	util.LogInfo("Peer %d disconnected, closed %d tunnel(s)", peer, n)
	if err := s.tr.RemovePeer(peer); err != nil {
		util.LogDebug("remove peer %d: %v", peer, err)
	}
}

func (s *Server) isDialing(id uint32) bool {
	_, ok := s.dialing[id]
	return ok
}

// handleRequest validates a TUNNEL_REQUEST and starts dialing its target. The
// requested id is kept when it is free; otherwise the next free id is used
// and the ACK tells the client which one.
func (s *Server) handleRequest(ctx context.Context, fr protocol.Frame) {
	host, port, err := protocol.ParseTunnelRequest(fr.Payload)
	if err != nil {
		util.LogWarning("[%08x] bad tunnel request from peer %d: %v", fr.ID, fr.Peer, err)
		s.sendFin(fr.Peer, fr.ID)
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))

	if !s.cfg.Rules.Allowed(host, port) {
		util.LogWarning("[%08x] tunnel to %s for peer %d denied by rules", fr.ID, target, fr.Peer)
		s.sendFin(fr.Peer, fr.ID)
		return
	}

	id := s.ids.Next(fr.ID)
	s.dialing[id] = struct{}{}
	util.LogDebug("[%08x] connecting to %s for peer %d", id, target, fr.Peer)

	go s.dial(ctx, dialResult{peer: fr.Peer, id: id, requested: fr.ID, target: target})
}

func (s *Server) dial(ctx context.Context, res dialResult) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	res.conn, res.err = s.cfg.Dial(dialCtx, "tcp", res.target)
	select {
	case s.results <- res:
	case <-ctx.Done():
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

func (s *Server) drainDials() {
	for {
		select {
		case res := <-s.results:
			s.finishDial(res)
		default:
			return
		}
	}
}

func (s *Server) finishDial(res dialResult) {
	delete(s.dialing, res.id)

	if res.err != nil {
		util.LogWarning("[%08x] could not connect to %s: %v", res.requested, res.target, res.err)
		s.sendFin(res.peer, res.requested)
		return
	}
	if !s.tr.PeerStatus(res.peer).Connected() {
		util.LogDebug("[%08x] peer %d left while connecting to %s", res.id, res.peer, res.target)
		res.conn.Close()
		return
	}

	tun, err := s.table.Create(res.peer, res.id, res.conn)
	if err != nil {
		util.LogWarning("[%08x] %v", res.id, err)
		res.conn.Close()
		s.sendFin(res.peer, res.requested)
		return
	}

	ack := protocol.Frame{
		Type:    protocol.TypeAckTunnel,
		Peer:    res.peer,
		ID:      res.id,
		Payload: protocol.AckPayload(res.requested),
	}
	if err := s.send(ack); err != nil {
		util.LogWarning("%s failed to send ACK: %v", tun, err)
		s.table.Delete(tun.ID)
		return
	}
	util.LogInfo("%s tunnel to %s opened for peer %d", tun, res.target, res.peer)
}
