package session

import (
	"fmt"

	"github.com/1ureka/rtctun/internal/config"
	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/util"
)

// dispatch applies one inbound frame to the client state. Only fatal
// conditions are returned; everything else is logged and isolated to the
// frame.
func (c *Client) dispatch(fr protocol.Frame) error {
	switch fr.Type {
	case protocol.TypeAckTunnel:
		return c.handleAck(fr)
	case protocol.TypeData:
		c.handleData(fr)
	case protocol.TypeFin:
		return c.handleFin(fr)
	case protocol.TypePong:
		return c.handlePong(fr)
	case protocol.TypePing:
		c.handlePing(fr)
	case protocol.TypeTunnelRequest:
		c.unexpected(fr, "clients do not accept tunnels")
	}
	return nil
}

func (c *Client) handleAck(fr protocol.Frame) error {
	if c.cfg.Mode == config.ModePing {
		c.unexpected(fr, "ping mode opens no tunnels")
		return nil
	}
	p := c.pending
	if p == nil {
		if _, ok := c.table.Lookup(fr.ID); ok {
			c.unexpected(fr, "tunnel already open")
			return nil
		}
		// The request expired here, but the peer opened its side anyway.
		util.LogWarning("[%08x] ACK without a pending request, closing it", fr.ID)
		c.sendFin(fr.Peer, fr.ID)
		return nil
	}
	if c.state != StateAwaitTunnelAck && c.state != StateEstablished {
		c.unexpected(fr, "no tunnel request pending in "+c.state.String())
		return nil
	}
	if fr.Peer != p.peer {
		c.unexpected(fr, fmt.Sprintf("request was sent to peer %d", p.peer))
		return nil
	}
	requested, err := protocol.ParseAck(fr.Payload)
	if err != nil {
		c.unexpected(fr, err.Error())
		return nil
	}
	if requested != p.id {
		util.LogWarning("[%08x] stale ACK for request %08x, closing it", fr.ID, requested)
		c.sendFin(fr.Peer, fr.ID)
		return nil
	}

	c.pending = nil
	if p.conn == nil {
		// The readiness probe only confirms the target is reachable.
		c.sendFin(fr.Peer, fr.ID)
		c.ids.Release(p.id)
		util.LogSuccess("Forwarding %s to %s", c.cfg.Listener.Addr(), c.cfg.Target)
		c.setState(StateEstablished)
		return nil
	}

	tun, err := c.table.Create(fr.Peer, fr.ID, p.conn)
	if err != nil {
		p.conn.Close()
		return fmt.Errorf("%w: %v", ErrTunnelCollision, err)
	}
	util.LogInfo("%s tunnel to %s established", tun, c.cfg.Target)
	c.setState(StateEstablished)
	return nil
}

// handleFin closes a tunnel, or resolves a FIN naming the pending request as
// a rejection. A rejection while waiting for the first ACK is fatal.
func (c *Client) handleFin(fr protocol.Frame) error {
	if c.closeByPeer(fr) {
		return nil
	}

	p := c.pending
	if p == nil || p.id != fr.ID || p.peer != fr.Peer {
		util.Stats.AddDropped()
		util.LogWarning("[%08x] FIN for unknown tunnel ignored", fr.ID)
		return nil
	}

	c.discardPending()
	if c.state == StateAwaitTunnelAck {
		return fmt.Errorf("%w: %s", ErrTunnelRejected, c.cfg.Target)
	}
	util.LogWarning("[%08x] tunnel to %s rejected by peer", fr.ID, c.cfg.Target)
	return nil
}

func (c *Client) handlePong(fr protocol.Frame) error {
	if c.cfg.Mode != config.ModePing || c.state != StateAwaitPong {
		c.unexpected(fr, "no PING outstanding")
		return nil
	}
	if fr.Peer != c.peer {
		c.unexpected(fr, fmt.Sprintf("PING was sent to peer %d", c.peer))
		return nil
	}
	c.latency = c.now().Sub(c.pingAt)
	util.LogSuccess("Time = %.3fs", c.latency.Seconds())
	return errDone
}
