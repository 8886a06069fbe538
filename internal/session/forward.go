package session

import (
	"errors"
	"io"
	"time"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/transport"
	"github.com/1ureka/rtctun/internal/tunnel"
	"github.com/1ureka/rtctun/internal/util"
)

// forwarder is the machinery both roles share: the tunnel table and its
// poller, id allocation, the inbound frame queue and frame sending.
type forwarder struct {
	tr     Transport
	poller *tunnel.Poller
	table  *tunnel.Table
	ids    *tunnel.IDAllocator
	queue  frameQueue

	now   func() time.Time
	sleep func(time.Duration)
}

// newForwarder wires a forwarder to tr. reserved reports ids held outside the
// table (a pending request, an in-flight dial).
func newForwarder(tr Transport, reserved func(id uint32) bool) (*forwarder, error) {
	f := &forwarder{
		tr:     tr,
		poller: tunnel.NewPoller(),
		queue:  frameQueue{limit: frameQueueSize},
		now:    time.Now,
		sleep:  time.Sleep,
	}
	f.table = tunnel.NewTable(f.poller)

	ids, err := tunnel.NewIDAllocator(tunnel.DefaultQuarantineSize, tunnel.DefaultQuarantineHold, func(id uint32) bool {
		if _, ok := f.table.Lookup(id); ok {
			return true
		}
		return reserved != nil && reserved(id)
	})
	if err != nil {
		return nil, err
	}
	f.ids = ids
	f.table.OnDelete(func(tun *tunnel.Tunnel) { f.ids.Release(tun.ID) })

	tr.OnMessage(f.receive)
	return f, nil
}

// receive runs inside Transport.Iterate. It only decodes and queues.
func (f *forwarder) receive(peer protocol.PeerID, msg []byte) {
	fr, err := protocol.Decode(peer, msg)
	if err != nil {
		util.Stats.AddDropped()
		util.LogWarning("peer %d: dropping frame: %v", peer, err)
		return
	}
	if !f.queue.push(fr) {
		util.Stats.AddDropped()
		util.LogWarning("peer %d: frame queue full, dropping %s", peer, fr)
	}
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// sendFrame hands one encoded frame to the transport. A full send queue is
// retried with doubling backoff; any other error is returned at once.
func (f *forwarder) sendFrame(peer protocol.PeerID, msg []byte) error {
	backoff := sendBackoffMin
	for {
		err := f.tr.Send(peer, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrSendQueueFull) || backoff > sendBackoffMax {
			return err
		}
		util.LogTrace("peer %d: send queue full, retrying in %s", peer, backoff)
		f.sleep(backoff)
		backoff *= 2
	}
}

func (f *forwarder) send(fr protocol.Frame) error {
	msg, err := protocol.Encode(fr)
	if err != nil {
		return err
	}
	return f.sendFrame(fr.Peer, msg)
}

func (f *forwarder) sendFin(peer protocol.PeerID, id uint32) {
	if err := f.send(protocol.Frame{Type: protocol.TypeFin, Peer: peer, ID: id}); err != nil {
		util.LogWarning("[%08x] failed to send FIN: %v", id, err)
	}
}

// ---------------------------------------------------------------------------
// Local sockets → peer
// ---------------------------------------------------------------------------

// forward handles one Poll result. Data is framed in place in the poller's
// buffer. EOF or a read error sends FIN and deletes the tunnel.
func (f *forwarder) forward(events []tunnel.Readiness) {
	for _, ev := range events {
		tun, ok := f.table.Lookup(ev.ID)
		if !ok {
			continue
		}

		if ev.N > 0 {
			msg, err := protocol.EncodeInto(ev.Buf, protocol.TypeData, tun.ID, ev.N)
			if err == nil {
				err = f.sendFrame(tun.Peer, msg)
			}
			if err != nil {
				util.LogWarning("%s send failed: %v", tun, err)
				f.sendFin(tun.Peer, tun.ID)
				f.table.Delete(tun.ID)
				continue
			}
		}

		if ev.Err != nil {
			if errors.Is(ev.Err, io.EOF) {
				util.LogDebug("%s closed by local side", tun)
			} else {
				util.LogWarning("%s read failed: %v", tun, ev.Err)
			}
			f.sendFin(tun.Peer, tun.ID)
			f.table.Delete(tun.ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Peer → local sockets
// ---------------------------------------------------------------------------

// handleData writes a TCP_DATA payload to its tunnel. Frames for unknown
// tunnels or from the wrong peer are dropped without a reply.
func (f *forwarder) handleData(fr protocol.Frame) {
	tun, ok := f.table.Lookup(fr.ID)
	if !ok {
		util.Stats.AddDropped()
		util.LogWarning("[%08x] data for unknown tunnel dropped", fr.ID)
		return
	}
	if tun.Peer != fr.Peer {
		util.Stats.AddDropped()
		util.LogWarning("%s data from peer %d ignored, tunnel belongs to peer %d", tun, fr.Peer, tun.Peer)
		return
	}
	if err := tun.Write(fr.Payload); err != nil {
		util.LogWarning("%s write failed: %v", tun, err)
		f.sendFin(tun.Peer, tun.ID)
		f.table.Delete(tun.ID)
	}
}

// closeByPeer applies a TCP_FIN to a known tunnel. It reports false when the
// id is not in the table, leaving the caller to decide what the FIN means.
func (f *forwarder) closeByPeer(fr protocol.Frame) bool {
	tun, ok := f.table.Lookup(fr.ID)
	if !ok {
		return false
	}
	if tun.Peer != fr.Peer {
		util.Stats.AddDropped()
		util.LogWarning("%s FIN from peer %d ignored, tunnel belongs to peer %d", tun, fr.Peer, tun.Peer)
		return true
	}
	util.LogDebug("%s closed by peer", tun)
	f.table.Delete(tun.ID)
	return true
}

// handlePing answers a PING with a PONG echoing its payload.
func (f *forwarder) handlePing(fr protocol.Frame) {
	pong := protocol.Frame{Type: protocol.TypePong, Peer: fr.Peer, ID: fr.ID, Payload: fr.Payload}
	if err := f.send(pong); err != nil {
		util.LogWarning("peer %d: failed to send PONG: %v", fr.Peer, err)
	}
}

func (f *forwarder) unexpected(fr protocol.Frame, why string) {
	util.Stats.AddDropped()
	util.LogWarning("%s ignored: %s", fr, why)
}

// closeAll deletes every tunnel and stops the poller.
func (f *forwarder) closeAll() int {
	n := f.table.DeleteAll()
	f.poller.Close()
	return n
}
