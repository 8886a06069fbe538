package session

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/transport"
)

// fakeTransport is an in-memory Transport. Inbound messages and status
// changes queued by the test are delivered on the next Iterate, like the real
// transport does.
type fakeTransport struct {
	mu sync.Mutex

	status   map[protocol.PeerID]transport.Status
	initial  transport.Status // status of peers created by AddPeer
	nextPeer protocol.PeerID
	added    []string
	removed  []protocol.PeerID
	addErr   error

	sent     []protocol.Frame
	sendErrs []error // consumed one per Send call
	autoPong bool

	inbox    []inbound
	statuses []statusChange

	onMessage func(protocol.PeerID, []byte)
	onStatus  func(protocol.PeerID, transport.Status)
}

type inbound struct {
	peer protocol.PeerID
	msg  []byte
}

type statusChange struct {
	peer   protocol.PeerID
	status transport.Status
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{status: make(map[protocol.PeerID]transport.Status)}
}

func (f *fakeTransport) AddPeer(remote string, auth []byte) (protocol.PeerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return 0, f.addErr
	}
	f.nextPeer++
	f.added = append(f.added, remote)
	f.status[f.nextPeer] = f.initial
	return f.nextPeer, nil
}

func (f *fakeTransport) RemovePeer(peer protocol.PeerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, peer)
	if _, ok := f.status[peer]; !ok {
		return transport.ErrUnknownPeer
	}
	delete(f.status, peer)
	return nil
}

func (f *fakeTransport) PeerStatus(peer protocol.PeerID) transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[peer]
}

func (f *fakeTransport) PeerIdentity(peer protocol.PeerID) string {
	return "client"
}

func (f *fakeTransport) setStatus(peer protocol.PeerID, s transport.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[peer] = s
}

// notify changes a peer's status and reports it on the next Iterate.
func (f *fakeTransport) notify(peer protocol.PeerID, s transport.Status) {
	f.setStatus(peer, s)
	f.mu.Lock()
	f.statuses = append(f.statuses, statusChange{peer, s})
	f.mu.Unlock()
}

func (f *fakeTransport) Send(peer protocol.PeerID, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	fr, err := protocol.Decode(peer, bytes.Clone(msg))
	if err != nil {
		return err
	}
	f.sent = append(f.sent, fr)
	if f.autoPong && fr.Type == protocol.TypePing {
		pong, _ := protocol.Encode(protocol.Frame{Type: protocol.TypePong, Payload: fr.Payload})
		f.inbox = append(f.inbox, inbound{peer, pong})
	}
	return nil
}

func (f *fakeTransport) OnMessage(fn func(protocol.PeerID, []byte)) { f.onMessage = fn }

func (f *fakeTransport) OnStatus(fn func(protocol.PeerID, transport.Status)) { f.onStatus = fn }

func (f *fakeTransport) Iterate() {
	f.mu.Lock()
	inbox, statuses := f.inbox, f.statuses
	f.inbox, f.statuses = nil, nil
	f.mu.Unlock()

	for _, m := range inbox {
		f.onMessage(m.peer, m.msg)
	}
	for _, s := range statuses {
		if f.onStatus != nil {
			f.onStatus(s.peer, s.status)
		}
	}
}

func (f *fakeTransport) IterationInterval() time.Duration { return time.Millisecond }

func (f *fakeTransport) Wake() <-chan struct{} { return nil }

// deliver queues fr as if peer had sent it.
func (f *fakeTransport) deliver(t *testing.T, fr protocol.Frame) {
	t.Helper()
	msg, err := protocol.Encode(fr)
	require.NoError(t, err)
	f.mu.Lock()
	f.inbox = append(f.inbox, inbound{fr.Peer, msg})
	f.mu.Unlock()
}

func (f *fakeTransport) deliverRaw(peer protocol.PeerID, msg []byte) {
	f.mu.Lock()
	f.inbox = append(f.inbox, inbound{peer, msg})
	f.mu.Unlock()
}

// takeSent returns and forgets every frame sent so far.
func (f *fakeTransport) takeSent() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func (f *fakeTransport) sentOf(t protocol.PacketType) []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Frame
	for _, fr := range f.sent {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

// fakeClock is a settable time source.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (local, remote net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	remote, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	local = <-accepted
	require.NotNil(t, local)

	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

// until runs step until cond holds, failing the test after a bound.
func until(t *testing.T, step func(), cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		step()
	}
}
