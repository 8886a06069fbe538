package tunnel

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/rtctun/internal/protocol"
)

// recordingRegistry logs the order of registry and close calls.
type recordingRegistry struct {
	log        *[]string
	registered map[uint32]bool
}

func newRecordingRegistry(log *[]string) *recordingRegistry {
	return &recordingRegistry{log: log, registered: make(map[uint32]bool)}
}

func (r *recordingRegistry) Register(id uint32, _ io.Reader) error {
	r.registered[id] = true
	*r.log = append(*r.log, "register")
	return nil
}

func (r *recordingRegistry) Deregister(id uint32) {
	delete(r.registered, id)
	*r.log = append(*r.log, "deregister")
}

type fakeConn struct {
	log    *[]string
	closed int
}

func (c *fakeConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeConn) Close() error {
	c.closed++
	if c.log != nil {
		*c.log = append(*c.log, "close")
	}
	return nil
}

func TestTableCreateLookup(t *testing.T) {
	var log []string
	table := NewTable(newRecordingRegistry(&log))

	conn := &fakeConn{}
	tun, err := table.Create(4, 7, conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), tun.ID)
	assert.Equal(t, protocol.PeerID(4), tun.Peer)

	got, ok := table.Lookup(7)
	require.True(t, ok)
	assert.Same(t, tun, got)
	assert.Equal(t, 1, table.Len())

	_, ok = table.Lookup(8)
	assert.False(t, ok)
}

func TestTableCreateDuplicate(t *testing.T) {
	var log []string
	table := NewTable(newRecordingRegistry(&log))

	_, err := table.Create(1, 7, &fakeConn{})
	require.NoError(t, err)

	_, err = table.Create(1, 7, &fakeConn{})
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, table.Len())
}

// TestTableDeleteOrder verifies deregister → close → remove, exactly once.
func TestTableDeleteOrder(t *testing.T) {
	var log []string
	reg := newRecordingRegistry(&log)
	table := NewTable(reg)

	conn := &fakeConn{log: &log}
	_, err := table.Create(1, 7, conn)
	require.NoError(t, err)
	log = log[:0]

	assert.True(t, table.Delete(7))
	assert.Equal(t, []string{"deregister", "close"}, log)
	assert.False(t, reg.registered[7])
	assert.Equal(t, 0, table.Len())

	assert.False(t, table.Delete(7), "second delete is a no-op")
	assert.Equal(t, 1, conn.closed)
}

func TestTableDeleteAbsent(t *testing.T) {
	var log []string
	table := NewTable(newRecordingRegistry(&log))
	assert.NotPanics(t, func() {
		assert.False(t, table.Delete(12345))
	})
	assert.Empty(t, log)
}

// TestTableForEachDeleteWhileIterating deletes other tunnels from inside the
// walk and checks deleted tunnels are never visited.
func TestTableForEachDeleteWhileIterating(t *testing.T) {
	var log []string
	table := NewTable(newRecordingRegistry(&log))
	for id := uint32(1); id <= 5; id++ {
		_, err := table.Create(1, id, &fakeConn{})
		require.NoError(t, err)
	}

	var visited []uint32
	table.ForEach(func(tun *Tunnel) {
		visited = append(visited, tun.ID)
		table.Delete(tun.ID)
		table.Delete(tun.ID + 1)
	})

	assert.Equal(t, []uint32{1, 3, 5}, visited)
	assert.Equal(t, 0, table.Len())
}

func TestTableDeletePeer(t *testing.T) {
	var log []string
	table := NewTable(newRecordingRegistry(&log))
	for id := uint32(1); id <= 4; id++ {
		_, err := table.Create(protocol.PeerID(id%2), id, &fakeConn{})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, table.DeletePeer(1))
	assert.Equal(t, 2, table.Len())
	table.ForEach(func(tun *Tunnel) {
		assert.Equal(t, protocol.PeerID(0), tun.Peer)
	})

	assert.Equal(t, 2, table.DeleteAll())
	assert.Equal(t, 0, table.Len())
}

func TestTableOnDelete(t *testing.T) {
	var log []string
	table := NewTable(newRecordingRegistry(&log))
	var deleted []uint32
	table.OnDelete(func(tun *Tunnel) {
		_, still := table.Lookup(tun.ID)
		assert.False(t, still, "hook runs after removal")
		deleted = append(deleted, tun.ID)
	})

	for id := uint32(1); id <= 3; id++ {
		_, err := table.Create(0, id, &fakeConn{})
		require.NoError(t, err)
	}
	table.Delete(2)
	table.Delete(2)
	table.DeleteAll()
	assert.Equal(t, []uint32{2, 1, 3}, deleted)
}

// TestTableWithPoller exercises the real poller: a deleted tunnel's socket is
// never reported again.
func TestTableWithPoller(t *testing.T) {
	poller := NewPoller()
	defer poller.Close()
	table := NewTable(poller)

	local, remote := net.Pipe()
	defer remote.Close()

	_, err := table.Create(1, 9, local)
	require.NoError(t, err)
	assert.Equal(t, 1, poller.Len())

	require.True(t, table.Delete(9))
	assert.Equal(t, 0, poller.Len())
	assert.Empty(t, poller.Poll(pollWait, nil))
}

func TestTunnelCloseOnce(t *testing.T) {
	conn := &fakeConn{}
	tun := &Tunnel{ID: 1, Conn: conn}
	require.NoError(t, tun.Close())
	require.NoError(t, tun.Close())
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, "[00000001]", tun.String())
}

func TestTunnelWrite(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	tun := &Tunnel{ID: 1, Conn: local}
	done := make(chan []byte)
	go func() {
		buf := make([]byte, 5)
		_, _ = io.ReadFull(remote, buf)
		done <- buf
	}()

	require.NoError(t, tun.Write([]byte("hello")))
	assert.Equal(t, []byte("hello"), <-done)

	remote.Close()
	assert.Error(t, tun.Write([]byte("x")))
}

// noDeadlineConn refuses write deadlines and counts writes.
type noDeadlineConn struct {
	fakeConn
	writes int
}

func (c *noDeadlineConn) Write(p []byte) (int, error) {
	c.writes++
	return len(p), nil
}

func (c *noDeadlineConn) SetWriteDeadline(time.Time) error {
	return errors.New("deadline not supported")
}

func TestTunnelWriteDeadlineFailure(t *testing.T) {
	conn := &noDeadlineConn{}
	tun := &Tunnel{ID: 1, Conn: conn}

	err := tun.Write([]byte("hello"))
	assert.ErrorContains(t, err, "set write deadline")
	assert.Zero(t, conn.writes, "no unbounded write without a deadline")
}
