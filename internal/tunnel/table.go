package tunnel

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/1ureka/rtctun/internal/protocol"
	"github.com/1ureka/rtctun/internal/util"
)

// ErrDuplicateID is returned by Create when the id is already in the table.
var ErrDuplicateID = errors.New("tunnel id already in use")

// Registry is the readiness set a Table keeps in sync with its tunnels.
// *Poller implements it.
type Registry interface {
	Register(id uint32, r io.Reader) error
	Deregister(id uint32)
}

// Table holds the live tunnels keyed by connection id.
type Table struct {
	tunnels  map[uint32]*Tunnel
	registry Registry
	onDelete func(*Tunnel)
}

// NewTable creates an empty table whose sockets are registered with r.
func NewTable(r Registry) *Table {
	return &Table{
		tunnels:  make(map[uint32]*Tunnel),
		registry: r,
	}
}

// OnDelete registers fn to run after a tunnel has been removed.
func (t *Table) OnDelete(fn func(*Tunnel)) {
	t.onDelete = fn
}

// Create adds a tunnel and registers its socket for polling.
func (t *Table) Create(peer protocol.PeerID, id uint32, conn io.ReadWriteCloser) (*Tunnel, error) {
	if _, exists := t.tunnels[id]; exists {
		return nil, fmt.Errorf("%w: %08x", ErrDuplicateID, id)
	}

	tun := &Tunnel{ID: id, Peer: peer, Conn: conn}
	if err := t.registry.Register(id, conn); err != nil {
		return nil, fmt.Errorf("register tunnel %08x: %w", id, err)
	}
	t.tunnels[id] = tun

	util.Stats.AddConn()
	util.LogDebug("%s tunnel created (peer %d)", tun, peer)
	return tun, nil
}

// Lookup returns the tunnel with the given id.
func (t *Table) Lookup(id uint32) (*Tunnel, bool) {
	tun, ok := t.tunnels[id]
	return tun, ok
}

// Delete deregisters the socket from polling, closes it and removes the
// entry, in that order. Deleting an absent id is a logged no-op and returns
// false.
func (t *Table) Delete(id uint32) bool {
	tun, ok := t.tunnels[id]
	if !ok {
		util.LogDebug("[%08x] delete of unknown tunnel ignored", id)
		return false
	}

	t.registry.Deregister(id)
	if err := tun.Close(); err != nil {
		util.LogDebug("%s close: %v", tun, err)
	}
	delete(t.tunnels, id)

	util.Stats.RemoveConn()
	util.LogDebug("%s tunnel deleted", tun)
	if t.onDelete != nil {
		t.onDelete(tun)
	}
	return true
}

// ForEach calls fn for every tunnel in ascending id order. fn may delete any
// tunnel, including the current one; tunnels deleted during the walk are
// skipped.
func (t *Table) ForEach(fn func(*Tunnel)) {
	for _, id := range t.ids() {
		if tun, ok := t.tunnels[id]; ok {
			fn(tun)
		}
	}
}

// DeletePeer deletes every tunnel owned by peer and returns how many were
// removed.
func (t *Table) DeletePeer(peer protocol.PeerID) int {
	n := 0
	t.ForEach(func(tun *Tunnel) {
		if tun.Peer == peer && t.Delete(tun.ID) {
			n++
		}
	})
	return n
}

// DeleteAll deletes every tunnel and returns how many were removed.
func (t *Table) DeleteAll() int {
	n := 0
	t.ForEach(func(tun *Tunnel) {
		if t.Delete(tun.ID) {
			n++
		}
	})
	return n
}

// Len returns the number of open tunnels.
func (t *Table) Len() int {
	return len(t.tunnels)
}

func (t *Table) ids() []uint32 {
	ids := make([]uint32, 0, len(t.tunnels))
	for id := range t.tunnels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
