// Package tunnel owns the local side of every proxied TCP connection: the
// tunnel table, the readiness poller that watches tunnel sockets, the local
// listener and connection id allocation.
//
// Nothing in this package is safe for concurrent use unless stated; all of it
// is driven from the session's single loop goroutine.
package tunnel

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/rtctun/internal/protocol"
)

// WriteTimeout bounds a single write of inbound data to a tunnel socket.
const WriteTimeout = 5 * time.Second

// Tunnel is one proxied TCP connection, owned by a Table.
type Tunnel struct {
	ID   uint32
	Peer protocol.PeerID
	Conn io.ReadWriteCloser

	closeOnce sync.Once
	closeErr  error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Write writes all of p to the tunnel socket. net.Conn already retries partial
// writes internally; a deadline keeps a stalled local reader from blocking the
// loop indefinitely.
func (t *Tunnel) Write(p []byte) error {
	if d, ok := t.Conn.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	for len(p) > 0 {
		n, err := t.Conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Close closes the socket exactly once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.Conn.Close()
	})
	return t.closeErr
}

func (t *Tunnel) String() string {
	return fmt.Sprintf("[%08x]", t.ID)
}
