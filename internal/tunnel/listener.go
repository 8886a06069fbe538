package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// acceptWait is how long TryAccept waits for a queued connection.
const acceptWait = time.Millisecond

// Listener is the local TCP endpoint that feeds new tunnels.
type Listener struct {
	ln *net.TCPListener
}

// Listen binds host:port. An empty host binds the dual-stack wildcard
// address. Failures are fatal for the caller; there is no retry.
func Listen(host string, port int) (*Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Listener{ln: ln.(*net.TCPListener)}, nil
}

// TryAccept returns a waiting connection, or nil if there is none. It does
// not block beyond a millisecond.
func (l *Listener) TryAccept() (net.Conn, error) {
	if err := l.ln.SetDeadline(time.Now().Add(acceptWait)); err != nil {
		return nil, err
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}
