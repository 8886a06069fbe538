package tunnel

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerTryAcceptNothingWaiting(t *testing.T) {
	l, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer l.Close()

	start := time.Now()
	conn, err := l.TryAccept()
	assert.NoError(t, err)
	assert.Nil(t, conn)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestListenerTryAcceptWaiting(t *testing.T) {
	l, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer l.Close()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = l.TryAccept()
		return err == nil && conn != nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestListenPortInUse(t *testing.T) {
	l, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	_, err = Listen("127.0.0.1", port)
	assert.Error(t, err)
}

func TestListenDualStackWildcard(t *testing.T) {
	l, err := Listen("", 0)
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, l.Addr().(*net.TCPAddr).IP.IsUnspecified())
}

func TestListenResolveFailure(t *testing.T) {
	_, err := Listen("no-such-host.invalid", 0)
	assert.Error(t, err)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestStdioPipe(t *testing.T) {
	in := &closeRecorder{Reader: strings.NewReader("from stdin")}
	var out bytes.Buffer

	s := NewPipe(in, &out)
	buf := make([]byte, 32)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(buf[:n]))

	_, err = s.Write([]byte("to stdout"))
	require.NoError(t, err)
	assert.Equal(t, "to stdout", out.String())

	require.NoError(t, s.Close())
	assert.True(t, in.closed)
}
