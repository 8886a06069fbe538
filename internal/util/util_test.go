package util

import (
	"bytes"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	for _, b := range []float64{0, 99, 100, 1536, 99 * 1024, 5 * 1024 * 1024, 1 << 50} {
		assert.Len(t, formatBytes(b), 8, "value %v", b)
	}
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
	assert.Equal(t, "99.0   B", formatBytes(99))
}

func TestFormatStats(t *testing.T) {
	s := formatStats(1536, 0, 2, 1, 3)
	assert.Contains(t, s, "In:  1.5 KiB/s")
	assert.Contains(t, s, "(3 open)")
}

func TestLevelFromFlags(t *testing.T) {
	assert.Equal(t, pterm.LogLevelInfo, LevelFromFlags(0, false))
	assert.Equal(t, pterm.LogLevelDebug, LevelFromFlags(1, false))
	assert.Equal(t, pterm.LogLevelTrace, LevelFromFlags(3, false))
	assert.Equal(t, pterm.LogLevelError, LevelFromFlags(2, true))
}

func TestLogLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	prevLevel := LogLevel()
	SetLogOutput(&buf)
	SetLogLevel(pterm.LogLevelWarn)
	defer func() {
		SetLogLevel(prevLevel)
		SetLogOutput(os.Stderr)
	}()

	LogInfo("hidden %d", 1)
	LogWarning("shown %d", 2)

	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden 1"))
	assert.True(t, strings.Contains(out, "shown 2"))
}

func TestConnHashStable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, ConnHash(c), ConnHash(c))
}

func TestStatsOpen(t *testing.T) {
	before := Stats.Open()
	Stats.AddConn()
	Stats.AddConn()
	Stats.RemoveConn()
	assert.Equal(t, before+1, Stats.Open())
	Stats.RemoveConn()
}
