package transport

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

const (
	highWaterMark = 256 * 1024 // refuse sends when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // accept sends again once bufferedAmount drops below this
)

// sendGate applies backpressure to one DataChannel without blocking the
// caller. Once the buffered amount crosses the high water mark the gate
// closes and stays closed until pion reports the buffer drained below the
// low water mark.
type sendGate struct {
	dc        *webrtc.DataChannel
	congested atomic.Bool
}

// newSendGate wires the low-water callback on dc.
func newSendGate(dc *webrtc.DataChannel) *sendGate {
	g := &sendGate{dc: dc}
	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		g.congested.Store(false)
	})
	return g
}

// admit reports whether a message may be queued now.
func (g *sendGate) admit() bool {
	buffered := g.dc.BufferedAmount()
	if g.congested.Load() {
		// The low-water callback may have fired before the gate closed.
		if buffered >= uint64(lowWaterMark) {
			return false
		}
		g.congested.Store(false)
	}
	if buffered > uint64(highWaterMark) {
		g.congested.Store(true)
		return false
	}
	return true
}
