package tunnel

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/rtctun/internal/protocol"
)

// ChunkSize is the most a single readiness event carries from one socket.
const ChunkSize = protocol.MaxPayload

// eventQueueSize bounds how many readiness events wait for the next Poll.
const eventQueueSize = 256

// ErrAlreadyRegistered is returned when an id is registered twice.
var ErrAlreadyRegistered = errors.New("id already registered")

// Readiness reports one read result from a registered socket.
//
// Buf is header-prefixed: the data occupies Buf[HeaderSize:HeaderSize+N] so a
// frame can be encoded in place. Buf belongs to the poller and is only valid
// until the next call to Poll.
type Readiness struct {
	ID  uint32
	Buf []byte
	N   int
	Err error // io.EOF on orderly close
}

// Data returns the bytes read.
func (r Readiness) Data() []byte {
	return r.Buf[protocol.HeaderSize : protocol.HeaderSize+r.N]
}

// Poller is a readiness set over blocking readers. Each registered reader is
// served by one goroutine that reads a single chunk ahead and then waits until
// the loop has consumed it, so a slow peer throttles local reads.
//
// Register, Deregister and Poll must be called from one goroutine.
type Poller struct {
	events   chan event
	watchers map[uint32]*watcher
	handed   []*watcher // watchers whose last chunk was returned by Poll
}

type watcher struct {
	id     uint32
	r      io.Reader
	buf    []byte
	resume chan struct{}
	done   chan struct{}
}

type event struct {
	w   *watcher
	n   int
	err error
}

// NewPoller creates an empty poller.
func NewPoller() *Poller {
	return &Poller{
		events:   make(chan event, eventQueueSize),
		watchers: make(map[uint32]*watcher),
	}
}

// Register starts watching r under id.
func (p *Poller) Register(id uint32, r io.Reader) error {
	if _, ok := p.watchers[id]; ok {
		return fmt.Errorf("%w: %08x", ErrAlreadyRegistered, id)
	}

	w := &watcher{
		id:     id,
		r:      r,
		buf:    make([]byte, protocol.HeaderSize+ChunkSize),
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.watchers[id] = w
	go w.run(p.events)
	return nil
}

// Deregister stops watching id. Events already queued for it are discarded
// by Poll. The watcher goroutine exits once its pending Read returns, which
// the caller forces by closing the reader.
func (p *Poller) Deregister(id uint32) {
	w, ok := p.watchers[id]
	if !ok {
		return
	}
	close(w.done)
	delete(p.watchers, id)
}

// Poll waits up to wait for at least one readiness event and returns every
// event that is ready by then. A receive on wake ends the wait early; a nil
// wake channel never fires. It returns nil if nothing became ready.
func (p *Poller) Poll(wait time.Duration, wake <-chan struct{}) []Readiness {
	for _, w := range p.handed {
		if p.watchers[w.id] == w {
			w.resume <- struct{}{}
		}
	}
	p.handed = p.handed[:0]

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []Readiness
	select {
	case ev := <-p.events:
		out = p.accept(out, ev)
	case <-wake:
		return p.drain(nil)
	case <-timer.C:
		return nil
	}
	return p.drain(out)
}

func (p *Poller) drain(out []Readiness) []Readiness {
	for {
		select {
		case ev := <-p.events:
			out = p.accept(out, ev)
		default:
			return out
		}
	}
}

// Len returns the number of registered readers.
func (p *Poller) Len() int {
	return len(p.watchers)
}

// Close deregisters every reader.
func (p *Poller) Close() {
	for id := range p.watchers {
		p.Deregister(id)
	}
}

func (p *Poller) accept(out []Readiness, ev event) []Readiness {
	if p.watchers[ev.w.id] != ev.w {
		return out
	}
	if ev.err == nil {
		p.handed = append(p.handed, ev.w)
	}
	return append(out, Readiness{ID: ev.w.id, Buf: ev.w.buf, N: ev.n, Err: ev.err})
}

func (w *watcher) run(events chan<- event) {
	for {
		n, err := w.r.Read(w.buf[protocol.HeaderSize:])
		if n == 0 && err == nil {
			continue
		}

		select {
		case events <- event{w: w, n: n, err: err}:
		case <-w.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.done:
			return
		}
	}
}
