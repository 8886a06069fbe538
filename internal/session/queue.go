package session

import "github.com/1ureka/rtctun/internal/protocol"

// frameQueue holds decoded inbound frames until the loop drains them. It is
// double-buffered: frames pushed while a drained batch is being handled go to
// the other buffer.
type frameQueue struct {
	frames []protocol.Frame
	spare  []protocol.Frame
	limit  int
}

// push appends f, or reports false when the queue is full.
func (q *frameQueue) push(f protocol.Frame) bool {
	if len(q.frames) >= q.limit {
		return false
	}
	q.frames = append(q.frames, f)
	return true
}

// drain returns every queued frame in arrival order and empties the queue.
// The returned slice is valid until the next drain.
func (q *frameQueue) drain() []protocol.Frame {
	out := q.frames
	clear(q.spare)
	q.frames = q.spare[:0]
	q.spare = out
	return out
}

func (q *frameQueue) len() int {
	return len(q.frames)
}
