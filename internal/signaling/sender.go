package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeTimeout bounds a single signaling message write.
const writeTimeout = 10 * time.Second

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	ep   Endpoint
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.ep.CreateOffer()
	if err != nil {
		return err
	}

	if err := s.ep.SetLocalDescription(offer); err != nil {
		return err
	}

	return s.send(Message{Type: MsgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.ep.CreateAnswer()
	if err != nil {
		return err
	}

	if err := s.ep.SetLocalDescription(answer); err != nil {
		return err
	}

	return s.send(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// sendCandidate sends an ICE candidate message over the WebSocket.
func (s *sender) sendCandidate(candidate string) error {
	return s.send(Message{Type: MsgTypeCandidate, Candidate: candidate})
}
