package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeEndpoint scripts the WebRTC side of an exchange.
type fakeEndpoint struct {
	mu        sync.Mutex
	log       []string
	ready     chan struct{}
	readyOnce *sync.Once
	readyOn   string // log entry prefix that opens the channel
	closed    bool
}

func newFakeEndpoint(ready chan struct{}, once *sync.Once, readyOn string) *fakeEndpoint {
	return &fakeEndpoint{ready: ready, readyOnce: once, readyOn: readyOn}
}

func (f *fakeEndpoint) record(entry string) {
	f.mu.Lock()
	f.log = append(f.log, entry)
	f.mu.Unlock()
	if f.readyOn != "" && strings.HasPrefix(entry, f.readyOn) {
		f.readyOnce.Do(func() { close(f.ready) })
	}
}

func (f *fakeEndpoint) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeEndpoint) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeEndpoint) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeEndpoint) SetLocalDescription(sdp webrtc.SessionDescription) error {
	f.record("local:" + sdp.SDP)
	return nil
}

func (f *fakeEndpoint) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	f.record("remote:" + sdp.SDP)
	return nil
}

func (f *fakeEndpoint) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (f *fakeEndpoint) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.record("candidate:" + c.Candidate)
	return nil
}

func (f *fakeEndpoint) Ready() <-chan struct{} { return f.ready }

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeAcceptor struct {
	mu         sync.Mutex
	ep         *fakeEndpoint
	identities []string
}

func (a *fakeAcceptor) Accept(identity string) (Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identities = append(a.identities, identity)
	return a.ep, nil
}

func (a *fakeAcceptor) accepted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.identities...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestDialExchange runs a full hello → welcome → offer/answer exchange. Both
// fakes share one ready channel, opened when the server applies the answer.
func TestDialExchange(t *testing.T) {
	ready := make(chan struct{})
	var once sync.Once
	serverEP := newFakeEndpoint(ready, &once, "remote:answer-sdp")
	clientEP := newFakeEndpoint(ready, &once, "")

	acceptor := &fakeAcceptor{ep: serverEP}
	s := NewServer(acceptor, SecretAuthorizer("s3cret", nil), rate.Inf, 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	err := Dial(testContext(t), wsURL(srv), Hello{Identity: "client-1", Auth: "s3cret"}, clientEP)
	require.NoError(t, err)

	assert.Equal(t, []string{"client-1"}, acceptor.accepted())
	assert.Equal(t, []string{"remote:offer-sdp", "local:answer-sdp"}, clientEP.entries())
	assert.Equal(t, []string{"local:offer-sdp", "remote:answer-sdp"}, serverEP.entries())
}

func TestDialRejectedSecret(t *testing.T) {
	acceptor := &fakeAcceptor{}
	s := NewServer(acceptor, SecretAuthorizer("s3cret", nil), rate.Inf, 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	clientEP := newFakeEndpoint(make(chan struct{}), &sync.Once{}, "")
	err := Dial(testContext(t), wsURL(srv), Hello{Identity: "client-1", Auth: "wrong"}, clientEP)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), ErrBadSecret.Error())
	assert.Empty(t, acceptor.accepted())
}

func TestDialRejectedIdentity(t *testing.T) {
	acceptor := &fakeAcceptor{}
	s := NewServer(acceptor, SecretAuthorizer("", []string{"alice"}), rate.Inf, 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	clientEP := newFakeEndpoint(make(chan struct{}), &sync.Once{}, "")
	err := Dial(testContext(t), wsURL(srv), Hello{Identity: "mallory"}, clientEP)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, acceptor.accepted())
}

func TestDialUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + Path
	srv.Close()

	clientEP := newFakeEndpoint(make(chan struct{}), &sync.Once{}, "")
	assert.Error(t, Dial(testContext(t), url, Hello{Identity: "a"}, clientEP))
}

func TestServerRateLimit(t *testing.T) {
	acceptor := &fakeAcceptor{}
	s := NewServer(acceptor, SecretAuthorizer("expected", nil), rate.Limit(0), 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ep := newFakeEndpoint(make(chan struct{}), &sync.Once{}, "")

	// The burst admits one handshake, which the authorizer then rejects.
	err := Dial(testContext(t), wsURL(srv), Hello{Identity: "a", Auth: "nope"}, ep)
	assert.ErrorIs(t, err, ErrRejected)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

// TestCandidatesBeforeOfferAreBuffered feeds a candidate ahead of the offer
// and checks it is applied only after the remote description.
func TestCandidatesBeforeOfferAreBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello Message
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		conn.WriteJSON(Message{Type: MsgTypeWelcome})
		conn.WriteJSON(Message{
			Type:      MsgTypeCandidate,
			Candidate: `{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`,
		})
		conn.WriteJSON(Message{Type: MsgTypeOffer, SDP: "offer-sdp"})

		var answer Message
		conn.ReadJSON(&answer)
	}))
	defer srv.Close()

	ep := newFakeEndpoint(make(chan struct{}), &sync.Once{}, "candidate:")
	require.NoError(t, Dial(testContext(t), wsURL(srv), Hello{Identity: "a"}, ep))

	entries := ep.entries()
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "remote:offer-sdp", entries[0])
	assert.True(t, strings.HasPrefix(entries[1], "candidate:candidate:1 1 udp"))
}

func TestSecretAuthorizer(t *testing.T) {
	testCases := []struct {
		name    string
		secret  string
		allowed []string
		hello   Hello
		want    error
	}{
		{"open server", "", nil, Hello{Identity: "a", Auth: "Hi"}, nil},
		{"missing identity", "", nil, Hello{}, ErrNoIdentity},
		{"secret match", "pw", nil, Hello{Identity: "a", Auth: "pw"}, nil},
		{"secret mismatch", "pw", nil, Hello{Identity: "a", Auth: "px"}, ErrBadSecret},
		{"identity listed", "", []string{"a", "b"}, Hello{Identity: "b"}, nil},
		{"identity not listed", "", []string{"a"}, Hello{Identity: "c"}, ErrUnknownIdentity},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := SecretAuthorizer(tc.secret, tc.allowed)(tc.hello)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}
