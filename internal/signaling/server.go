package signaling

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/rtctun/internal/util"
)

// Path is where the signaling handler is mounted.
const Path = "/ws"

// exchangeTimeout bounds one complete server-side exchange.
const exchangeTimeout = 30 * time.Second

// Authorization errors reported to rejected clients.
var (
	ErrBadSecret       = errors.New("shared secret mismatch")
	ErrUnknownIdentity = errors.New("identity not allowed")
	ErrNoIdentity      = errors.New("missing identity")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authorizer decides whether a hello may proceed.
type Authorizer func(hello Hello) error

// Acceptor creates the endpoint for an authorized client.
type Acceptor interface {
	Accept(identity string) (Endpoint, error)
}

// SecretAuthorizer accepts a hello whose auth equals secret (any auth when
// secret is empty) and, when allowed is non-empty, whose identity is listed.
func SecretAuthorizer(secret string, allowed []string) Authorizer {
	return func(h Hello) error {
		if h.Identity == "" {
			return ErrNoIdentity
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(h.Auth), []byte(secret)) != 1 {
			return ErrBadSecret
		}
		if len(allowed) > 0 && !slices.Contains(allowed, h.Identity) {
			return ErrUnknownIdentity
		}
		return nil
	}
}

// Server is the WebSocket endpoint clients dial to reach this peer.
type Server struct {
	acceptor  Acceptor
	authorize Authorizer
	limiter   *rate.Limiter
}

// NewServer creates a signaling server. Handshakes beyond limit per second
// (with the given burst) are refused with 429.
func NewServer(acceptor Acceptor, authorize Authorizer, limit rate.Limit, burst int) *Server {
	return &Server{
		acceptor:  acceptor,
		authorize: authorize,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// Handler returns an http.Handler serving the signaling path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start signaling server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("signaling server listening on %s%s", ln.Addr(), Path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		http.Error(w, "too many handshakes", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(r.Context(), exchangeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != MsgTypeHello {
		util.LogDebug("signaling from %s: no hello", r.RemoteAddr)
		return
	}
	conn.SetReadDeadline(time.Time{})

	hello := Hello{Identity: msg.Identity, Auth: msg.Auth}
	if err := s.authorize(hello); err != nil {
		util.LogWarning("rejected %q from %s: %v", hello.Identity, r.RemoteAddr, err)
		conn.WriteJSON(Message{Type: MsgTypeReject, Reason: err.Error()})
		return
	}

	ep, err := s.acceptor.Accept(hello.Identity)
	if err != nil {
		util.LogError("failed to accept %q: %v", hello.Identity, err)
		conn.WriteJSON(Message{Type: MsgTypeReject, Reason: "internal error"})
		return
	}

	if err := conn.WriteJSON(Message{Type: MsgTypeWelcome}); err != nil {
		ep.Close()
		return
	}

	if err := exchange(ctx, conn, ep, true); err != nil {
		util.LogWarning("signaling with %q failed: %v", hello.Identity, err)
		ep.Close()
		return
	}
	util.LogDebug("DataChannel with %q established, closing WS", hello.Identity)
}
