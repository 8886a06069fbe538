package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rtctun/internal/util"
)

// helloTimeout bounds the wait for the server's welcome or reject.
const helloTimeout = 15 * time.Second

// Dial connects to the signaling server at url, presents hello and, once
// welcomed, answers the server's offer on ep. It returns when the DataChannel
// is open, the server rejects the hello, or ctx is done.
func Dial(ctx context.Context, url string, hello Hello, ep Endpoint) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	defer conn.Close()

	// Unblock pending reads when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	util.LogDebug("WS connected: %s", url)

	if err := conn.WriteJSON(Message{Type: MsgTypeHello, Identity: hello.Identity, Auth: hello.Auth}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read hello reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case MsgTypeWelcome:
	case MsgTypeReject:
		return fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	default:
		return fmt.Errorf("unexpected hello reply %q", reply.Type)
	}

	if err := exchange(ctx, conn, ep, false); err != nil {
		return err
	}
	util.LogDebug("DataChannel established, closing WS")
	return nil
}
