package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Dial establishes a client connection to addr (see Resolve for accepted
// forms). It returns once the WebSocket handshake completes, so the
// returned connection is open.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	network, address, err := Resolve(addr)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{}
	url := "ws://" + address + "/"
	if network == "unix" {
		// The URL host is a placeholder for the handshake; the dial itself
		// goes to the socket path.
		url = "ws://unix/"
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", address)
		}
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newConn(ws, cfg), nil
}
