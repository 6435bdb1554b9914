// ABOUTME: Transport abstraction for daemon links and its WebSocket implementation.
// ABOUTME: Frames are JSON text messages read and written with wsjson.

package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// defaultReadLimit bounds a single inbound frame. Stdout chunks can be large.
const defaultReadLimit = 4 << 20

// Transport is one open, bidirectional frame channel to a daemon.
// WriteFrame must not be called concurrently; the link serialises writes.
type Transport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}

// WebSocketDialer dials daemons over WebSocket.
type WebSocketDialer struct {
	// HTTPClient is used for the upgrade request. Set it to a tailnet
	// client to reach daemons through Tailscale. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// ReadLimit caps inbound frame size in bytes. Zero means 4 MiB.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an established WebSocket connection. The
// server side of a link (see remotetest) uses it after websocket.Accept.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (Frame, error) {
	var f Frame
	if err := wsjson.Read(ctx, t.conn, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, t.conn, f)
}

// Close drops the connection without waiting for the close handshake, so
// teardown never blocks on an unresponsive peer.
func (t *wsTransport) Close() error {
	return t.conn.CloseNow()
}
