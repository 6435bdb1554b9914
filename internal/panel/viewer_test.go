// ABOUTME: Tests for WebSocket instance viewers
// ABOUTME: Verifies daemon output reaches viewers and that viewers unsubscribe on disconnect

package panel

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-panel/internal/remote"
	"github.com/2389/coven-panel/internal/remote/remotetest"
	"github.com/2389/coven-panel/internal/stream"
)

func dialViewer(t *testing.T, srv *httptest.Server, daemonID, instanceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/daemons/" + daemonID + "/instances/" + instanceID + "/stream"
	ws, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func TestViewer_ReceivesInstanceOutput(t *testing.T) {
	daemon := remotetest.New("k1", slog.Default())
	p := newTestPanel(t, nil)
	added := addDaemon(t, p, remotetest.Serve(t, daemon), "k1")
	waitAvailable(t, p, added.ID)

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	conn, ok := p.registry.Get(added.ID)
	require.True(t, ok)

	first := dialViewer(t, srv, added.ID, "inst-1")
	second := dialViewer(t, srv, added.ID, "inst-1")
	other := dialViewer(t, srv, added.ID, "inst-2")

	require.Eventually(t, func() bool {
		n := 0
		conn.Streams().Each("inst-1", func(stream.Subscriber) { n++ })
		return n == 2 && conn.Streams().HasSubscribers("inst-2")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, daemon.Publish(t.Context(), "inst-1", "line one\n"))

	for _, ws := range []*websocket.Conn{first, second} {
		var f remote.Frame
		require.NoError(t, wsjson.Read(t.Context(), ws, &f))
		assert.Equal(t, stream.StdoutEvent, f.Event)
		assert.JSONEq(t, `"line one\n"`, string(f.Payload))
	}

	require.NoError(t, daemon.Publish(t.Context(), "inst-2", "other"))
	var f remote.Frame
	require.NoError(t, wsjson.Read(t.Context(), other, &f))
	assert.JSONEq(t, `"other"`, string(f.Payload))
}

func TestViewer_UnsubscribesOnDisconnect(t *testing.T) {
	daemon := remotetest.New("k1", slog.Default())
	p := newTestPanel(t, nil)
	added := addDaemon(t, p, remotetest.Serve(t, daemon), "k1")
	waitAvailable(t, p, added.ID)

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)

	conn, _ := p.registry.Get(added.ID)
	ws := dialViewer(t, srv, added.ID, "inst-1")
	require.Eventually(t, func() bool { return conn.Streams().HasSubscribers("inst-1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool { return !conn.Streams().HasSubscribers("inst-1") }, 2*time.Second, 10*time.Millisecond)

	// Publishing with nobody watching is a no-op.
	require.NoError(t, daemon.Publish(t.Context(), "inst-1", "into the void"))
}

func TestViewer_UnknownDaemon(t *testing.T) {
	p := newTestPanel(t, nil)

	rec := do(t, p, http.MethodGet, "/api/daemons/missing/instances/inst-1/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
