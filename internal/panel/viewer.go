// ABOUTME: WebSocket viewers that watch a daemon instance's output
// ABOUTME: Each viewer is a stream.Subscriber that lives as long as its socket

package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-panel/internal/remote"
)

// viewerWriteTimeout bounds a single write to a viewer. Publish is
// synchronous, so a stuck viewer would otherwise stall the daemon's read loop.
const viewerWriteTimeout = 5 * time.Second

var errViewerClosed = errors.New("viewer closed")

// viewer forwards instance output to one WebSocket client.
type viewer struct {
	id           string
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newViewer(ctx context.Context, conn *websocket.Conn) *viewer {
	return &viewer{
		id:           uuid.NewString(),
		conn:         conn,
		ctx:          ctx,
		writeTimeout: viewerWriteTimeout,
	}
}

func (v *viewer) ID() string { return v.id }

func (v *viewer) Connected() bool { return !v.closed.Load() }

// Send writes one frame to the viewer using the daemon envelope.
func (v *viewer) Send(event string, data json.RawMessage) error {
	if v.closed.Load() {
		return errViewerClosed
	}
	ctx, cancel := context.WithTimeout(v.ctx, v.writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, v.conn, remote.Frame{Event: event, Payload: data}); err != nil {
		v.closed.Store(true)
		v.conn.CloseNow()
		return err
	}
	return nil
}

// handleStream handles GET /api/daemons/{id}/instances/{instance}/stream.
// The socket is read-only from the client's side; the viewer stays
// subscribed until the client disconnects or a write fails.
func (p *Panel) handleStream(w http.ResponseWriter, r *http.Request) {
	daemonID := r.PathValue("id")
	instanceID := r.PathValue("instance")

	conn, ok := p.registry.Get(daemonID)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "daemon not found")
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.logger.Debug("viewer upgrade failed", "daemon_id", daemonID, "error", err)
		return
	}
	defer ws.CloseNow()

	// CloseRead discards client messages and cancels ctx once the client goes away.
	ctx := ws.CloseRead(r.Context())
	v := newViewer(ctx, ws)

	streams := conn.Streams()
	if err := streams.Subscribe(instanceID, v); err != nil {
		_ = ws.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer streams.Drop(v)

	logger := p.logger.With("daemon_id", daemonID, "instance_id", instanceID, "sub_id", v.ID())
	logger.Info("viewer attached")

	<-ctx.Done()
	v.closed.Store(true)
	logger.Info("viewer detached")
}
