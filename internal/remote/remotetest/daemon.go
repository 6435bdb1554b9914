// ABOUTME: In-process daemon speaking the panel wire protocol over WebSocket.
// ABOUTME: Backs end-to-end tests and the fake-daemon binary.

// Package remotetest provides a scriptable daemon for exercising the remote
// package over a real WebSocket.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"

	"github.com/2389/coven-panel/internal/remote"
	"github.com/2389/coven-panel/internal/stream"
)

// PingEvent is answered with the request data unchanged.
const PingEvent = "ping"

// HandlerFunc answers one request. A non-nil error is sent back as status 500
// with {"err": message}.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Daemon accepts panel connections and answers their requests.
type Daemon struct {
	key    string
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	silenced map[string]bool
	peers    map[*peer]struct{}

	accepted     atomic.Int32
	authAttempts atomic.Int32
}

type peer struct {
	transport remote.Transport
	writeMu   sync.Mutex
	authed    atomic.Bool
}

func (p *peer) send(ctx context.Context, f remote.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.transport.WriteFrame(ctx, f)
}

// New creates a daemon that accepts key as its credential and answers ping.
func New(key string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		key:      key,
		logger:   logger.With("component", "daemon"),
		handlers: make(map[string]HandlerFunc),
		silenced: make(map[string]bool),
		peers:    make(map[*peer]struct{}),
	}
	d.Handle(PingEvent, func(_ context.Context, data json.RawMessage) (any, error) {
		return data, nil
	})
	return d
}

// Handle registers fn for event, replacing any previous handler.
func (d *Daemon) Handle(event string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = fn
}

// Silence makes the daemon swallow requests for event without replying.
func (d *Daemon) Silence(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silenced[event] = true
}

// Accepted returns how many connections the daemon has accepted.
func (d *Daemon) Accepted() int { return int(d.accepted.Load()) }

// AuthAttempts returns how many auth frames the daemon has received.
func (d *Daemon) AuthAttempts() int { return int(d.authAttempts.Load()) }

// Peers returns the number of currently open connections.
func (d *Daemon) Peers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Publish sends an instance/stdout frame to every authenticated peer.
func (d *Daemon) Publish(ctx context.Context, instanceID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(remote.StreamChunk{InstanceID: instanceID, Data: raw})
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range d.snapshot() {
		if !p.authed.Load() {
			continue
		}
		errs = append(errs, p.send(ctx, remote.Frame{Event: stream.StdoutEvent, Payload: payload}))
	}
	return errors.Join(errs...)
}

// DropAll closes every open connection from the daemon side.
func (d *Daemon) DropAll() {
	for _, p := range d.snapshot() {
		_ = p.transport.Close()
	}
}

func (d *Daemon) snapshot() []*peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := make([]*peer, 0, len(d.peers))
	for p := range d.peers {
		peers = append(peers, p)
	}
	return peers
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (d *Daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		d.logger.Warn("websocket accept failed", "error", err)
		return
	}
	d.accepted.Add(1)
	p := &peer{transport: remote.NewWebSocketTransport(conn)}

	d.mu.Lock()
	d.peers[p] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.peers, p)
		d.mu.Unlock()
		_ = p.transport.Close()
	}()

	ctx := r.Context()
	for {
		f, err := p.transport.ReadFrame(ctx)
		if err != nil {
			return
		}
		go d.handle(ctx, p, f)
	}
}

func (d *Daemon) handle(ctx context.Context, p *peer, f remote.Frame) {
	var req remote.Request
	if err := json.Unmarshal(f.Payload, &req); err != nil || req.CorrelationID == "" {
		d.logger.Debug("dropping frame without correlation id", "event", f.Event)
		return
	}

	var (
		result any
		err    error
	)
	switch {
	case f.Event == remote.AuthEvent:
		d.authAttempts.Add(1)
		var key string
		_ = json.Unmarshal(req.Data, &key)
		ok := key == d.key
		p.authed.Store(ok)
		result = ok
	case !p.authed.Load():
		err = errors.New("unauthorized")
	default:
		d.mu.Lock()
		fn, found := d.handlers[f.Event]
		silenced := d.silenced[f.Event]
		d.mu.Unlock()
		if silenced {
			return
		}
		if !found {
			err = errors.New("unknown event " + f.Event)
		} else {
			result, err = fn(ctx, req.Data)
		}
	}

	resp := remote.Response{CorrelationID: req.CorrelationID, Event: f.Event, Status: http.StatusOK}
	if err != nil {
		resp.Status = http.StatusInternalServerError
		result = map[string]string{"err": err.Error()}
	}
	if resp.Data, err = json.Marshal(result); err != nil {
		d.logger.Error("marshal reply", "event", f.Event, "error", err)
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := p.send(ctx, remote.Frame{Event: f.Event, Payload: payload}); err != nil {
		d.logger.Debug("reply not delivered", "event", f.Event, "error", err)
	}
}

// Serve starts d on a local test server and returns its endpoint. The server
// is closed when the test ends.
func Serve(t testing.TB, d *Daemon) remote.Endpoint {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(func() {
		d.DropAll()
		srv.Close()
	})
	return EndpointOf(t, srv.URL)
}

// EndpointOf converts an http:// server URL into a daemon endpoint.
func EndpointOf(t testing.TB, rawURL string) remote.Endpoint {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split server host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return remote.Endpoint{Host: host, Port: port}
}
