// ABOUTME: In-memory transport and dialer used by the connection and client tests.
// ABOUTME: The fake peer can answer auth automatically and be scripted for everything else.

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is one scripted link. Frames written by the connection go to
// sent; frames pushed with deliver are returned from ReadFrame.
type fakeTransport struct {
	inbox   chan Frame
	sent    chan Frame
	closed  chan struct{}
	once    sync.Once
	respond func(tr *fakeTransport, f Frame)
	onClose func()
}

func newFakeTransport(respond func(*fakeTransport, Frame), onClose func()) *fakeTransport {
	return &fakeTransport{
		inbox:   make(chan Frame, 64),
		sent:    make(chan Frame, 256),
		closed:  make(chan struct{}),
		respond: respond,
		onClose: onClose,
	}
}

func (tr *fakeTransport) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-tr.inbox:
		return f, nil
	case <-tr.closed:
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (tr *fakeTransport) WriteFrame(_ context.Context, f Frame) error {
	if tr.isClosed() {
		return errors.New("write on closed transport")
	}
	tr.sent <- f
	if tr.respond != nil {
		tr.respond(tr, f)
	}
	return nil
}

func (tr *fakeTransport) Close() error {
	tr.once.Do(func() {
		close(tr.closed)
		if tr.onClose != nil {
			tr.onClose()
		}
	})
	return nil
}

func (tr *fakeTransport) isClosed() bool {
	select {
	case <-tr.closed:
		return true
	default:
		return false
	}
}

func (tr *fakeTransport) deliver(f Frame) {
	select {
	case tr.inbox <- f:
	case <-tr.closed:
	}
}

// reply answers request frame f with status and data.
func (tr *fakeTransport) reply(f Frame, status int, data any) {
	var req Request
	_ = json.Unmarshal(f.Payload, &req)
	raw, _ := json.Marshal(data)
	payload, _ := json.Marshal(Response{CorrelationID: req.CorrelationID, Status: status, Event: f.Event, Data: raw})
	tr.deliver(Frame{Event: f.Event, Payload: payload})
}

// nextSent waits for the next frame the connection writes that is not auth.
func (tr *fakeTransport) nextSent(t *testing.T) Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-tr.sent:
			if f.Event == AuthEvent {
				continue
			}
			return f
		case <-timeout:
			t.Fatal("no frame sent")
			return Frame{}
		}
	}
}

// sentCount drains sent and counts non-auth frames.
func (tr *fakeTransport) sentCount() int {
	n := 0
	for {
		select {
		case f := <-tr.sent:
			if f.Event != AuthEvent {
				n++
			}
		default:
			return n
		}
	}
}

// authResponder answers auth with accept and echoes ping. Other events are
// left for the test to answer.
func authResponder(accept bool) func(*fakeTransport, Frame) {
	return func(tr *fakeTransport, f Frame) {
		switch f.Event {
		case AuthEvent:
			tr.reply(f, 200, accept)
		case "ping":
			var req Request
			_ = json.Unmarshal(f.Payload, &req)
			var data any
			_ = json.Unmarshal(req.Data, &data)
			tr.reply(f, 200, data)
		}
	}
}

// fakeDialer hands out fakeTransports and tracks how many are open.
type fakeDialer struct {
	mu         sync.Mutex
	respond    func(*fakeTransport, Frame)
	err        error
	block      bool
	dials      int
	cancelled  int
	live       int
	urls       []string
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	block, err := d.block, d.err
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		d.mu.Lock()
		d.cancelled++
		d.mu.Unlock()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tr := newFakeTransport(d.respond, func() {
		d.mu.Lock()
		d.live--
		d.mu.Unlock()
	})
	d.live++
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *fakeDialer) stats() (dials, live int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials, d.live
}

func (d *fakeDialer) last(t *testing.T) *fakeTransport {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.transports, "nothing dialed")
	return d.transports[len(d.transports)-1]
}

// logRecorder is a slog.Handler that keeps every message it sees.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, rec.Message)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m == msg {
			n++
		}
	}
	return n
}
