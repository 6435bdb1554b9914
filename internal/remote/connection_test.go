// ABOUTME: Tests for the daemon connection lifecycle and reply routing.
// ABOUTME: Uses the in-memory fake transport so every transition is deterministic.

package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-panel/internal/dedupe"
	"github.com/2389/coven-panel/internal/stream"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestConnection(t *testing.T, d *fakeDialer, mutate ...func(*ConnectionParams)) *Connection {
	t.Helper()
	p := ConnectionParams{
		ID:             "daemon-1",
		Endpoint:       Endpoint{Host: "daemon.local", Port: 24444},
		Credential:     "secret",
		Dialer:         d,
		Logger:         slog.Default(),
		DialTimeout:    time.Second,
		AuthTimeout:    time.Second,
		RequestTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&p)
	}
	c := NewConnection(p)
	t.Cleanup(c.Disconnect)
	return c
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, tick,
		"state stuck at %s, want %s", c.State(), want)
}

func TestConnection_StartsDisconnected(t *testing.T) {
	c := newTestConnection(t, &fakeDialer{})

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.Available())
	assert.Equal(t, "daemon-1", c.ID())
}

func TestConnection_ConnectAuthenticates(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)

	c.Connect("")

	waitState(t, c, StateAuthenticated)
	assert.True(t, c.Available())
	assert.Equal(t, []string{"ws://daemon.local:24444"}, d.urls)
}

func TestConnection_ConnectStoresNewCredential(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)

	c.Connect("rotated")
	waitState(t, c, StateAuthenticated)

	assert.Equal(t, "rotated", c.Credential())
	tr := d.last(t)
	f := <-tr.sent
	require.Equal(t, AuthEvent, f.Event)
	var req Request
	require.NoError(t, json.Unmarshal(f.Payload, &req))
	assert.JSONEq(t, `"rotated"`, string(req.Data))
}

func TestConnection_RejectedCredentialStaysConnected(t *testing.T) {
	d := &fakeDialer{respond: authResponder(false)}
	c := newTestConnection(t, d)

	c.Connect("")

	waitState(t, c, StateConnected)
	assert.False(t, c.Available())
}

func TestConnection_DialFailureEndsDisconnected(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	c := newTestConnection(t, d)

	c.Connect("")

	require.Eventually(t, func() bool {
		dials, _ := d.stats()
		return dials == 1 && c.State() == StateDisconnected
	}, waitFor, tick)
	assert.False(t, c.Available())
}

func TestConnection_AtMostOneLiveTransport(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)

	for range 10 {
		c.Connect("")
	}
	waitState(t, c, StateAuthenticated)

	require.Eventually(t, func() bool {
		_, live := d.stats()
		return live == 1
	}, waitFor, tick)
	dials, _ := d.stats()
	assert.Equal(t, 10, dials)

	c.Disconnect()
	_, live := d.stats()
	assert.Equal(t, 0, live)
}

func TestConnection_ReconnectWhilePendingCancelsDial(t *testing.T) {
	d := &fakeDialer{block: true}
	c := newTestConnection(t, d)

	c.Connect("")
	require.Eventually(t, func() bool { dials, _ := d.stats(); return dials == 1 }, waitFor, tick)
	assert.Equal(t, StateConnecting, c.State())

	c.Connect("")

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.cancelled == 1 && d.dials == 2
	}, waitFor, tick)
	assert.Equal(t, StateConnecting, c.State(), "the stale attempt must not move the new one")
}

func TestConnection_ReconnectResetsAuthenticated(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)

	c.Connect("")
	waitState(t, c, StateAuthenticated)
	first := d.last(t)

	c.Connect("")
	waitState(t, c, StateAuthenticated)

	assert.True(t, first.isClosed())
	assert.NotSame(t, first, d.last(t))
}

func TestConnection_DisconnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	c.Connect("")
	waitState(t, c, StateAuthenticated)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, d.last(t).isClosed())
}

func TestConnection_RemoteCloseDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)

	c.Connect("")
	waitState(t, c, StateAuthenticated)

	_ = d.last(t).Close()

	waitState(t, c, StateDisconnected)
	assert.False(t, c.Available())
	time.Sleep(20 * time.Millisecond)
	dials, _ := d.stats()
	assert.Equal(t, 1, dials)
}

func TestConnection_EmitWithoutLink(t *testing.T) {
	c := newTestConnection(t, &fakeDialer{})

	err := c.Emit(t.Context(), "instance/command", map[string]string{"cmd": "stop"})

	assert.ErrorIs(t, err, ErrConnectionUnavailable)
}

func TestConnection_EmitSendsFrame(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)
	c.Connect("")
	waitState(t, c, StateAuthenticated)

	require.NoError(t, c.Emit(t.Context(), "instance/command", map[string]string{"cmd": "stop"}))

	f := d.last(t).nextSent(t)
	assert.Equal(t, "instance/command", f.Event)
	assert.JSONEq(t, `{"cmd":"stop"}`, string(f.Payload))
}

func TestConnection_AuthenticateWithoutLink(t *testing.T) {
	c := newTestConnection(t, &fakeDialer{})

	ok, err := c.Authenticate(t.Context(), "")

	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
}

func TestConnection_AuthenticateWhileDialing(t *testing.T) {
	d := &fakeDialer{block: true}
	c := newTestConnection(t, d)
	c.Connect("")
	require.Eventually(t, func() bool { dials, _ := d.stats(); return dials == 1 }, waitFor, tick)

	ok, err := c.Authenticate(t.Context(), "")

	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.Equal(t, StateConnecting, c.State())
	assert.False(t, c.Available())
}

func TestConnection_ReplacedHandshakeIsNotReported(t *testing.T) {
	logs := &logRecorder{}
	var c *Connection
	var replaced atomic.Bool
	d := &fakeDialer{}
	d.respond = func(tr *fakeTransport, f Frame) {
		if f.Event != AuthEvent {
			return
		}
		tr.reply(f, 200, true)
		if replaced.CompareAndSwap(false, true) {
			c.Connect("")
		}
	}
	c = newTestConnection(t, d, func(p *ConnectionParams) { p.Logger = slog.New(logs) })

	c.Connect("")

	waitState(t, c, StateAuthenticated)
	require.Eventually(t, func() bool {
		return logs.count("handshake finished on a replaced link") == 1
	}, waitFor, tick)
	assert.Equal(t, 1, logs.count("daemon authenticated"))
	dials, live := d.stats()
	assert.Equal(t, 2, dials)
	assert.Equal(t, 1, live)
}

func TestConnection_ManualAuthenticateAfterRejection(t *testing.T) {
	var accept atomic.Bool
	d := &fakeDialer{}
	d.respond = func(tr *fakeTransport, f Frame) {
		if f.Event == AuthEvent {
			tr.reply(f, 200, accept.Load())
		}
	}
	c := newTestConnection(t, d)
	c.Connect("")
	waitState(t, c, StateConnected)

	accept.Store(true)

	ok, err := c.Authenticate(t.Context(), "fixed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestConnection_StdoutPublishedToSubscribers(t *testing.T) {
	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d)
	c.Connect("")
	waitState(t, c, StateAuthenticated)

	sub := &recordingSubscriber{id: "viewer-1", got: make(chan json.RawMessage, 1)}
	require.NoError(t, c.Streams().Subscribe("inst-1", sub))

	payload, _ := json.Marshal(StreamChunk{InstanceID: "inst-1", Data: json.RawMessage(`"hello\n"`)})
	d.last(t).deliver(Frame{Event: stream.StdoutEvent, Payload: payload})

	select {
	case data := <-sub.got:
		assert.JSONEq(t, `"hello\n"`, string(data))
	case <-time.After(waitFor):
		t.Fatal("stdout not forwarded")
	}
}

func TestConnection_LateResponseIsClassified(t *testing.T) {
	late := dedupe.New(time.Minute, 100)
	defer late.Close()

	d := &fakeDialer{respond: authResponder(true)}
	c := newTestConnection(t, d, func(p *ConnectionParams) { p.LateResponses = late })
	c.Connect("")
	waitState(t, c, StateAuthenticated)

	tr := d.last(t)
	_, err := NewClient(c).Request(t.Context(), "instance/overview", nil, WithTimeout(30*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, late.Len())

	tr.reply(tr.nextSent(t), 200, "too late")

	require.Eventually(t, func() bool { return late.Len() == 0 }, waitFor, tick)
	assert.Equal(t, StateAuthenticated, c.State())
}

type recordingSubscriber struct {
	id  string
	got chan json.RawMessage
}

func (s *recordingSubscriber) ID() string      { return s.id }
func (s *recordingSubscriber) Connected() bool { return true }
func (s *recordingSubscriber) Send(_ string, data json.RawMessage) error {
	s.got <- data
	return nil
}
