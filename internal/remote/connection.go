// ABOUTME: Long-lived connection to one daemon with connect, auth and teardown lifecycle.
// ABOUTME: Holds at most one live link, routes replies by correlation ID and stdout to streams.

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-panel/internal/dedupe"
	"github.com/2389/coven-panel/internal/stream"
)

const (
	DefaultDialTimeout    = 3 * time.Second
	DefaultAuthTimeout    = 5 * time.Second
	DefaultRequestTimeout = 6 * time.Second
)

// ConnectionParams configures a Connection.
type ConnectionParams struct {
	ID         string
	Endpoint   Endpoint
	Credential string

	// Dialer opens transports. Nil means a WebSocketDialer with defaults.
	Dialer Dialer
	Logger *slog.Logger

	DialTimeout    time.Duration
	AuthTimeout    time.Duration
	RequestTimeout time.Duration

	// FailPendingOnTeardown rejects in-flight requests with
	// ErrConnectionClosed when their link is released. When false they
	// end through their own timeout.
	FailPendingOnTeardown bool

	// LateResponses remembers correlation IDs of abandoned requests so a
	// reply arriving afterwards is logged as late. Optional and may be shared.
	LateResponses *dedupe.Cache
}

// Connection is the panel's handle on one daemon.
type Connection struct {
	id      string
	dialer  Dialer
	logger  *slog.Logger
	streams *stream.Multiplexer
	late    *dedupe.Cache

	dialTimeout    time.Duration
	authTimeout    time.Duration
	requestTimeout time.Duration
	failPending    bool

	mu         sync.RWMutex
	endpoint   Endpoint
	credential string
	state      State
	link       *link
	gen        uint64
}

// NewConnection creates a Connection in StateDisconnected. Nothing is dialed
// until Connect is called.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connection", "daemon_id", p.ID)

	dialer := p.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}

	return &Connection{
		id:             p.ID,
		dialer:         dialer,
		logger:         logger,
		streams:        stream.NewMultiplexer(logger),
		late:           p.LateResponses,
		dialTimeout:    orDefault(p.DialTimeout, DefaultDialTimeout),
		authTimeout:    orDefault(p.AuthTimeout, DefaultAuthTimeout),
		requestTimeout: orDefault(p.RequestTimeout, DefaultRequestTimeout),
		failPending:    p.FailPendingOnTeardown,
		endpoint:       p.Endpoint,
		credential:     p.Credential,
		state:          StateDisconnected,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ID returns the daemon ID.
func (c *Connection) ID() string { return c.id }

// Streams returns the multiplexer fed by this daemon's instance/stdout frames.
func (c *Connection) Streams() *stream.Multiplexer { return c.streams }

// Endpoint returns the configured address.
func (c *Connection) Endpoint() Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// SetEndpoint changes the address used by the next Connect.
func (c *Connection) SetEndpoint(e Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoint = e
}

// Credential returns the stored credential.
func (c *Connection) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// SetCredential changes the credential used by the next handshake.
func (c *Connection) SetCredential(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = credential
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Available reports whether requests can be sent without force.
func (c *Connection) Available() bool {
	c.mu.RLock()
	l, state := c.link, c.state
	c.mu.RUnlock()
	return state == StateAuthenticated && l != nil && l.open()
}

// Connect starts a new connection attempt and returns immediately. An empty
// credential keeps the stored one. Any existing link, authenticated or still
// pending, is released before the new one is created.
func (c *Connection) Connect(credential string) {
	c.mu.Lock()
	if credential != "" {
		c.credential = credential
	}
	if c.link != nil {
		if c.state == StateAuthenticated {
			c.logger.Info("resetting authenticated connection")
		} else {
			c.logger.Debug("connection attempt pending, treating as reconnect", "state", c.state)
		}
		c.releaseLocked()
	}
	c.gen++
	l := newLink(c.gen)
	c.link = l
	c.state = StateConnecting
	endpoint := c.endpoint
	c.mu.Unlock()

	go c.run(l, endpoint)
}

// Disconnect releases the link and moves to StateDisconnected. It is safe to
// call in any state and any number of times.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != nil {
		c.releaseLocked()
		c.logger.Info("disconnected")
	}
	c.state = StateDisconnected
}

// releaseLocked drops the current link. Must be called with mu held.
func (c *Connection) releaseLocked() {
	l := c.link
	c.link = nil
	c.state = StateDisconnected
	l.close(c.failPending)
}

// Emit sends a fire-and-forget frame on the current link.
func (c *Connection) Emit(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()
	if l == nil {
		return ErrConnectionUnavailable
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	if err := l.write(ctx, Frame{Event: event, Payload: raw}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Authenticate runs the auth handshake on the current link. An empty
// credential uses the stored one. It reports whether the daemon accepted.
// The link must have a transport; a dial still in flight is unavailable.
func (c *Connection) Authenticate(ctx context.Context, credential string) (bool, error) {
	c.mu.RLock()
	l := c.link
	if credential == "" {
		credential = c.credential
	}
	c.mu.RUnlock()
	if l == nil {
		return false, ErrConnectionUnavailable
	}
	accepted, current, err := c.authenticate(ctx, l, credential)
	if err == nil && !current {
		return false, ErrConnectionClosed
	}
	return accepted, err
}

// authenticate runs the handshake on l. current is false when l was replaced
// or released before the result could be applied to the connection state.
func (c *Connection) authenticate(ctx context.Context, l *link, credential string) (accepted, current bool, err error) {
	c.mu.Lock()
	if c.link != l || !l.open() {
		c.mu.Unlock()
		return false, false, ErrConnectionUnavailable
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	data, err := c.roundTrip(ctx, l, AuthEvent, credential, c.authTimeout)
	accepted = err == nil && isTrue(data)

	next := StateConnected
	if accepted {
		next = StateAuthenticated
	}
	c.mu.Lock()
	if c.link == l && c.state == StateAuthenticating {
		c.state = next
		current = true
	}
	c.mu.Unlock()

	if err != nil {
		return false, current, err
	}
	return accepted, current, nil
}

func (c *Connection) setStateIfCurrent(l *link, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return false
	}
	c.state = s
	return true
}

// run dials, attaches the transport, starts the reader and authenticates.
func (c *Connection) run(l *link, endpoint Endpoint) {
	url := endpoint.URL()
	dialCtx, cancel := context.WithTimeout(l.ctx, c.dialTimeout)
	t, err := c.dialer.Dial(dialCtx, url)
	cancel()
	if err != nil {
		if l.ctx.Err() == nil {
			c.logger.Warn("failed to connect to daemon", "addr", url, "error", err)
		}
		c.onLinkClosed(l)
		return
	}
	if !l.attach(t) {
		_ = t.Close()
		return
	}
	if !c.setStateIfCurrent(l, StateConnected) {
		l.close(c.failPending)
		return
	}
	c.logger.Info("connected to daemon", "addr", url)

	go c.readLoop(l, t)

	c.mu.RLock()
	credential := c.credential
	c.mu.RUnlock()

	ok, current, err := c.authenticate(l.ctx, l, credential)
	switch {
	case !current:
		c.logger.Debug("handshake finished on a replaced link", "addr", url)
	case err != nil:
		c.logger.Warn("daemon authentication failed", "addr", url, "error", err)
	case !ok:
		c.logger.Warn("daemon rejected credential", "addr", url)
	default:
		c.logger.Info("daemon authenticated", "addr", url)
	}
}

func (c *Connection) readLoop(l *link, t Transport) {
	for {
		f, err := t.ReadFrame(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				c.logger.Info("daemon link closed", "error", err)
			}
			c.onLinkClosed(l)
			return
		}
		c.dispatch(l, f)
	}
}

// onLinkClosed handles the end of a link. Stale links only release themselves.
func (c *Connection) onLinkClosed(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	l.close(c.failPending)
}

func (c *Connection) dispatch(l *link, f Frame) {
	if f.Event == stream.StdoutEvent {
		var chunk StreamChunk
		if err := json.Unmarshal(f.Payload, &chunk); err != nil || chunk.InstanceID == "" {
			c.logger.Warn("malformed stdout frame", "error", err)
			return
		}
		c.streams.Publish(chunk.InstanceID, chunk.Data)
		return
	}

	var resp Response
	if err := json.Unmarshal(f.Payload, &resp); err != nil || resp.CorrelationID == "" {
		c.logger.Debug("ignoring frame without correlation id", "event", f.Event)
		return
	}
	if p, ok := l.take(resp.CorrelationID); ok {
		p.ch <- settlement{resp: resp}
		return
	}
	if c.late != nil && c.late.Take(resp.CorrelationID) {
		c.logger.Debug("late response after request gave up", "event", f.Event, "correlation_id", resp.CorrelationID)
		return
	}
	c.logger.Warn("response for unknown request", "event", f.Event, "correlation_id", resp.CorrelationID)
}

// requestLink returns the link a request may be sent on. Without force the
// connection must be authenticated and its transport open.
func (c *Connection) requestLink(force bool) (*link, error) {
	c.mu.RLock()
	l, state := c.link, c.state
	c.mu.RUnlock()
	if l == nil {
		return nil, ErrConnectionUnavailable
	}
	if !force && (state != StateAuthenticated || !l.open()) {
		return nil, ErrConnectionUnavailable
	}
	return l, nil
}

// roundTrip sends one correlated request on l and waits for it to settle.
func (c *Connection) roundTrip(ctx context.Context, l *link, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	id := newCorrelationID()
	body, err := json.Marshal(Request{CorrelationID: id, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", event, err)
	}

	p, err := l.register(id, event)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := l.write(ctx, Frame{Event: event, Payload: body}); err != nil {
		l.take(id)
		return nil, fmt.Errorf("send %s: %w", event, err)
	}

	select {
	case s := <-p.ch:
		return settle(event, s)
	case <-timer.C:
		return c.abandon(l, id, p, fmt.Errorf("%s after %s: %w", event, timeout, ErrTimeout))
	case <-ctx.Done():
		return c.abandon(l, id, p, ctx.Err())
	}
}

// abandon gives up on a request. If the reply already claimed the entry it
// wins and is returned instead of cause.
func (c *Connection) abandon(l *link, id string, p *pending, cause error) (json.RawMessage, error) {
	if _, ok := l.take(id); ok {
		if c.late != nil {
			c.late.Mark(id)
		}
		return nil, cause
	}
	return settle(p.event, <-p.ch)
}
