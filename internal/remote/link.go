// ABOUTME: One transport binding of a Connection and its table of pending requests.
// ABOUTME: The table is the single place a correlation ID is registered and removed.

package remote

import (
	"context"
	"fmt"
	"sync"
)

// settlement is what a pending request resolves with.
type settlement struct {
	resp Response
	err  error
}

// pending is an outstanding request waiting for its reply.
type pending struct {
	event string
	ch    chan settlement // buffered, receives at most one value
}

// link binds a Connection to one transport. A new link is created for every
// connection attempt; a released link never becomes live again.
type link struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	transport Transport // nil until the dial completes
	closed    bool
	pending   map[string]*pending

	writeMu sync.Mutex
}

func newLink(gen uint64) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		gen:     gen,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pending),
	}
}

// attach installs the dialed transport. It fails if the link was released
// while the dial was in flight; the caller must then close t itself.
func (l *link) attach(t Transport) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.transport = t
	return true
}

// open reports whether the link has a transport and has not been released.
func (l *link) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport != nil && !l.closed
}

func (l *link) register(id, event string) (*pending, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrConnectionUnavailable
	}
	if _, exists := l.pending[id]; exists {
		return nil, fmt.Errorf("correlation id %s already registered", id)
	}
	p := &pending{event: event, ch: make(chan settlement, 1)}
	l.pending[id] = p
	return p, nil
}

// take removes and returns the pending entry for id. Whoever gets ok=true
// owns the settlement; every other caller sees ok=false.
func (l *link) take(id string) (*pending, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	return p, ok
}

func (l *link) inflight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *link) write(ctx context.Context, f Frame) error {
	l.mu.Lock()
	t, closed := l.transport, l.closed
	l.mu.Unlock()
	if t == nil || closed {
		return ErrConnectionUnavailable
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return t.WriteFrame(ctx, f)
}

// close releases the link: cancels its context, closes the transport and,
// when failPending is set, rejects every outstanding request. Otherwise the
// outstanding requests run into their own deadlines. Safe to call repeatedly.
func (l *link) close(failPending bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	t := l.transport
	l.transport = nil
	if failPending {
		for id, p := range l.pending {
			p.ch <- settlement{err: fmt.Errorf("%s: %w", p.event, ErrConnectionClosed)}
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()

	l.cancel()
	if t != nil {
		_ = t.Close()
	}
}
