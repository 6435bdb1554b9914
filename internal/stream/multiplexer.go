// ABOUTME: Per-connection fan-out of instance output to subscribed viewers
// ABOUTME: Maps instance IDs to subscriber handles and forwards stdout frames to live ones

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// StdoutEvent is the event name subscribers receive instance output under.
const StdoutEvent = "instance/stdout"

var (
	// ErrDuplicateSubscription indicates the subscriber is already registered for the instance.
	ErrDuplicateSubscription = errors.New("duplicate subscription")

	// ErrUnknownInstance indicates no subscriber set exists for the instance.
	ErrUnknownInstance = errors.New("unknown instance")
)

// Subscriber is a handle to an external consumer of instance output.
// The multiplexer holds a reference only; the subscriber's lifecycle belongs
// to whoever created it, and Connected is consulted before every send.
type Subscriber interface {
	ID() string
	Connected() bool
	Send(event string, data json.RawMessage) error
}

// Multiplexer fans inbound instance output out to subscribers.
// Publish is synchronous and unbuffered: a slow Send delays the publisher,
// so Subscriber implementations must bound their own writes.
type Multiplexer struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber // instanceID -> subscribers in subscription order
	logger      *slog.Logger
}

// NewMultiplexer creates an empty multiplexer. Pass nil logger for default.
func NewMultiplexer(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		subscribers: make(map[string][]Subscriber),
		logger:      logger.With("component", "stream"),
	}
}

// Subscribe adds sub to the subscriber set of instanceID.
// Returns ErrDuplicateSubscription, leaving state untouched, if sub is already there.
func (m *Multiplexer) Subscribe(instanceID string, sub Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[instanceID]
	for _, existing := range subs {
		if existing.ID() == sub.ID() {
			return fmt.Errorf("%w: subscriber %s on instance %s", ErrDuplicateSubscription, sub.ID(), instanceID)
		}
	}
	m.subscribers[instanceID] = append(subs, sub)

	m.logger.Debug("subscriber added",
		"instance_id", instanceID,
		"sub_id", sub.ID(),
		"total", len(subs)+1)
	return nil
}

// Unsubscribe removes sub from the subscriber set of instanceID.
// Returns ErrUnknownInstance if no set exists for the instance. A set is
// deleted once its last subscriber leaves. Removing a subscriber that is not
// a member is a no-op.
func (m *Multiplexer) Unsubscribe(instanceID string, sub Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}
	m.setLocked(instanceID, without(subs, sub.ID()))

	m.logger.Debug("subscriber removed",
		"instance_id", instanceID,
		"sub_id", sub.ID())
	return nil
}

// Drop removes sub from every instance it is subscribed to.
func (m *Multiplexer) Drop(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for instanceID, subs := range m.subscribers {
		m.setLocked(instanceID, without(subs, sub.ID()))
	}
}

// setLocked stores subs for instanceID, deleting the entry when it is empty.
func (m *Multiplexer) setLocked(instanceID string, subs []Subscriber) {
	if len(subs) == 0 {
		delete(m.subscribers, instanceID)
		return
	}
	m.subscribers[instanceID] = subs
}

// Instances returns how many instances currently have subscribers.
func (m *Multiplexer) Instances() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Publish sends data under StdoutEvent to every connected subscriber of instanceID.
// Disconnected subscribers are skipped; no subscribers means nothing happens.
func (m *Multiplexer) Publish(instanceID string, data json.RawMessage) {
	m.Each(instanceID, func(sub Subscriber) {
		if err := sub.Send(StdoutEvent, data); err != nil {
			m.logger.Debug("dropped output for subscriber",
				"instance_id", instanceID,
				"sub_id", sub.ID(),
				"error", err)
		}
	})
}

// Each calls fn for every connected subscriber of instanceID.
// fn runs outside the lock, so it may call back into the multiplexer.
func (m *Multiplexer) Each(instanceID string, fn func(Subscriber)) {
	m.mu.RLock()
	subs := m.subscribers[instanceID]
	targets := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub != nil && sub.Connected() {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		fn(sub)
	}
}

// HasSubscribers reports whether instanceID has a non-empty subscriber set.
func (m *Multiplexer) HasSubscribers(instanceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[instanceID]) > 0
}

// without returns a copy of subs minus the subscriber with the given id.
func without(subs []Subscriber, id string) []Subscriber {
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.ID() != id {
			out = append(out, s)
		}
	}
	return out
}
