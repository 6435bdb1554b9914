// ABOUTME: Mock Store implementation for testing
// ABOUTME: Keeps daemon entries in memory and can be told to fail writes

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInjected is returned by MockStore writes after FailWrites(true).
var ErrInjected = errors.New("injected store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	daemons    map[string]*Daemon
	failWrites bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		daemons: make(map[string]*Daemon),
	}
}

// FailWrites makes subsequent create, update and delete calls return ErrInjected.
func (m *MockStore) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// CreateDaemon stores a copy of d.
func (m *MockStore) CreateDaemon(ctx context.Context, d *Daemon) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrInjected
	}
	if _, exists := m.daemons[d.ID]; exists {
		return ErrDuplicateDaemon
	}
	cp := *d
	m.daemons[d.ID] = &cp
	return nil
}

// GetDaemon returns a copy of the entry with the given ID.
func (m *MockStore) GetDaemon(ctx context.Context, id string) (*Daemon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.daemons[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDaemons returns copies of all entries ordered by creation time.
func (m *MockStore) ListDaemons(ctx context.Context) ([]*Daemon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Daemon, 0, len(m.daemons))
	for _, d := range m.daemons {
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateDaemon replaces the mutable fields of an existing entry.
func (m *MockStore) UpdateDaemon(ctx context.Context, d *Daemon) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrInjected
	}
	existing, ok := m.daemons[d.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *d
	cp.CreatedAt = existing.CreatedAt
	m.daemons[d.ID] = &cp
	return nil
}

// DeleteDaemon removes an entry.
func (m *MockStore) DeleteDaemon(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites {
		return ErrInjected
	}
	if _, ok := m.daemons[id]; !ok {
		return ErrNotFound
	}
	delete(m.daemons, id)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
