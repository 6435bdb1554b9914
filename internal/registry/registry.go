// ABOUTME: Registry of managed daemons pairing persisted entries with live connections.
// ABOUTME: Handles add/edit/remove, startup loading, counts and the reconnect sweep.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-panel/internal/dedupe"
	"github.com/2389/coven-panel/internal/remote"
	"github.com/2389/coven-panel/internal/store"
)

// ErrDaemonNotFound indicates the specified daemon is not registered.
var ErrDaemonNotFound = errors.New("daemon not found")

// ErrInvalidEntry indicates a daemon entry that cannot be dialed.
var ErrInvalidEntry = errors.New("invalid daemon entry")

const (
	DefaultSweepInterval   = time.Minute
	DefaultLateResponseTTL = 5 * time.Minute

	lateResponseCapacity = 4096
)

// Params configures a Registry.
type Params struct {
	Store  store.Store
	Dialer remote.Dialer
	Logger *slog.Logger

	SweepInterval time.Duration
	SweepJitter   time.Duration

	DialTimeout           time.Duration
	AuthTimeout           time.Duration
	RequestTimeout        time.Duration
	FailPendingOnTeardown bool
	LateResponseTTL       time.Duration

	// LocalConfigPath points at a co-located daemon's global.json.
	LocalConfigPath string
	// LocalFallbackKey is used for localhost when LocalConfigPath is missing.
	LocalFallbackKey string
}

// AddRequest describes a daemon to register. Port 0 means remote.DefaultPort.
type AddRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Credential string `json:"credential"`
	Remarks    string `json:"remarks"`
}

// EditRequest changes the non-nil fields of a registered daemon.
type EditRequest struct {
	Host       *string `json:"host,omitempty"`
	Port       *int    `json:"port,omitempty"`
	Credential *string `json:"credential,omitempty"`
	Remarks    *string `json:"remarks,omitempty"`
}

// Status is a point-in-time view of one daemon.
type Status struct {
	ID        string       `json:"id"`
	Host      string       `json:"host"`
	Port      int          `json:"port"`
	Remarks   string       `json:"remarks"`
	State     remote.State `json:"state"`
	Available bool         `json:"available"`
	CreatedAt time.Time    `json:"created_at"`
}

type member struct {
	entry *store.Daemon
	conn  *remote.Connection
}

// Registry owns every daemon connection and its persisted entry.
type Registry struct {
	store  store.Store
	params Params
	logger *slog.Logger
	late   *dedupe.Cache

	mu      sync.RWMutex
	members map[string]*member
}

// New creates a Registry. Call Start to load persisted entries.
func New(p Params) *Registry {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = DefaultSweepInterval
	}
	if p.LateResponseTTL <= 0 {
		p.LateResponseTTL = DefaultLateResponseTTL
	}
	if p.Dialer == nil {
		p.Dialer = &remote.WebSocketDialer{}
	}
	return &Registry{
		store:   p.Store,
		params:  p,
		logger:  logger.With("component", "registry"),
		late:    dedupe.New(p.LateResponseTTL, lateResponseCapacity),
		members: make(map[string]*member),
	}
}

func (r *Registry) newConnection(d *store.Daemon) *remote.Connection {
	return remote.NewConnection(remote.ConnectionParams{
		ID:                    d.ID,
		Endpoint:              remote.Endpoint{Host: d.Host, Port: d.Port},
		Credential:            d.Credential,
		Dialer:                r.params.Dialer,
		Logger:                r.params.Logger,
		DialTimeout:           r.params.DialTimeout,
		AuthTimeout:           r.params.AuthTimeout,
		RequestTimeout:        r.params.RequestTimeout,
		FailPendingOnTeardown: r.params.FailPendingOnTeardown,
		LateResponses:         r.late,
	})
}

// normalize applies defaults and validates an entry.
func normalize(d *store.Daemon) error {
	d.Host = strings.TrimSpace(d.Host)
	if d.Port == 0 {
		d.Port = remote.DefaultPort
	}
	if err := (remote.Endpoint{Host: d.Host, Port: d.Port}).Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return nil
}

func newDaemonID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Add registers a new daemon, persists it and starts connecting.
func (r *Registry) Add(ctx context.Context, req AddRequest) (*remote.Connection, error) {
	now := time.Now().UTC()
	entry := &store.Daemon{
		ID:         newDaemonID(),
		Host:       req.Host,
		Port:       req.Port,
		Credential: req.Credential,
		Remarks:    req.Remarks,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := normalize(entry); err != nil {
		return nil, err
	}

	if err := r.store.CreateDaemon(ctx, entry); err != nil {
		return nil, fmt.Errorf("persisting daemon: %w", err)
	}
	conn := r.newConnection(entry)

	r.mu.Lock()
	r.members[entry.ID] = &member{entry: entry, conn: conn}
	total := len(r.members)
	r.mu.Unlock()

	r.logger.Info("daemon added",
		"daemon_id", entry.ID,
		"addr", conn.Endpoint().URL(),
		"total_daemons", total,
	)
	conn.Connect("")
	return conn, nil
}

// Edit updates the stored configuration of a daemon. The change takes effect
// on the next connect; the current link is left alone.
func (r *Registry) Edit(ctx context.Context, id string, req EditRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return ErrDaemonNotFound
	}

	updated := *m.entry
	if req.Host != nil {
		updated.Host = *req.Host
	}
	if req.Port != nil {
		updated.Port = *req.Port
	}
	if req.Credential != nil {
		updated.Credential = *req.Credential
	}
	if req.Remarks != nil {
		updated.Remarks = *req.Remarks
	}
	if err := normalize(&updated); err != nil {
		return err
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := r.store.UpdateDaemon(ctx, &updated); err != nil {
		return fmt.Errorf("persisting daemon: %w", err)
	}

	m.entry = &updated
	m.conn.SetEndpoint(remote.Endpoint{Host: updated.Host, Port: updated.Port})
	m.conn.SetCredential(updated.Credential)

	r.logger.Info("daemon edited", "daemon_id", id, "addr", m.conn.Endpoint().URL())
	return nil
}

// Remove disconnects a daemon and deletes its entry.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return ErrDaemonNotFound
	}
	m.conn.Disconnect()
	delete(r.members, id)
	total := len(r.members)
	r.mu.Unlock()

	r.logger.Info("daemon removed", "daemon_id", id, "total_daemons", total)

	if err := r.store.DeleteDaemon(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting daemon entry: %w", err)
	}
	return nil
}

// Get returns the connection for a daemon.
func (r *Registry) Get(id string) (*remote.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	return m.conn, true
}

// Status returns the current view of one daemon.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return Status{}, false
	}
	return statusOf(m), true
}

// List returns a snapshot of every daemon sorted by ID.
func (r *Registry) List() []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.members))
	for _, m := range r.members {
		statuses = append(statuses, statusOf(m))
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

// statusOf must be called with mu held.
func statusOf(m *member) Status {
	return Status{
		ID:        m.entry.ID,
		Host:      m.entry.Host,
		Port:      m.entry.Port,
		Remarks:   m.entry.Remarks,
		State:     m.conn.State(),
		Available: m.conn.Available(),
		CreatedAt: m.entry.CreatedAt,
	}
}

// Count returns how many daemons are available and how many are registered.
func (r *Registry) Count() (available, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		total++
		if m.conn.Available() {
			available++
		}
	}
	return available, total
}

// Reconnect drops and re-establishes one daemon's link.
func (r *Registry) Reconnect(id string) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrDaemonNotFound
	}
	r.logger.Info("manual reconnect", "daemon_id", id)
	conn.Connect("")
	return nil
}

// Start loads every persisted entry and connects it. Malformed entries are
// logged and skipped. With no entries at all, local discovery runs.
func (r *Registry) Start(ctx context.Context) error {
	entries, err := r.store.ListDaemons(ctx)
	if err != nil {
		return fmt.Errorf("loading daemons: %w", err)
	}

	var conns []*remote.Connection
	r.mu.Lock()
	for _, entry := range entries {
		if err := normalize(entry); err != nil {
			r.logger.Warn("skipping daemon entry", "daemon_id", entry.ID, "error", err)
			continue
		}
		if _, exists := r.members[entry.ID]; exists {
			continue
		}
		conn := r.newConnection(entry)
		r.members[entry.ID] = &member{entry: entry, conn: conn}
		conns = append(conns, conn)
	}
	total := len(r.members)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Connect("")
	}

	if len(entries) == 0 {
		r.discoverLocal(ctx)
		_, total = r.Count()
	}

	r.logger.Info("registry started", "total_daemons", total)
	return nil
}

// Run sweeps until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.params.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep calls Connect exactly once on every daemon that is not
// authenticated. With SweepJitter set, each reconnect is delayed by a random
// amount below the jitter; Sweep returns once all of them have been issued
// or ctx is cancelled. It returns the number of reconnects issued.
func (r *Registry) Sweep(ctx context.Context) int {
	r.mu.RLock()
	var stale []*remote.Connection
	for _, m := range r.members {
		if m.conn.State() != remote.StateAuthenticated {
			stale = append(stale, m.conn)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	var (
		wg     sync.WaitGroup
		issued int
		mu     sync.Mutex
	)
	for _, conn := range stale {
		r.logger.Warn("daemon unavailable, reconnecting",
			"daemon_id", conn.ID(),
			"addr", conn.Endpoint().URL(),
			"state", conn.State(),
		)
		delay := r.jitter()
		if delay == 0 {
			conn.Connect("")
			mu.Lock()
			issued++
			mu.Unlock()
			continue
		}
		wg.Go(func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				conn.Connect("")
				mu.Lock()
				issued++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return issued
}

func (r *Registry) jitter() time.Duration {
	if r.params.SweepJitter <= 0 {
		return 0
	}
	return rand.N(r.params.SweepJitter)
}

// Close disconnects every daemon and stops the late-response cache.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		m.conn.Disconnect()
	}
	r.late.Close()
}
