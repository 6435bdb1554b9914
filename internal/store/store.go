// ABOUTME: Store interface and data types for coven-panel persistence
// ABOUTME: Defines the persisted daemon entry and the operations the registry needs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateDaemon is returned when creating a daemon whose ID is taken
var ErrDuplicateDaemon = errors.New("daemon already exists")

// Daemon is the persisted configuration of one remote daemon
type Daemon struct {
	ID         string
	Host       string
	Port       int
	Credential string
	Remarks    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store defines the interface for daemon entry persistence
type Store interface {
	CreateDaemon(ctx context.Context, d *Daemon) error
	GetDaemon(ctx context.Context, id string) (*Daemon, error)
	ListDaemons(ctx context.Context) ([]*Daemon, error)
	UpdateDaemon(ctx context.Context, d *Daemon) error
	DeleteDaemon(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
