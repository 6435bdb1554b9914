// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists daemon entries with automatic schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS daemons (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 24444,
			credential TEXT NOT NULL DEFAULT '',
			remarks TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_daemons_created ON daemons(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns that older panel databases lack.
// Idempotent - safe to run on every open.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('daemons') WHERE name = 'remarks'`,
			apply:  `ALTER TABLE daemons ADD COLUMN remarks TEXT NOT NULL DEFAULT ''`,
			column: "remarks",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('daemons') WHERE name = 'updated_at'`,
			apply:  `ALTER TABLE daemons ADD COLUMN updated_at DATETIME NOT NULL DEFAULT '1970-01-01T00:00:00Z'`,
			column: "updated_at",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateDaemon inserts a new daemon entry.
// Returns ErrDuplicateDaemon if the ID is already taken.
func (s *SQLiteStore) CreateDaemon(ctx context.Context, d *Daemon) error {
	query := `
		INSERT INTO daemons (id, host, port, credential, remarks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.Host,
		d.Port,
		d.Credential,
		d.Remarks,
		d.CreatedAt.UTC().Format(time.RFC3339),
		d.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateDaemon
		}
		return fmt.Errorf("inserting daemon: %w", err)
	}

	s.logger.Debug("created daemon", "id", d.ID, "host", d.Host, "port", d.Port)
	return nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetDaemon retrieves a daemon entry by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetDaemon(ctx context.Context, id string) (*Daemon, error) {
	query := `
		SELECT id, host, port, credential, remarks, created_at, updated_at
		FROM daemons
		WHERE id = ?
	`
	d, err := scanDaemon(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying daemon: %w", err)
	}
	return d, nil
}

// ListDaemons returns every daemon entry, oldest first.
func (s *SQLiteStore) ListDaemons(ctx context.Context) ([]*Daemon, error) {
	query := `
		SELECT id, host, port, credential, remarks, created_at, updated_at
		FROM daemons
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying daemons: %w", err)
	}
	defer rows.Close()

	var daemons []*Daemon
	for rows.Next() {
		d, err := scanDaemon(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning daemon row: %w", err)
		}
		daemons = append(daemons, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daemon rows: %w", err)
	}
	return daemons, nil
}

// UpdateDaemon overwrites the mutable fields of an existing entry.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateDaemon(ctx context.Context, d *Daemon) error {
	query := `
		UPDATE daemons
		SET host = ?, port = ?, credential = ?, remarks = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Host,
		d.Port,
		d.Credential,
		d.Remarks,
		d.UpdatedAt.UTC().Format(time.RFC3339),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating daemon: %w", err)
	}
	return requireAffected(result)
}

// DeleteDaemon removes a daemon entry.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteDaemon(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM daemons WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting daemon: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	s.logger.Debug("deleted daemon", "id", id)
	return nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDaemon(row rowScanner) (*Daemon, error) {
	var d Daemon
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&d.ID, &d.Host, &d.Port, &d.Credential, &d.Remarks, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}

	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
