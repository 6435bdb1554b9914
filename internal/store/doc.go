// Package store persists the panel's daemon entries.
//
// SQLiteStore keeps them in a single daemons table (WAL mode, schema created
// on open, idempotent column migrations for older files). MockStore is an
// in-memory implementation for tests and can be told to fail writes.
//
// Entries are stored as written; validation and defaults (such as the daemon
// port) belong to the registry that loads them.
package store
