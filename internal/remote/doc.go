// Package remote manages the panel's long-lived connections to daemons.
//
// A Connection owns at most one live transport at a time and walks it through
// Disconnected, Connecting, Connected, Authenticating and Authenticated. A
// Client layers correlated request/response calls on top: every request
// carries a fresh correlation ID, is matched against the reply carrying the
// same ID, and settles exactly once with the reply, a remote error, or a
// timeout.
//
// Frames travel as JSON text messages over a WebSocket (see WebSocketDialer),
// but the Connection only depends on the Dialer and Transport interfaces so
// tests can script the peer in memory.
package remote
