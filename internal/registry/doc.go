// Package registry tracks every daemon the panel manages.
//
// The Registry pairs each persisted store.Daemon entry with a live
// remote.Connection, loads entries at startup, and runs a periodic sweep that
// reconnects every connection that is not authenticated. When no entries
// exist it tries to discover a daemon running next to the panel.
package registry
