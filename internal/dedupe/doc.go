// Package dedupe keeps a bounded, time-limited memory of keys.
//
// The panel uses it to remember the correlation IDs of RPC requests that gave
// up waiting (timeout or cancellation). When a reply for one of those IDs
// shows up later, the connection can log it as late instead of as a reply to
// a request it never sent.
package dedupe
