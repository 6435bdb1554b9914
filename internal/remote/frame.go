// ABOUTME: Wire shapes exchanged with daemons over the transport.
// ABOUTME: Every message is an event-tagged envelope whose payload depends on direction.

package remote

import "encoding/json"

// AuthEvent is the reserved handshake event. The daemon replies with true
// when the credential is accepted.
const AuthEvent = "auth"

// Frame is the envelope for every message in either direction.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is the payload the panel sends for a correlated call.
type Request struct {
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data"`
}

// Response is the payload a daemon sends back for a correlated call.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Status        int             `json:"status"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
}

// StreamChunk is the payload of an unsolicited instance/stdout frame.
type StreamChunk struct {
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data"`
}
