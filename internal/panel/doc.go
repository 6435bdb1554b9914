// Package panel is the coven-panel server.
//
// A Panel owns one registry.Registry and exposes it over HTTP:
//
//	GET    /health                                     liveness
//	GET    /health/ready                               200 once a daemon is available
//	GET    /api/daemons                                list daemons
//	POST   /api/daemons                                register a daemon
//	GET    /api/daemons/{id}                           one daemon
//	PUT    /api/daemons/{id}                           edit (applies on next connect)
//	DELETE /api/daemons/{id}                           remove
//	POST   /api/daemons/{id}/reconnect                 drop and redial
//	POST   /api/daemons/{id}/request                   one RPC: {event, data, timeout_ms}
//	GET    /api/daemons/{id}/instances/{inst}/stream   WebSocket viewer of instance output
//	GET    /api/overview                               info/overview from every available daemon
//
// When auth.jwt_secret is set every /api/ route requires a bearer token.
// Run also drives the registry's reconnect sweep. The data directory is
// locked so only one panel manages a given database.
package panel
