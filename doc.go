// Package ledmesh provides a WebSocket client registry and broadcast-routing
// server for LED-effect control surfaces and similar multi-client real-time UIs.
//
// Every accepted connection is registered with a server-issued uuid and held
// metadata (name, client type, device id, ip, connection time). Clients set and
// update their own metadata through JSON messages; the server arbitrates name
// uniqueness and routes client-to-client broadcasts through an internal event
// bus.
//
// # Architecture
//
// Three components cooperate behind the server:
//
//   - the client registry: single source of truth for connected-client
//     identity, serializing all mutations through one lock so that name
//     uniqueness holds with no check-then-claim window
//   - the target resolver: interprets a broadcast's targeting specification
//     ("all", "type", "names", "uuids") against a registry snapshot,
//     fail-closed - malformed specs and zero-match outcomes are errors,
//     never silent no-ops
//   - the broadcast router: stamps server-derived sender identity, enforces
//     the payload size bound, publishes the envelope and writes the audit log
//
// Events fan out through an in-process watermill pub/sub channel. Broadcast
// envelopes are published to every subscriber regardless of the resolved
// target list: target_uuids is advisory metadata and recipients self-filter.
// This is an explicit privacy boundary of the design - subscribers can observe
// envelopes not addressed to them.
//
// # Quick Start
//
//	import (
//	    "github.com/bigredfrog/ledmesh/ws"
//	)
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//	server := ws.New(cfg)
//
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Message Contract
//
// Messages are JSON text frames. Every inbound message carries an integer "id"
// echoed in the response and a string "type" selecting the operation:
//
//	{"id": 1, "type": "set_client_info", "data": {"name": "Wall Panel", "type": "display"}}
//	{"id": 2, "type": "update_client_info", "data": {"name": "Main Panel"}}
//	{"id": 3, "type": "broadcast", "data": {"broadcast_type": "scene_sync",
//	    "target": {"mode": "type", "value": "visualiser"}, "payload": {...}}}
//	{"id": 4, "type": "subscribe_event", "event_type": "client_broadcast"}
//
// On connect the server assigns a uuid, auto-names the client
// ("Client-" + first 8 chars of the uuid) and pushes
// {"event_type": "client_id", "client_id": "..."}.
//
// Name collisions at registration are resolved with deterministic " (2)",
// " (3)", ... suffixes and reported via a name_conflict flag; explicit renames
// through update_client_info never auto-suffix and fail on collision instead.
//
// Broadcast sender identity (sender_uuid, sender_name, sender_type) is always
// derived server-side from the sending connection. Client-supplied sender
// fields are rejected as a protocol violation.
//
// The current client listing is served at GET /api/clients.
//
// # Rate Limiting
//
// Each connection has independent token-bucket rate limiting for inbound
// messages:
//
//	// Default: 100 messages/second, burst 200
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//
//	// Disabled
//	cfg := ws.NewConfig(":8080", ws.NoRateLimit(), ws.AllOrigins(), nil, nil)
//
// When the limit is exceeded, the client receives close code 1008 (Policy
// Violation).
//
// # Limits and Timeouts
//
//   - Broadcast payload: 2 KB serialized
//   - Inbound frame: 64 KB
//   - Read timeout: 60s, refreshed by pongs
//   - Write timeout: 10s, ping every 54s
//   - 256-message send buffer per client
//
// # Important
//
//   - Handlers for one connection run in arrival order; different connections
//     are processed concurrently
//   - Delivery is fire-and-forget: no acknowledgment, no retry, no queuing for
//     offline clients
//   - Configure the origin check in production (never use ws.AllOrigins() in
//     production)
package ledmesh
