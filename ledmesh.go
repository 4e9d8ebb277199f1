package ledmesh

import (
	"context"
	"time"
)

// Server defines the interface for the WebSocket client-registry server.
//
// Every accepted connection is registered with a unique id and server-held
// metadata (name, type, device id, ip, connection time). Clients mutate their
// own metadata and send targeted broadcasts through the JSON message contract;
// the server arbitrates name uniqueness and routes broadcasts over an internal
// event bus.
//
// Example usage:
//
//	import "github.com/bigredfrog/ledmesh/ws"
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
//	server := ws.New(cfg)
//
//	server.Start(ctx)
type Server interface {
	// Start starts the WebSocket server and begins listening for connections.
	// The server will continue running until Stop is called or the context is
	// cancelled.
	//
	// Returns an error if the server is already running or if there's a problem
	// binding to the network address.
	Start(ctx context.Context) error

	// Stop gracefully stops the WebSocket server and closes all client
	// connections. Active connections are given time to close properly.
	//
	// Returns an error if there's a problem during shutdown.
	Stop(ctx context.Context) error

	// Clients returns a point-in-time snapshot of all registered clients,
	// keyed by client id. This is the listing surface consumed by the HTTP
	// layer; the same data is served at GET /api/clients.
	Clients() map[string]ClientInfo
}

// ClientInfo is the externally visible metadata of one registered client.
type ClientInfo struct {
	IP          string    `json:"ip"`
	DeviceID    string    `json:"device_id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Client represents a connected WebSocket client.
//
// Each client has a unique identifier issued at registration time and
// maintains its own connection state. The client's context is automatically
// cancelled when the connection closes.
type Client interface {
	// ID returns the unique identifier issued when the client registered.
	//
	// The ID remains constant for the lifetime of the connection and is never
	// reused for another connection while the server is alive.
	ID() string

	// RemoteAddr returns the client's remote network address.
	//
	// This is typically in the format "IP:port", for example "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the client's lifecycle context.
	//
	// This context is automatically cancelled when the connection closes,
	// allowing goroutines and operations associated with the client to be
	// properly cleaned up.
	Context() context.Context

	// Send serializes v as JSON and queues it for delivery to the client.
	//
	// The send operation is non-blocking and queued for delivery. Delivery is
	// fire-and-forget: there is no acknowledgment and no retry.
	//
	// Returns an error if the connection is closed or the context is cancelled.
	Send(ctx context.Context, v interface{}) error

	// Close closes the client connection gracefully.
	//
	// This is equivalent to calling CloseWithCode with websocket.CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close code
	// and optional reason.
	//
	// Common close codes:
	//   - 1000 (websocket.CloseNormalClosure): Normal closure
	//   - 1002 (websocket.CloseProtocolError): Protocol error
	//   - 1008 (websocket.ClosePolicyViolation): Policy violation
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true if the connection is still active.
	IsAlive() bool
}
