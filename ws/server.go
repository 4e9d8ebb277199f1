package ws

import (
	"net/http"

	"github.com/bigredfrog/ledmesh"
	"github.com/bigredfrog/ledmesh/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn
type ServerConfig = *websocket.ServerConfig

// New creates a new client-registry WebSocket server.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), func(client ledmesh.Client) {
//	    log.Printf("Client connected: %s", client.ID())
//	}, nil)
//	server := ws.New(cfg)
func New(cfg ServerConfig) ledmesh.Server {
	return websocket.New(cfg)
}

// NewConfig builds a server configuration.
//
// Parameters:
//   - addr: The server address (e.g., ":8080" or "localhost:8080")
//   - rateLimitConfig: Rate limiting configuration. Use DefaultRateLimitConfig() or NoRateLimit()
//   - checkOrigin: Function to validate WebSocket origins. Use AllOrigins() to allow all (dev only)
//   - onConnect: Optional callback invoked after a client has been registered,
//     before its message reading loop starts. Can be nil.
//   - onDisconnect: Optional callback invoked when a client disconnects. Can be nil.
//
// Set the Logger field on the returned config to replace the default
// timestamped JSON logger on stdout.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &websocket.ServerConfig{
		Addr:               addr,
		RateLimitConfig:    rateLimitConfig,
		CheckOrigin:        checkOrigin,
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
