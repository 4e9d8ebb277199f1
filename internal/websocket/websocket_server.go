// Package websocket is the connection gateway: it owns the authenticated
// transport connections and feeds connection lifecycle and inbound messages
// into the registry and the broadcast router.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bigredfrog/ledmesh"
	"github.com/bigredfrog/ledmesh/internal/broadcast"
	"github.com/bigredfrog/ledmesh/internal/events"
	"github.com/bigredfrog/ledmesh/internal/protocol"
	"github.com/bigredfrog/ledmesh/internal/registry"
)

// CheckOriginFn is a function that validates the origin of a WebSocket
// connection request. It receives the HTTP request and returns true if the
// origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is a callback function that is called when a new client
// connects, after the connection has been registered and before the message
// reading loop starts.
//
// Note: This function is called synchronously during connection setup.
// Avoid long-running operations that could block new connections.
type OnConnectFn = func(client ledmesh.Client)

// OnClientDisconnectFn is invoked when a connected client disconnects. The
// boolean is true when the disconnect was initiated by the client (voluntary)
// and false for unexpected or server-initiated disconnects.
type OnClientDisconnectFn = func(client ledmesh.Client, voluntary bool)

type ServerConfig struct {
	Addr               string
	RateLimitConfig    *RateLimitConfig
	CheckOrigin        CheckOriginFn
	OnConnect          OnConnectFn
	OnClientDisconnect OnClientDisconnectFn
	// Logger, if set, replaces the default timestamped JSON logger on stdout.
	Logger *zerolog.Logger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server implements the ledmesh.Server interface.
type Server struct {
	addr    string
	server  *http.Server
	clients sync.Map // map[string]*Client

	registry *registry.Registry
	router   *broadcast.Router
	bus      *events.Bus

	// Rate limiting configuration
	rateLimitConfig *RateLimitConfig

	mu           sync.Mutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnClientDisconnectFn
	log          zerolog.Logger
}

// New creates a new WebSocket server instance with the specified
// configuration. If cfg.RateLimitConfig is nil, DefaultRateLimitConfig() is
// used. The registry, broadcast router and event bus are created internally
// and share the server's logger.
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}

	var log zerolog.Logger
	if cfg.Logger != nil {
		log = *cfg.Logger
	} else {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	bus := events.New(log)
	reg := registry.New(bus, log)
	router := broadcast.New(reg, bus, log)

	return &Server{
		addr:            cfg.Addr,
		registry:        reg,
		router:          router,
		bus:             bus,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnClientDisconnect,
		log:             log.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Start starts the WebSocket server
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New(ledmesh.ErrServerAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/clients", s.handleListClients)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		// Context cancelled, stop the server
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		// Server started successfully, no immediate errors
		return nil
	}
}

// Stop stops the WebSocket server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	// Close all client connections
	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close(ctx)
		}
		return true
	})

	if err := s.bus.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close event bus")
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Clients returns a snapshot of all registered clients keyed by id.
func (s *Server) Clients() map[string]ledmesh.ClientInfo {
	records := s.registry.List()

	out := make(map[string]ledmesh.ClientInfo, len(records))
	for id, rec := range records {
		out[id] = rec.Info()
	}

	return out
}

// handleListClients serves the listing surface at GET /api/clients.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Clients()); err != nil {
		s.log.Error().Err(err).Msg("failed to encode client listing")
	}
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "Failed to upgrade connection", http.StatusBadRequest)
		return
	}

	// Registration itself never fails: the record is created with an
	// auto-generated name and an unset type.
	rec, _, err := s.registry.Register(remoteIP(r.RemoteAddr), registry.RegisterOptions{})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to register connection")
		conn.Close()
		return
	}

	client := NewClient(rec.ID, conn, r.RemoteAddr, s.rateLimitConfig, s.log)
	s.clients.Store(client.ID(), client)

	// Tell the client its server-issued id.
	client.Send(context.Background(), map[string]interface{}{
		"event_type": ledmesh.EventTypeClientID,
		"client_id":  rec.ID,
	})

	// Start reading messages from client
	go s.handleClient(client)
}

// handleClient handles messages from a connected client
func (s *Server) handleClient(client *Client) {
	defer func() {
		voluntary := client.Context().Err() == context.Canceled

		if s.onDisconnect != nil {
			s.onDisconnect(client, voluntary)
		}
		s.clients.Delete(client.ID())
		client.clearSubscriptions()
		// Teardown is synchronous with the connection close: the record is
		// gone and the name freed before the read loop exits.
		s.registry.Unregister(client.ID())
		client.Close(context.Background())
	}()

	// Set read limit and deadline to prevent oversized frames and indefinite blocking
	client.conn.SetReadLimit(protocol.MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	// Set pong handler to reset read deadline on pong
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if s.onConnect != nil {
		s.onConnect(client)
	}

	for {
		select {
		case <-client.Context().Done():
			return
		default:
			_, data, err := client.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Debug().Err(err).Str("client_id", client.ID()).Msg("unexpected close")
				}
				return
			}

			// Reset read deadline after successful read
			client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			// Check rate limit before processing message
			if !client.CheckRateLimit(context.Background()) {
				s.log.Warn().
					Str("client_id", client.ID()).
					Str("remote_addr", client.RemoteAddr()).
					Msg("rate limit exceeded")
				client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "Rate limit exceeded")
				return
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				// Base schema violation: report with a best-effort
				// correlation id and end the connection.
				s.sendError(client, protocol.CorrelationID(data), ledmesh.ErrInvalidMessageFormat)
				return
			}

			// Handlers run inline: a single connection's requests are
			// processed in arrival order.
			s.handleMessage(client, msg)
		}
	}
}

// handleMessage dispatches one decoded message to its operation handler.
func (s *Server) handleMessage(client *Client, msg *protocol.Message) {
	switch msg.Type {
	case ledmesh.MsgSetClientInfo:
		s.handleSetClientInfo(client, msg)
	case ledmesh.MsgUpdateClientInfo:
		s.handleUpdateClientInfo(client, msg)
	case ledmesh.MsgBroadcast:
		s.handleBroadcast(client, msg)
	case ledmesh.MsgSubscribeEvent:
		s.handleSubscribeEvent(client, msg)
	case ledmesh.MsgUnsubscribeEvent:
		s.handleUnsubscribeEvent(client, msg)
	default:
		s.log.Warn().
			Str("client_id", client.ID()).
			Str("type", msg.Type).
			Msg("unknown command type")
		s.sendError(client, msg.ID, ledmesh.ErrUnknownCommand)
	}
}

func (s *Server) handleSetClientInfo(client *Client, msg *protocol.Message) {
	var data struct {
		DeviceID string `json:"device_id"`
		Name     string `json:"name"`
		Type     string `json:"type"`
	}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			s.sendError(client, msg.ID, ledmesh.ErrInvalidMessageFormat)
			return
		}
	}

	// An invalid type never fails the registration; default it instead.
	clientType := data.Type
	if clientType != "" && !registry.ValidType(clientType) {
		s.log.Warn().
			Str("client_id", client.ID()).
			Str("type", clientType).
			Msg("invalid client type, defaulting to unknown")
		clientType = registry.TypeUnknown
	}

	rec, conflict, err := s.registry.SetInfo(client.ID(), data.DeviceID, data.Name, clientType)
	if err != nil {
		s.sendError(client, msg.ID, err.Error())
		return
	}

	client.Send(client.Context(), map[string]interface{}{
		"id":            msg.ID,
		"event_type":    ledmesh.EventTypeClientInfoUpdated,
		"client_id":     rec.ID,
		"name":          rec.Name,
		"type":          rec.DisplayType(),
		"name_conflict": conflict,
	})
}

func (s *Server) handleUpdateClientInfo(client *Client, msg *protocol.Message) {
	var data struct {
		Name *string `json:"name"`
		Type *string `json:"type"`
	}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			s.sendError(client, msg.ID, ledmesh.ErrInvalidMessageFormat)
			return
		}
	}

	rec, err := s.registry.Update(client.ID(), data.Name, data.Type)
	if err != nil {
		s.sendError(client, msg.ID, updateErrorMessage(err, data.Name, data.Type))
		return
	}

	client.Send(client.Context(), map[string]interface{}{
		"id":         msg.ID,
		"event_type": ledmesh.EventTypeClientInfoUpdated,
		"client_id":  rec.ID,
		"name":       rec.Name,
		"type":       rec.DisplayType(),
	})
}

// updateErrorMessage maps registry errors onto the user-facing messages.
// There is no auto-rename on explicit updates: a conflict surfaces as-is.
func updateErrorMessage(err error, name, clientType *string) string {
	switch {
	case errors.Is(err, registry.ErrNoUpdates):
		return ledmesh.ErrNoValidUpdates
	case errors.Is(err, registry.ErrNameConflict) && name != nil:
		return fmt.Sprintf("Name '%s' is already taken by another client", *name)
	case errors.Is(err, registry.ErrInvalidType) && clientType != nil:
		return fmt.Sprintf("Invalid client type '%s'", *clientType)
	case errors.Is(err, registry.ErrEmptyName):
		return "Name must be a non-empty string"
	default:
		return err.Error()
	}
}

func (s *Server) handleBroadcast(client *Client, msg *protocol.Message) {
	result, err := s.router.Route(client.ID(), msg.Data)
	if err != nil {
		// The failing stage's message goes back verbatim; nothing was published.
		s.sendError(client, msg.ID, err.Error())
		return
	}

	client.Send(client.Context(), map[string]interface{}{
		"id":              msg.ID,
		"event_type":      ledmesh.EventTypeBroadcastSent,
		"broadcast_id":    result.BroadcastID,
		"targets_matched": result.TargetsMatched,
		"target_uuids":    result.TargetUUIDs,
	})
}

func (s *Server) handleSubscribeEvent(client *Client, msg *protocol.Message) {
	eventType := msg.EventType
	if eventType != ledmesh.EventClientsUpdated && eventType != ledmesh.EventClientBroadcast {
		s.sendError(client, msg.ID, fmt.Sprintf("Cannot subscribe to unknown event type '%s'", eventType))
		return
	}

	subCtx, cancel := context.WithCancel(client.Context())
	ch, err := s.bus.Subscribe(subCtx, eventType)
	if err != nil {
		cancel()
		s.sendError(client, msg.ID, "Failed to subscribe to event")
		return
	}

	client.addSubscription(msg.ID, cancel)
	go s.forwardEvents(client, msg.ID, eventType, ch)
}

func (s *Server) handleUnsubscribeEvent(client *Client, msg *protocol.Message) {
	if !client.removeSubscription(msg.ID) {
		s.log.Warn().
			Str("client_id", client.ID()).
			Int("subscription_id", msg.ID).
			Msg("unsubscribe for unknown subscription id")
	}
}

// forwardEvents pushes every published event of one category to a subscribed
// connection. All subscribers see all events of the category; for broadcast
// envelopes the target_uuids list is advisory and receivers self-filter.
func (s *Server) forwardEvents(client *Client, subID int, eventType string, ch <-chan *message.Message) {
	for m := range ch {
		var fields map[string]interface{}
		if len(m.Payload) > 0 {
			if err := json.Unmarshal(m.Payload, &fields); err != nil {
				s.log.Error().Err(err).Str("event_type", eventType).Msg("malformed event payload")
				m.Ack()
				continue
			}
		}

		if err := client.Send(client.Context(), protocol.EventMessage(subID, eventType, fields)); err != nil {
			m.Ack()
			return
		}
		m.Ack()
	}
}

func (s *Server) sendError(client *Client, id int, message string) {
	if err := client.Send(client.Context(), protocol.ErrorResponse(id, message)); err != nil {
		s.log.Debug().Err(err).Str("client_id", client.ID()).Msg("failed to send error response")
	}
}

// GetClient returns a client by ID
func (s *Server) GetClient(id string) (*Client, bool) {
	if client, ok := s.clients.Load(id); ok {
		return client.(*Client), true
	}
	return nil, false
}

// remoteIP strips the port from a transport address.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
