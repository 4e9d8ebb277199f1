package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bigredfrog/ledmesh"
)

// Client implements the ledmesh.Client interface for one connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
	log         zerolog.Logger

	// Event subscriptions held by this connection, keyed by the request id of
	// the subscribe_event message; cancelling tears down the forwarding loop.
	subMu         sync.Mutex
	subscriptions map[int]context.CancelFunc
}

// NewClient wraps an upgraded connection. The id is the registry-issued
// client id, so the transport handle and the ClientRecord share one identity.
func NewClient(id string, conn *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	client := &Client{
		id:            id,
		conn:          conn,
		remoteAddr:    remoteAddr,
		ctx:           ctx,
		cancel:        cancel,
		sendCh:        make(chan []byte, 256),
		closed:        false,
		rateLimiter:   limiter,
		log:           log.With().Str("client_id", id).Logger(),
		subscriptions: make(map[int]context.CancelFunc),
	}

	// Start the write pump
	go client.writePump()

	return client
}

// ID returns the registry-issued identifier of the connection.
func (c *Client) ID() string {
	return c.id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send serializes v as JSON and queues it for delivery.
func (c *Client) Send(ctx context.Context, v interface{}) error {
	// Encode before acquiring the lock.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", ledmesh.ErrFailedToEncode, err)
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return errors.New(ledmesh.ErrConnectionClosed)
	}

	// Keep the lock while queueing to prevent race with Close()
	select {
	case c.sendCh <- data:
		c.mu.RUnlock()
		return nil
	case <-ctx.Done():
		c.mu.RUnlock()
		return ctx.Err()
	case <-c.ctx.Done():
		c.mu.RUnlock()
		return errors.New(ledmesh.ErrContextCancelled)
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	// Send close message
	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit(ctx context.Context) bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// addSubscription registers the cancel func of an event-forwarding loop under
// the subscription id. An existing subscription with the same id is replaced.
func (c *Client) addSubscription(id int, cancel context.CancelFunc) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if prev, ok := c.subscriptions[id]; ok {
		prev()
	}
	c.subscriptions[id] = cancel
}

// removeSubscription cancels and drops the subscription with the given id.
func (c *Client) removeSubscription(id int) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	cancel, ok := c.subscriptions[id]
	if !ok {
		return false
	}

	cancel()
	delete(c.subscriptions, id)
	return true
}

// clearSubscriptions cancels all subscriptions, part of connection teardown.
func (c *Client) clearSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for id, cancel := range c.subscriptions {
		cancel()
		delete(c.subscriptions, id)
	}
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// SetPongHandler sets the handler for pong messages
func (c *Client) SetPongHandler(handler func(appData string) error) {
	c.conn.SetPongHandler(handler)
}

// SetCloseHandler sets the handler for close messages
func (c *Client) SetCloseHandler(handler func(code int, text string) error) {
	c.conn.SetCloseHandler(handler)
}
