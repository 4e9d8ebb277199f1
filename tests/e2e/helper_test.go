package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bigredfrog/ledmesh/ws"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

// startServer starts a server on addr and registers its shutdown.
func startServer(t *testing.T, addr string) {
	t.Helper()

	cfg := ws.NewConfig(addr, ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil)
	nop := zerolog.Nop()
	cfg.Logger = &nop

	server := ws.New(cfg)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(stopCtx)
	})

	time.Sleep(200 * time.Millisecond)
}

// dial connects to the server, consumes the id greeting and returns the
// connection together with the server-issued client id.
func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()

	conn, _, err := newDialer().Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	greeting := readFrame(t, conn)
	if greeting["event_type"] != "client_id" {
		t.Fatalf("expected client_id greeting, got %v", greeting)
	}

	clientID, ok := greeting["client_id"].(string)
	if !ok || clientID == "" {
		t.Fatalf("greeting carries no client id: %v", greeting)
	}

	return conn, clientID
}

// send writes one command frame.
func send(t *testing.T, conn *websocket.Conn, id int, msgType string, fields map[string]interface{}) {
	t.Helper()

	frame := map[string]interface{}{"id": id, "type": msgType}
	for k, v := range fields {
		frame[k] = v
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
}

// decodeBody decodes a JSON HTTP response body.
func decodeBody(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// readFrame reads and decodes one text frame.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", data, err)
	}

	return frame
}
