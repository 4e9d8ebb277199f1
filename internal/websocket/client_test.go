package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bigredfrog/ledmesh"
)

// newTestClient builds a client without a live connection. The write pump is
// not started, so tests exercise queueing and bookkeeping only.
func newTestClient(sendBuffer int) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		id:            uuid.New().String(),
		remoteAddr:    "10.0.0.1:50000",
		ctx:           ctx,
		cancel:        cancel,
		sendCh:        make(chan []byte, sendBuffer),
		log:           zerolog.Nop(),
		subscriptions: make(map[int]context.CancelFunc),
	}
}

// TestClientAccessors tests the identity surface of a connection handle
func TestClientAccessors(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)

	if client.ID() == "" {
		t.Error("ID() should not be empty")
	}

	if client.RemoteAddr() != "10.0.0.1:50000" {
		t.Errorf("RemoteAddr() = %v, want 10.0.0.1:50000", client.RemoteAddr())
	}

	if client.Context() == nil {
		t.Error("Context() should not be nil")
	}

	if !client.IsAlive() {
		t.Error("new client should be alive")
	}
}

// TestSendQueuesJSON tests that Send encodes and queues a text frame
func TestSendQueuesJSON(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)

	payload := map[string]interface{}{"id": 1, "type": "event"}
	if err := client.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case data := <-client.sendCh:
		var got map[string]interface{}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("queued frame is not JSON: %v", err)
		}
		if got["type"] != "event" {
			t.Errorf("queued frame = %s", data)
		}
	default:
		t.Fatal("nothing queued on send channel")
	}
}

// TestSendEncodingError tests rejection of unencodable values
func TestSendEncodingError(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)

	err := client.Send(context.Background(), make(chan int))
	if err == nil {
		t.Fatal("Send() expected encoding error, got nil")
	}
}

// TestSendOnClosedClient tests that Send fails after close
func TestSendOnClosedClient(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)
	client.closed = true

	err := client.Send(context.Background(), "hello")
	if err == nil || err.Error() != ledmesh.ErrConnectionClosed {
		t.Errorf("Send() error = %v, want %q", err, ledmesh.ErrConnectionClosed)
	}
}

// TestSendContextCancelled tests that a full queue respects caller cancellation
func TestSendContextCancelled(t *testing.T) {
	t.Parallel()

	client := newTestClient(0) // No buffer, no reader

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Send(ctx, "hello")
	if err != context.Canceled {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
}

// TestSendClientContextCancelled tests that a full queue respects client teardown
func TestSendClientContextCancelled(t *testing.T) {
	t.Parallel()

	client := newTestClient(0)
	client.cancel()

	err := client.Send(context.Background(), "hello")
	if err == nil || err.Error() != ledmesh.ErrContextCancelled {
		t.Errorf("Send() error = %v, want %q", err, ledmesh.ErrContextCancelled)
	}
}

// TestCheckRateLimitDisabled tests that a nil limiter allows everything
func TestCheckRateLimitDisabled(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)

	for i := 0; i < 1000; i++ {
		if !client.CheckRateLimit(context.Background()) {
			t.Fatal("rate limit triggered with limiter disabled")
		}
	}
}

// TestCheckRateLimitBurst tests that the burst bound is enforced
func TestCheckRateLimitBurst(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)
	client.rateLimiter = rate.NewLimiter(1, 2)

	if !client.CheckRateLimit(context.Background()) {
		t.Error("first message should be allowed")
	}
	if !client.CheckRateLimit(context.Background()) {
		t.Error("second message should be allowed within burst")
	}
	if client.CheckRateLimit(context.Background()) {
		t.Error("third message should be rate limited")
	}
}

// TestCheckRateLimitRecovers tests that tokens refill over time
func TestCheckRateLimitRecovers(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)
	client.rateLimiter = rate.NewLimiter(100, 1)

	if !client.CheckRateLimit(context.Background()) {
		t.Fatal("first message should be allowed")
	}
	if client.CheckRateLimit(context.Background()) {
		t.Fatal("second immediate message should be limited")
	}

	time.Sleep(50 * time.Millisecond)

	if !client.CheckRateLimit(context.Background()) {
		t.Error("message should be allowed after refill")
	}
}

// TestSubscriptionLifecycle tests add, replace and remove of event subscriptions
func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)

	ctx1, cancel1 := context.WithCancel(context.Background())
	client.addSubscription(5, cancel1)

	// Replacing a subscription id cancels the previous forwarding loop.
	_, cancel2 := context.WithCancel(context.Background())
	client.addSubscription(5, cancel2)

	select {
	case <-ctx1.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced subscription was not cancelled")
	}

	if !client.removeSubscription(5) {
		t.Error("removeSubscription(5) = false, want true")
	}
	if client.removeSubscription(5) {
		t.Error("removeSubscription(5) on removed id = true, want false")
	}
	if client.removeSubscription(99) {
		t.Error("removeSubscription(99) on unknown id = true, want false")
	}
}

// TestClearSubscriptions tests teardown of all forwarding loops
func TestClearSubscriptions(t *testing.T) {
	t.Parallel()

	client := newTestClient(1)

	contexts := make([]context.Context, 0, 3)
	for id := 1; id <= 3; id++ {
		ctx, cancel := context.WithCancel(context.Background())
		contexts = append(contexts, ctx)
		client.addSubscription(id, cancel)
	}

	client.clearSubscriptions()

	for i, ctx := range contexts {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatalf("subscription %d not cancelled", i+1)
		}
	}

	if client.removeSubscription(1) {
		t.Error("subscriptions should be empty after clear")
	}
}
