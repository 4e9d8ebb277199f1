package ledmesh

// Inbound message types handled by the server.
const (
	MsgSetClientInfo    = "set_client_info"
	MsgUpdateClientInfo = "update_client_info"
	MsgBroadcast        = "broadcast"
	MsgSubscribeEvent   = "subscribe_event"
	MsgUnsubscribeEvent = "unsubscribe_event"
)

// Event categories published on the event bus.
//
// EventClientsUpdated carries no payload; listeners re-query the current
// listing. EventClientBroadcast carries the full broadcast envelope and is
// delivered to every subscriber regardless of the envelope's target_uuids
// list - targeting is advisory and recipients self-filter.
const (
	EventClientsUpdated  = "clients_updated"
	EventClientBroadcast = "client_broadcast"
)

// Event types used in server-to-client messages.
const (
	EventTypeClientID          = "client_id"
	EventTypeClientInfoUpdated = "client_info_updated"
	EventTypeBroadcastSent     = "broadcast_sent"
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "Invalid message format."
	ErrUnknownCommand       = "Unknown command type."
	ErrNoValidUpdates       = "No valid updates provided"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
)
