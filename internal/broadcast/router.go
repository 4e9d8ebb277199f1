// Package broadcast implements targeted client-to-client broadcast routing:
// request validation, server-side sender identity stamping, fail-closed target
// resolution and envelope publication on the event bus.
package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bigredfrog/ledmesh"
	"github.com/bigredfrog/ledmesh/internal/events"
	"github.com/bigredfrog/ledmesh/internal/registry"
)

// MaxPayloadSize bounds the serialized broadcast payload.
const MaxPayloadSize = 2048

// senderIdentityFields may never appear in a client request: sender identity
// is derived from the connection's registry record only.
var senderIdentityFields = []string{"sender_uuid", "sender_name", "sender_type"}

// Request is the ephemeral broadcast request. BroadcastType is an open string
// tag (advisory metadata for receivers, validated for non-emptiness only),
// unlike the closed client-type enumeration.
type Request struct {
	BroadcastType string          `json:"broadcast_type"`
	Target        Target          `json:"target"`
	Payload       json.RawMessage `json:"payload"`
}

// Envelope is published once per accepted request under the
// "client_broadcast" event category. Every bus subscriber receives it;
// TargetUUIDs is advisory and recipients self-filter. Subscribers can
// therefore observe payloads not addressed to them - an explicit privacy
// boundary of the fan-out design.
type Envelope struct {
	BroadcastID   string          `json:"broadcast_id"`
	BroadcastType string          `json:"broadcast_type"`
	SenderUUID    string          `json:"sender_uuid"`
	SenderName    string          `json:"sender_name"`
	SenderType    string          `json:"sender_type"`
	TargetUUIDs   []string        `json:"target_uuids"`
	Payload       json.RawMessage `json:"payload"`
}

// Result is returned to the sending client on success.
type Result struct {
	BroadcastID    string
	TargetsMatched int
	TargetUUIDs    []string
}

// Router orchestrates a broadcast end to end.
type Router struct {
	registry *registry.Registry
	bus      *events.Bus
	log      zerolog.Logger
}

// New creates a router resolving against reg and publishing on bus.
func New(reg *registry.Registry, bus *events.Bus, log zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		bus:      bus,
		log:      log.With().Str("component", "broadcast").Logger(),
	}
}

// Route validates data as a broadcast request from the connection identified
// by senderID, resolves its targets and publishes the envelope.
//
// Sender identity is read from the registry record only. Both the sender
// lookup and target resolution use a single registry snapshot taken at entry;
// a client disconnecting afterwards may still appear in TargetUUIDs, which is
// harmless since delivery is fire-and-forget. On any validation failure
// nothing is published and the specific failing-stage message is returned.
func (r *Router) Route(senderID string, data json.RawMessage) (Result, error) {
	res, err := r.route(senderID, data)
	if err != nil {
		if IsSecurityViolation(err) {
			r.log.Error().
				Str("sender", truncID(senderID)).
				Err(err).
				Msg("broadcast rejected: sender identity violation")
		} else {
			// Client error, not a system error.
			r.log.Warn().
				Str("sender", truncID(senderID)).
				Err(err).
				Msg("broadcast rejected")
		}

		return Result{}, err
	}

	return res, nil
}

func (r *Router) route(senderID string, data json.RawMessage) (Result, error) {
	req, err := parseRequest(data)
	if err != nil {
		return Result{}, err
	}

	if size := len(req.Payload); size > MaxPayloadSize {
		return Result{}, validationErrorf(
			"Payload size (%d bytes) exceeds maximum (%d bytes)", size, MaxPayloadSize)
	}

	if req.BroadcastType == "" {
		return Result{}, validationErrorf("Broadcast requires a non-empty 'broadcast_type'")
	}

	snapshot := r.registry.List()

	sender, ok := snapshot[senderID]
	if !ok {
		return Result{}, fmt.Errorf("sender %w", registry.ErrNotFound)
	}

	targets, err := Resolve(req.Target, snapshot, senderID)
	if err != nil {
		return Result{}, err
	}

	broadcastID := "b-" + uuid.New().String()

	envelope := Envelope{
		BroadcastID:   broadcastID,
		BroadcastType: req.BroadcastType,
		SenderUUID:    sender.ID,
		SenderName:    sender.Name,
		SenderType:    sender.DisplayType(),
		TargetUUIDs:   targets,
		Payload:       req.Payload,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.bus.Publish(ledmesh.EventClientBroadcast, payload); err != nil {
		return Result{}, fmt.Errorf("publish envelope: %w", err)
	}

	// Audit trail: never the payload contents, never the sender IP.
	r.log.Info().
		Str("broadcast_id", broadcastID).
		Str("broadcast_type", req.BroadcastType).
		Str("sender", truncID(sender.ID)).
		Str("sender_name", sender.Name).
		Int("targets", len(targets)).
		Msg("broadcast routed")

	return Result{
		BroadcastID:    broadcastID,
		TargetsMatched: len(targets),
		TargetUUIDs:    targets,
	}, nil
}

// parseRequest decodes a broadcast request strictly: unknown top-level fields
// are rejected, sender identity fields in the request or at the top level of
// the payload object are security violations.
func parseRequest(data json.RawMessage) (Request, error) {
	var fields map[string]json.RawMessage
	if len(data) == 0 || json.Unmarshal(data, &fields) != nil {
		return Request{}, validationErrorf("Invalid broadcast data")
	}

	for _, f := range senderIdentityFields {
		if _, ok := fields[f]; ok {
			return Request{}, &SecurityViolationError{Field: f}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, validationErrorf("Invalid broadcast data")
	}

	var payloadFields map[string]json.RawMessage
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &payloadFields) != nil {
		return Request{}, validationErrorf("Broadcast requires a 'payload' object")
	}

	for _, f := range senderIdentityFields {
		if _, ok := payloadFields[f]; ok {
			return Request{}, &SecurityViolationError{Field: f}
		}
	}

	return req, nil
}

func truncID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
