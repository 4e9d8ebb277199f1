// Package registry is the single source of truth for connected-client
// identity and metadata.
//
// All mutations and snapshot reads serialize through one mutex so that name
// uniqueness and target matching always observe a consistent state: the
// uniqueness check and the name reservation are a single atomic step, never a
// check-then-claim pair.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bigredfrog/ledmesh"
	"github.com/bigredfrog/ledmesh/internal/events"
)

// Client types form a closed enumeration; anything else is rejected.
const (
	TypeController = "controller"
	TypeVisualiser = "visualiser"
	TypeMobile     = "mobile"
	TypeDisplay    = "display"
	TypeAPI        = "api"
	TypeUnknown    = "unknown"
)

var clientTypes = map[string]struct{}{
	TypeController: {},
	TypeVisualiser: {},
	TypeMobile:     {},
	TypeDisplay:    {},
	TypeAPI:        {},
	TypeUnknown:    {},
}

// ValidType reports whether t is a member of the client-type enumeration.
func ValidType(t string) bool {
	_, ok := clientTypes[t]
	return ok
}

var (
	// ErrNotFound is returned when the client id is not registered.
	ErrNotFound = errors.New(ledmesh.ErrClientNotFound)

	// ErrNameConflict is returned by Update when the requested name is held
	// by a different connected client. Explicit renames are never auto-suffixed.
	ErrNameConflict = errors.New("name is already taken by another client")

	// ErrInvalidType is returned when a client type is not in the enumeration.
	ErrInvalidType = errors.New("invalid client type")

	// ErrNoUpdates is returned by Update when neither field is provided.
	ErrNoUpdates = errors.New(ledmesh.ErrNoValidUpdates)

	// ErrEmptyName is returned when an explicitly requested name is empty.
	ErrEmptyName = errors.New("name must be a non-empty string")
)

// Record is the server-held metadata of one live connection.
//
// Type is the empty string until the client explicitly sets it; a never-set
// type is reported as "unknown" externally but never matches a type-targeted
// broadcast, not even one for an explicit "unknown" value.
type Record struct {
	ID          string
	DeviceID    string
	Name        string
	Type        string
	IP          string
	ConnectedAt time.Time
}

// DisplayType returns the externally reported client type.
func (r Record) DisplayType() string {
	if r.Type == "" {
		return TypeUnknown
	}

	return r.Type
}

// Info converts the record to its externally visible form.
func (r Record) Info() ledmesh.ClientInfo {
	return ledmesh.ClientInfo{
		IP:          r.IP,
		DeviceID:    r.DeviceID,
		Name:        r.Name,
		Type:        r.DisplayType(),
		ConnectedAt: r.ConnectedAt,
	}
}

// RegisterOptions carries the optional client-supplied fields at registration.
type RegisterOptions struct {
	DeviceID string
	Name     string
	Type     string
}

// Registry holds one Record per live connection and guarantees that no two
// concurrently connected clients share a name.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record

	bus *events.Bus
	log zerolog.Logger
}

// New creates an empty registry publishing change notifications on bus.
func New(bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		bus:     bus,
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Register creates a record for a newly authenticated connection and returns
// it together with a flag reporting whether the requested name had to be
// suffixed to stay unique.
//
// Registration itself never fails for name reasons: a colliding name gets a
// deterministic " (2)", " (3)", ... suffix. An invalid requested type is a
// validation error; callers that must not fail the connection should default
// the type instead of propagating the error.
func (g *Registry) Register(ip string, opts RegisterOptions) (Record, bool, error) {
	if opts.Type != "" && !ValidType(opts.Type) {
		return Record{}, false, fmt.Errorf("%w: %q", ErrInvalidType, opts.Type)
	}

	id := uuid.New().String()

	requested := opts.Name
	if requested == "" {
		requested = defaultName(id)
	}

	g.mu.Lock()
	name, conflict := g.resolveNameLocked(requested, id)
	rec := &Record{
		ID:          id,
		DeviceID:    opts.DeviceID,
		Name:        name,
		Type:        opts.Type,
		IP:          ip,
		ConnectedAt: time.Now(),
	}
	g.records[id] = rec
	snapshot := *rec
	g.mu.Unlock()

	// Notify only after the record is visible to reads.
	g.notifyClientsUpdated()

	g.log.Info().
		Str("client_id", id).
		Str("name", snapshot.Name).
		Str("ip", ip).
		Msg("client registered")

	return snapshot, conflict, nil
}

// SetInfo applies client metadata initialization (the set_client_info path):
// the name is resolved with the same auto-suffix semantics as registration.
// Empty fields are left unchanged, except that an empty name resolves to the
// auto-generated default.
func (g *Registry) SetInfo(id, deviceID, name, clientType string) (Record, bool, error) {
	if clientType != "" && !ValidType(clientType) {
		return Record{}, false, fmt.Errorf("%w: %q", ErrInvalidType, clientType)
	}

	if name == "" {
		name = defaultName(id)
	}

	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return Record{}, false, ErrNotFound
	}

	resolved, conflict := g.resolveNameLocked(name, id)
	rec.Name = resolved
	if deviceID != "" {
		rec.DeviceID = deviceID
	}
	if clientType != "" {
		rec.Type = clientType
	}
	snapshot := *rec
	g.mu.Unlock()

	g.notifyClientsUpdated()

	g.log.Info().
		Str("client_id", id).
		Str("name", snapshot.Name).
		Str("type", snapshot.DisplayType()).
		Bool("name_conflict", conflict).
		Msg("client info set")

	return snapshot, conflict, nil
}

// Update applies an explicit metadata update. Unlike SetInfo there is no
// auto-rename: a name held by a different connected client fails with
// ErrNameConflict and the record is left untouched. All validation happens
// before any field is mutated.
func (g *Registry) Update(id string, name, clientType *string) (Record, error) {
	if name == nil && clientType == nil {
		return Record{}, ErrNoUpdates
	}

	if name != nil && *name == "" {
		return Record{}, ErrEmptyName
	}

	if clientType != nil && !ValidType(*clientType) {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidType, *clientType)
	}

	g.mu.Lock()
	rec, ok := g.records[id]
	if !ok {
		g.mu.Unlock()
		return Record{}, ErrNotFound
	}

	if name != nil && g.nameTakenLocked(*name, id) {
		g.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %q", ErrNameConflict, *name)
	}

	if name != nil {
		rec.Name = *name
	}
	if clientType != nil {
		rec.Type = *clientType
	}
	snapshot := *rec
	g.mu.Unlock()

	g.notifyClientsUpdated()

	g.log.Info().
		Str("client_id", id).
		Str("name", snapshot.Name).
		Str("type", snapshot.DisplayType()).
		Msg("client info updated")

	return snapshot, nil
}

// Unregister removes the record for id, freeing its name for reuse.
// Idempotent: unknown ids are a no-op and fire no notification.
func (g *Registry) Unregister(id string) {
	g.mu.Lock()
	rec, ok := g.records[id]
	if ok {
		delete(g.records, id)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	g.notifyClientsUpdated()

	g.log.Info().
		Str("client_id", id).
		Str("name", rec.Name).
		Msg("client unregistered")
}

// Get returns a copy of the record for id.
func (g *Registry) Get(id string) (Record, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// List returns a point-in-time consistent snapshot of all current records,
// keyed by client id.
func (g *Registry) List() map[string]Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]Record, len(g.records))
	for id, rec := range g.records {
		out[id] = *rec
	}

	return out
}

// Len returns the number of registered clients.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.records)
}

// resolveNameLocked finds the first free variant of base, appending " (2)",
// " (3)", ... until no other record holds it. Must be called with mu held so
// the check and the claim are one atomic step.
func (g *Registry) resolveNameLocked(base, selfID string) (string, bool) {
	resolved := base
	counter := 1
	conflict := false

	for g.nameTakenLocked(resolved, selfID) {
		conflict = true
		counter++
		resolved = fmt.Sprintf("%s (%d)", base, counter)
	}

	return resolved, conflict
}

func (g *Registry) nameTakenLocked(name, selfID string) bool {
	for id, rec := range g.records {
		if id != selfID && rec.Name == name {
			return true
		}
	}

	return false
}

func (g *Registry) notifyClientsUpdated() {
	if err := g.bus.Publish(ledmesh.EventClientsUpdated, nil); err != nil {
		g.log.Error().Err(err).Msg("failed to publish clients_updated")
	}
}

func defaultName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}

	return "Client-" + short
}
