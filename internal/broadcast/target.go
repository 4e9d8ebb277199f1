package broadcast

import (
	"sort"

	"github.com/bigredfrog/ledmesh/internal/registry"
)

// Targeting modes form a closed set of four tags.
const (
	ModeAll   = "all"
	ModeType  = "type"
	ModeNames = "names"
	ModeUUIDs = "uuids"
)

// Target is the tagged targeting specification of a broadcast request.
// Exactly one of Value, Names or UUIDs is meaningful, selected by Mode.
type Target struct {
	Mode  string   `json:"mode"`
	Value string   `json:"value,omitempty"`
	Names []string `json:"names,omitempty"`
	UUIDs []string `json:"uuids,omitempty"`
}

// validate performs structural validation. Failures are terminal for the
// whole request; the messages are part of the wire contract.
func (t Target) validate() error {
	switch t.Mode {
	case ModeAll:
		return nil

	case ModeType:
		if t.Value == "" || !registry.ValidType(t.Value) {
			return validationErrorf("Target mode 'type' requires a non-empty 'value' field")
		}
		return nil

	case ModeNames:
		if len(t.Names) == 0 {
			return validationErrorf("Target mode 'names' requires a non-empty 'names' list")
		}
		for _, name := range t.Names {
			if name == "" {
				return validationErrorf("Target mode 'names' requires a non-empty 'names' list")
			}
		}
		return nil

	case ModeUUIDs:
		if len(t.UUIDs) == 0 {
			return validationErrorf("Target mode 'uuids' requires a non-empty 'uuids' list")
		}
		for _, id := range t.UUIDs {
			if id == "" {
				return validationErrorf("Target mode 'uuids' requires a non-empty 'uuids' list")
			}
		}
		return nil

	default:
		return validationErrorf("Invalid target mode: %s", t.Mode)
	}
}

// Resolve computes the recipient ids for t against a point-in-time client
// snapshot. It is a pure function of (t, clients, senderID).
//
// Mode "all" excludes the sender; for the other modes the sender is included
// exactly when their own attributes or identity match - inclusion is a
// consequence of the candidate computation, not a separate step. Stale entries
// in "names"/"uuids" lists are dropped leniently, but an empty outcome is
// always an error (ErrNoTargetsMatched): a narrow filter is never silently
// widened and a zero-recipient broadcast never delivered.
func Resolve(t Target, clients map[string]registry.Record, senderID string) ([]string, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}

	var matched []string

	switch t.Mode {
	case ModeAll:
		for id := range clients {
			if id != senderID {
				matched = append(matched, id)
			}
		}
		sort.Strings(matched)

	case ModeType:
		// Only explicitly set types participate: a record that never set its
		// type reports "unknown" but matches nothing, including an explicit
		// "unknown" filter.
		for id, rec := range clients {
			if rec.Type == t.Value {
				matched = append(matched, id)
			}
		}
		sort.Strings(matched)

	case ModeNames:
		names := make(map[string]struct{}, len(t.Names))
		for _, name := range t.Names {
			names[name] = struct{}{}
		}
		for id, rec := range clients {
			if _, ok := names[rec.Name]; ok {
				matched = append(matched, id)
			}
		}
		sort.Strings(matched)

	case ModeUUIDs:
		// Preserves request order; unknown ids are dropped.
		for _, id := range t.UUIDs {
			if _, ok := clients[id]; ok {
				matched = append(matched, id)
			}
		}
	}

	if len(matched) == 0 {
		return nil, ErrNoTargetsMatched
	}

	return matched, nil
}
