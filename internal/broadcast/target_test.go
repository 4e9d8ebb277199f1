package broadcast

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/bigredfrog/ledmesh/internal/registry"
)

// snapshot builds a client snapshot keyed by id.
func snapshot(records ...registry.Record) map[string]registry.Record {
	out := make(map[string]registry.Record, len(records))
	for _, rec := range records {
		out[rec.ID] = rec
	}
	return out
}

func rec(id, name, clientType string) registry.Record {
	return registry.Record{ID: id, Name: name, Type: clientType}
}

// TestResolveValidation checks the structural validation messages, which are
// part of the wire contract.
func TestResolveValidation(t *testing.T) {
	t.Parallel()

	clients := snapshot(rec("a", "A", "display"))

	tests := []struct {
		name    string
		target  Target
		wantMsg string
	}{
		{
			name:    "type with empty value",
			target:  Target{Mode: ModeType, Value: ""},
			wantMsg: "Target mode 'type' requires a non-empty 'value' field",
		},
		{
			name:    "type with non-enum value",
			target:  Target{Mode: ModeType, Value: "laser"},
			wantMsg: "Target mode 'type' requires a non-empty 'value' field",
		},
		{
			name:    "names missing",
			target:  Target{Mode: ModeNames},
			wantMsg: "Target mode 'names' requires a non-empty 'names' list",
		},
		{
			name:    "names empty list",
			target:  Target{Mode: ModeNames, Names: []string{}},
			wantMsg: "Target mode 'names' requires a non-empty 'names' list",
		},
		{
			name:    "names with empty element",
			target:  Target{Mode: ModeNames, Names: []string{"A", ""}},
			wantMsg: "Target mode 'names' requires a non-empty 'names' list",
		},
		{
			name:    "uuids missing",
			target:  Target{Mode: ModeUUIDs},
			wantMsg: "Target mode 'uuids' requires a non-empty 'uuids' list",
		},
		{
			name:    "uuids empty list",
			target:  Target{Mode: ModeUUIDs, UUIDs: []string{}},
			wantMsg: "Target mode 'uuids' requires a non-empty 'uuids' list",
		},
		{
			name:    "uuids with empty element",
			target:  Target{Mode: ModeUUIDs, UUIDs: []string{""}},
			wantMsg: "Target mode 'uuids' requires a non-empty 'uuids' list",
		},
		{
			name:    "unknown mode",
			target:  Target{Mode: "group"},
			wantMsg: "Invalid target mode: group",
		},
		{
			name:    "missing mode",
			target:  Target{},
			wantMsg: "Invalid target mode: ",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Resolve(tt.target, clients, "a")
			if err == nil {
				t.Fatal("Resolve() expected error, got nil")
			}
			if !IsValidationError(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestResolveAllExcludesSender(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", "controller"),
		rec("b", "B", "display"),
		rec("c", "C", "display"),
	)

	got, err := Resolve(Target{Mode: ModeAll}, clients, "a")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

func TestResolveAllOnlySender(t *testing.T) {
	t.Parallel()

	clients := snapshot(rec("a", "A", "controller"))

	_, err := Resolve(Target{Mode: ModeAll}, clients, "a")
	if !errors.Is(err, ErrNoTargetsMatched) {
		t.Errorf("expected ErrNoTargetsMatched, got %v", err)
	}
}

func TestResolveTypeMatching(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", "visualiser"),
		rec("b", "B", "visualiser"),
		rec("c", "C", "display"),
		rec("d", "D", ""), // type never set
	)

	got, err := Resolve(Target{Mode: ModeType, Value: "visualiser"}, clients, "c")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

// A never-set client type reports as "unknown" but matches no type filter,
// not even an explicit "unknown" one. A client that explicitly chose
// "unknown" does match.
func TestResolveTypeUnsetNeverMatches(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", "controller"),
		rec("b", "B", ""),        // defaulted, never set
		rec("c", "C", "unknown"), // explicitly set
	)

	got, err := Resolve(Target{Mode: ModeType, Value: "unknown"}, clients, "a")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

// The sender is included in a type-targeted broadcast exactly when their own
// type matches the filter.
func TestResolveTypeSenderInclusion(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", "display"),
		rec("b", "B", "display"),
	)

	got, err := Resolve(Target{Mode: ModeType, Value: "display"}, clients, "a")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

// Unknown names are dropped leniently as long as at least one entry matches;
// an all-stale list fails closed.
func TestResolveNamesLenient(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", ""),
		rec("b", "B", ""),
	)

	got, err := Resolve(Target{Mode: ModeNames, Names: []string{"A", "Gone"}}, clients, "b")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if want := []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}

	_, err = Resolve(Target{Mode: ModeNames, Names: []string{"Gone"}}, clients, "b")
	if !errors.Is(err, ErrNoTargetsMatched) {
		t.Errorf("expected ErrNoTargetsMatched, got %v", err)
	}
}

// Explicit self-inclusion via uuids is honored.
func TestResolveUUIDsSelfInclusion(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", ""),
		rec("b", "B", ""),
		rec("c", "C", ""),
	)

	got, err := Resolve(Target{Mode: ModeUUIDs, UUIDs: []string{"a", "b", "ghost"}}, clients, "a")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
}

// Resolution is a pure function of (target, snapshot, sender).
func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	clients := snapshot(
		rec("a", "A", "display"),
		rec("b", "B", "display"),
		rec("c", "C", "mobile"),
		rec("d", "D", "display"),
	)

	targets := []Target{
		{Mode: ModeAll},
		{Mode: ModeType, Value: "display"},
		{Mode: ModeNames, Names: []string{"B", "C", "D"}},
		{Mode: ModeUUIDs, UUIDs: []string{"d", "a", "b"}},
	}

	for _, target := range targets {
		first, err1 := Resolve(target, clients, "a")
		for i := 0; i < 10; i++ {
			got, err := Resolve(target, clients, "a")
			if (err == nil) != (err1 == nil) {
				t.Fatalf("mode %s: inconsistent error %v vs %v", target.Mode, err, err1)
			}
			if !reflect.DeepEqual(got, first) {
				t.Errorf("mode %s: inconsistent result %v vs %v", target.Mode, got, first)
			}
			if !sort.StringsAreSorted(got) && target.Mode != ModeUUIDs {
				t.Errorf("mode %s: result not sorted: %v", target.Mode, got)
			}
		}
	}
}
