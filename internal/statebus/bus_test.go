package statebus

import (
	"testing"
	"time"

	"github.com/connmonhq/connmon/pkg/types"
)

func TestSetNotifiesOnStatusChange(t *testing.T) {
	bus := New()

	var changes []Change
	bus.Subscribe(func(c Change) { changes = append(changes, c) })

	key := OverallKey("fileserver.corp.example")
	bus.Set(key, State{Status: types.StatusConnected})
	bus.Set(key, State{Status: types.StatusDisconnected})

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Previous != "" || changes[0].Current != types.StatusConnected {
		t.Fatalf("unexpected first change: %+v", changes[0])
	}
	if changes[1].Previous != types.StatusConnected || changes[1].Current != types.StatusDisconnected {
		t.Fatalf("unexpected second change: %+v", changes[1])
	}
	if changes[0].ID == "" || changes[0].ID == changes[1].ID {
		t.Fatalf("expected unique change ids")
	}
}

func TestSetSameStatusDoesNotNotify(t *testing.T) {
	bus := New()

	notified := 0
	bus.Subscribe(func(Change) { notified++ })

	key := TargetKey(types.Target{Host: "h", Protocol: types.ProtocolICMP})
	bus.Set(key, State{Status: types.StatusConnected, Attrs: map[string]any{"latency_ms": 1.0}})
	bus.Set(key, State{Status: types.StatusConnected, Attrs: map[string]any{"latency_ms": 2.0}})

	if notified != 1 {
		t.Fatalf("attribute-only update must not notify, got %d notifications", notified)
	}

	state, ok := bus.Get(key)
	if !ok {
		t.Fatalf("expected state present")
	}
	if state.Attrs["latency_ms"] != 2.0 {
		t.Fatalf("expected attrs updated even without status change: %+v", state.Attrs)
	}
}

func TestSnapshotCopies(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	bus := New(WithNow(func() time.Time { return now }))

	bus.Set("a", State{Status: types.StatusConnected})
	snapshot := bus.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected one entry, got %d", len(snapshot))
	}
	if !snapshot["a"].UpdatedAt.Equal(now) {
		t.Fatalf("expected injected clock on state, got %s", snapshot["a"].UpdatedAt)
	}

	bus.Set("b", State{Status: types.StatusDisconnected})
	if len(snapshot) != 1 {
		t.Fatalf("snapshot must be detached from the live map")
	}
}

func TestKeyNames(t *testing.T) {
	target := types.Target{Host: "dc1.corp.example", Protocol: types.ProtocolTCP, Port: 389}
	if got := TargetKey(target); got != "target/dc1.corp.example_TCP_389" {
		t.Fatalf("unexpected target key: %s", got)
	}
	if got := OverallKey("dc1.corp.example"); got != "host/dc1.corp.example/overall" {
		t.Fatalf("unexpected overall key: %s", got)
	}
	if got := CompositeKey("dc1.corp.example"); got != "host/dc1.corp.example/addc" {
		t.Fatalf("unexpected composite key: %s", got)
	}
}
