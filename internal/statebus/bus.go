package statebus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connmonhq/connmon/pkg/types"
)

// State is one named status value plus its attribute bag as exposed to the
// host platform.
type State struct {
	Status    types.Status   `json:"status"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Change describes a status transition on one key. Attribute-only updates do
// not produce changes.
type Change struct {
	ID       string       `json:"id"`
	Key      string       `json:"key"`
	Previous types.Status `json:"previous,omitempty"`
	Current  types.Status `json:"current"`
	At       time.Time    `json:"at"`
}

// Subscriber receives status changes in Set order.
type Subscriber func(Change)

// Bus is the in-process key-value status store. Writers publish the latest
// state per key; subscribers are notified synchronously whenever a key's
// status (not its attributes) changes.
type Bus struct {
	now func() time.Time

	mu     sync.RWMutex
	states map[string]State
	subs   []Subscriber

	// dispatch keeps change callbacks strictly ordered across writers.
	dispatch sync.Mutex
}

type Option func(*Bus)

func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		now:    time.Now,
		states: make(map[string]State),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a change callback. Existing states are not replayed;
// callers that need the current picture read Snapshot first.
func (b *Bus) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Set stores the latest state for key and notifies subscribers if the status
// value changed.
func (b *Bus) Set(key string, state State) {
	b.dispatch.Lock()
	defer b.dispatch.Unlock()

	b.mu.Lock()
	prev, existed := b.states[key]
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = b.now().UTC()
	}
	b.states[key] = state
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if existed && prev.Status == state.Status {
		return
	}

	change := Change{
		ID:      uuid.NewString(),
		Key:     key,
		Current: state.Status,
		At:      state.UpdatedAt,
	}
	if existed {
		change.Previous = prev.Status
	}
	for _, fn := range subs {
		fn(change)
	}
}

func (b *Bus) Get(key string) (State, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.states[key]
	return state, ok
}

// Snapshot returns a copy of all current states.
func (b *Bus) Snapshot() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snapshot := make(map[string]State, len(b.states))
	for k, v := range b.states {
		snapshot[k] = v
	}
	return snapshot
}

// TargetKey names the per-target status value.
func TargetKey(t types.Target) string {
	return fmt.Sprintf("target/%s", t.ID())
}

// OverallKey names a host's combined status value.
func OverallKey(host string) string {
	return fmt.Sprintf("host/%s/overall", host)
}

// CompositeKey names a host's composite-service status value.
func CompositeKey(host string) string {
	return fmt.Sprintf("host/%s/addc", host)
}
