package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/connmonhq/connmon/internal/logging"
	"github.com/connmonhq/connmon/internal/notify"
	"github.com/connmonhq/connmon/pkg/types"
)

// DefaultSweepInterval is how often the engine re-evaluates debounce windows
// for entities stuck in a problem state, so an alert fires even when no
// further status-change event arrives.
const DefaultSweepInterval = time.Minute

// Entity is one watched logical status value: a host's overall or composite
// aggregate.
type Entity struct {
	Key    string
	Device string
	Group  string
	Delay  time.Duration
}

// record tracks one entity's debounce window. DisconnectSince is armed only
// on the transition into a problem state and never re-armed while the problem
// persists; it clears only on the transition back to fully Connected.
type record struct {
	disconnectSince time.Time
	notified        bool
}

// Recorder counts notification outcomes, implemented by the metrics store.
type Recorder interface {
	IncAlertsSent()
	IncRecoveriesSent()
	IncNotifyFailures()
}

// Engine is the process-wide alert state machine. Status-change events and
// the periodic sweep both funnel through one mutex, so a given entity's
// record is never raced into double notifications or lost clears.
type Engine struct {
	sink          notify.Sink
	metrics       Recorder
	now           func() time.Time
	logger        zerolog.Logger
	sweepInterval time.Duration

	mu       sync.Mutex
	entities map[string]Entity
	records  map[string]*record
	status   map[string]types.Status
}

// Dependencies carry the engine's collaborators; Sink is required.
type Dependencies struct {
	Sink          notify.Sink
	Metrics       Recorder
	Now           func() time.Time
	Logger        *zerolog.Logger
	SweepInterval time.Duration
}

func New(deps Dependencies) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Discard()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	sweep := deps.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	return &Engine{
		sink:          deps.Sink,
		metrics:       deps.Metrics,
		now:           now,
		logger:        logger,
		sweepInterval: sweep,
		entities:      make(map[string]Entity),
		records:       make(map[string]*record),
		status:        make(map[string]types.Status),
	}
}

// Watch registers an entity and applies its current status as a synthetic
// transition, so a monitor starting against an already-down host still
// alerts after the debounce delay. Entities without an alert group are not
// tracked at all.
func (e *Engine) Watch(entity Entity, current types.Status) {
	if entity.Group == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entities[entity.Key] = entity
	e.transitionLocked(entity.Key, current)
}

// Observe feeds one status-change event into the state machine. Unwatched
// keys are ignored.
func (e *Engine) Observe(key string, status types.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, watched := e.entities[key]; !watched {
		return
	}
	e.transitionLocked(key, status)
}

// Run drives the periodic sweep until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep re-checks elapsed time for every tracked entity still in a problem
// state without a notification yet.
func (e *Engine) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, rec := range e.records {
		if rec.disconnectSince.IsZero() || rec.notified {
			continue
		}
		if !e.status[key].Problem() {
			continue
		}
		e.maybeNotifyLocked(key, rec)
	}
}

// transitionLocked is the transition function: previous record + new status +
// elapsed time in, side effects out. Idempotent under repeated problem-state
// events.
func (e *Engine) transitionLocked(key string, status types.Status) {
	e.status[key] = status

	rec, tracking := e.records[key]

	if status == types.StatusConnected {
		if !tracking {
			return
		}
		if rec.notified {
			e.sendRecoveryLocked(key)
		}
		delete(e.records, key)
		return
	}

	if !status.Problem() {
		// Unknown: neither arms tracking nor clears an existing window.
		return
	}

	if !tracking {
		e.records[key] = &record{disconnectSince: e.now().UTC()}
		return
	}
	e.maybeNotifyLocked(key, rec)
}

func (e *Engine) maybeNotifyLocked(key string, rec *record) {
	if rec.notified {
		return
	}
	entity := e.entities[key]
	elapsed := e.now().UTC().Sub(rec.disconnectSince)
	if elapsed < entity.Delay {
		return
	}

	minutes := int(elapsed.Minutes())
	text := fmt.Sprintf("%s has been %s for %d minutes", entity.Device, e.status[key], minutes)
	e.deliverLocked(entity, text, false)
	rec.notified = true
}

func (e *Engine) sendRecoveryLocked(key string) {
	entity := e.entities[key]
	e.deliverLocked(entity, fmt.Sprintf("%s has recovered", entity.Device), true)
}

// deliverLocked hands the message to the sink. Delivery failures are logged
// and counted but the state machine advances as if delivery succeeded; a
// retry loop here would re-alert forever.
func (e *Engine) deliverLocked(entity Entity, text string, recovery bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.sink.Send(ctx, entity.Group, text); err != nil {
		e.logger.Error().Err(err).Str("group", entity.Group).Str("entity", entity.Key).
			Msg("notification delivery failed")
		if e.metrics != nil {
			e.metrics.IncNotifyFailures()
		}
		return
	}

	e.logger.Info().Str("group", entity.Group).Str("entity", entity.Key).Msg(text)
	if e.metrics == nil {
		return
	}
	if recovery {
		e.metrics.IncRecoveriesSent()
	} else {
		e.metrics.IncAlertsSent()
	}
}
