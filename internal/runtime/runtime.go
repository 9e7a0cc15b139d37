package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/connmonhq/connmon/internal/aggregate"
	"github.com/connmonhq/connmon/internal/alert"
	"github.com/connmonhq/connmon/internal/health"
	"github.com/connmonhq/connmon/internal/logging"
	"github.com/connmonhq/connmon/internal/metrics"
	"github.com/connmonhq/connmon/internal/monitor"
	"github.com/connmonhq/connmon/internal/registry"
	"github.com/connmonhq/connmon/internal/scheduler"
	"github.com/connmonhq/connmon/internal/statebus"
	"github.com/connmonhq/connmon/internal/worker"
	"github.com/connmonhq/connmon/pkg/types"
)

type Option func(*options)

type options struct {
	jobBuffer     int
	schedulerOpts []scheduler.Option
	workerOpts    []worker.PoolOption
}

func WithJobBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.jobBuffer = size
		}
	}
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) {
		o.schedulerOpts = append(o.schedulerOpts, opts...)
	}
}

func WithWorkerOptions(opts ...worker.PoolOption) Option {
	return func(o *options) {
		o.workerOpts = append(o.workerOpts, opts...)
	}
}

func WithTickResolution(d time.Duration) Option {
	return WithSchedulerOptions(scheduler.WithTickResolution(d))
}

func WithNow(now func() time.Time) Option {
	return WithSchedulerOptions(scheduler.WithNow(now))
}

// Config carries the materialized probe plan.
type Config struct {
	Targets        []types.Target
	UpdateInterval time.Duration
}

// Dependencies carry the runtime's collaborators. Resolver, Prober, and Bus
// are required; the rest degrade to no-ops when absent.
type Dependencies struct {
	Resolver monitor.Resolver
	Prober   monitor.Prober
	MAC      monitor.MACLookup
	Bus      *statebus.Bus
	Metrics  *metrics.Store
	Checker  *health.Checker
	Engine   *alert.Engine
	Logger   *zerolog.Logger
}

// Runtime owns the probe loop: one coordinator per target, a scheduler firing
// jobs on the update interval, and a worker pool running ticks. Every
// completed tick is published to the state bus along with recomputed host
// aggregates, which is what feeds the alert engine.
type Runtime struct {
	logger  zerolog.Logger
	bus     *statebus.Bus
	metrics *metrics.Store
	checker *health.Checker
	engine  *alert.Engine

	jobs  chan worker.Job
	sched *scheduler.Scheduler
	pool  *worker.Pool

	interval     time.Duration
	groups       []registry.HostGroup
	hostByTarget map[string]string
	coordinators map[string]*monitor.Coordinator
	membersByKey map[string][]aggregate.Member
}

func New(cfg Config, deps Dependencies, opts ...Option) *Runtime {
	o := options{jobBuffer: 256}
	for _, opt := range opts {
		opt(&o)
	}

	logger := logging.Discard()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	interval := cfg.UpdateInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	r := &Runtime{
		logger:       logger,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		checker:      deps.Checker,
		engine:       deps.Engine,
		jobs:         make(chan worker.Job, o.jobBuffer),
		interval:     interval,
		groups:       registry.Group(cfg.Targets),
		hostByTarget: make(map[string]string, len(cfg.Targets)),
		coordinators: make(map[string]*monitor.Coordinator, len(cfg.Targets)),
		membersByKey: make(map[string][]aggregate.Member),
	}

	for _, t := range cfg.Targets {
		r.hostByTarget[t.ID()] = t.Host
		r.coordinators[t.ID()] = monitor.New(t, monitor.Dependencies{
			Resolver: deps.Resolver,
			Prober:   deps.Prober,
			MAC:      deps.MAC,
			Logger:   deps.Logger,
		})
	}
	for _, g := range r.groups {
		members := make([]aggregate.Member, 0, len(g.Targets))
		for _, t := range g.Targets {
			members = append(members, r.coordinators[t.ID()])
		}
		r.membersByKey[g.Host] = members
	}

	r.sched = scheduler.New(r.jobs, o.schedulerOpts...)
	r.pool = worker.NewPool(r.jobs, r.handleJob, o.workerOpts...)

	if r.metrics != nil {
		r.metrics.ObserveActiveTargets(len(cfg.Targets))
	}
	if r.checker != nil {
		r.checker.SetTargetCount(len(cfg.Targets))
	}
	r.wireAlerts()
	return r
}

// wireAlerts registers host aggregates with the alert engine and routes
// status changes from the bus into it. Registration happens before any probe
// runs, so a host that is down from the start still gets its debounce window
// armed.
func (r *Runtime) wireAlerts() {
	if r.engine == nil || r.bus == nil {
		return
	}

	for _, g := range r.groups {
		members := r.membersByKey[g.Host]
		r.engine.Watch(alert.Entity{
			Key:    statebus.OverallKey(g.Host),
			Device: g.Canonical.Device(),
			Group:  g.Canonical.AlertGroup,
			Delay:  g.Canonical.AlertDelay,
		}, aggregate.Overall(members))

		if composite := g.Composite(); len(composite) > 0 {
			r.engine.Watch(alert.Entity{
				Key:    statebus.CompositeKey(g.Host),
				Device: composite[0].Device() + " AD DC",
				Group:  composite[0].AlertGroup,
				Delay:  composite[0].AlertDelay,
			}, aggregate.Composite(members))
		}
	}

	r.bus.Subscribe(func(c statebus.Change) {
		r.engine.Observe(c.Key, c.Current)
	})
}

// Start launches the pool, the scheduler, and the alert sweep, and returns a
// function that blocks until they have all wound down.
func (r *Runtime) Start(ctx context.Context) func() {
	entries := make([]scheduler.Entry, 0, len(r.coordinators))
	for id := range r.coordinators {
		entries = append(entries, scheduler.Entry{TargetID: id, Interval: r.interval})
	}
	r.sched.Update(entries)

	workerWG := r.pool.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sched.Start(ctx)
	}()

	if r.engine != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.engine.Run(ctx)
		}()
	}

	return func() {
		workerWG.Wait()
		wg.Wait()
	}
}

func (r *Runtime) handleJob(ctx context.Context, job worker.Job) {
	coord, ok := r.coordinators[job.TargetID]
	if !ok {
		r.logger.Warn().Str("target", job.TargetID).Msg("job for unknown target")
		return
	}

	result, ran := coord.Tick(ctx)
	if !ran {
		return
	}
	r.publish(coord, result)
}

func (r *Runtime) publish(coord *monitor.Coordinator, result types.ProbeResult) {
	target := coord.Target()

	if r.metrics != nil {
		r.metrics.ObserveProbe(result.Connected)
		if result.ResolvedIP == "" {
			r.metrics.IncResolutionFailures()
		}
	}
	if r.checker != nil {
		r.checker.ObserveProbe(result.Timestamp)
	}
	if r.bus == nil {
		return
	}

	r.bus.Set(statebus.TargetKey(target), statebus.State{
		Status:    coord.Status(),
		Attrs:     targetAttrs(target, result),
		UpdatedAt: result.Timestamp,
	})

	host := r.hostByTarget[target.ID()]
	members := r.membersByKey[host]

	r.bus.Set(statebus.OverallKey(host), statebus.State{
		Status: aggregate.Overall(members),
		Attrs: map[string]any{
			"monitored_services": aggregate.Services(members),
		},
	})

	if target.Service != "" {
		r.bus.Set(statebus.CompositeKey(host), statebus.State{
			Status: aggregate.Composite(members),
			Attrs: map[string]any{
				"monitored_services": aggregate.CompositeServices(members),
			},
		})
	}
}

func targetAttrs(target types.Target, result types.ProbeResult) map[string]any {
	attrs := map[string]any{
		"host":        target.Host,
		"protocol":    string(target.Protocol),
		"device_name": target.Device(),
		"resolved_ip": result.ResolvedIP,
	}
	if target.Protocol.RequiresPort() {
		attrs["port"] = int(target.Port)
	}
	if result.MACAddress != "" {
		attrs["mac_address"] = result.MACAddress
	}
	if result.LatencyMs != nil {
		attrs["latency_ms"] = *result.LatencyMs
	}
	if target.Service != "" {
		attrs["service"] = target.Service
	}
	return attrs
}

// Groups exposes the per-host view for status surfaces.
func (r *Runtime) Groups() []registry.HostGroup {
	return r.groups
}

// JobsChannel lets tests and one-shot callers inject probe jobs directly.
func (r *Runtime) JobsChannel() chan<- worker.Job {
	return r.jobs
}
