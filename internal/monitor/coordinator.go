package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/connmonhq/connmon/internal/logging"
	"github.com/connmonhq/connmon/pkg/types"
)

// Resolver maps hostnames to IPs; literal IPs pass through untouched.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (string, error)
}

// Prober executes one connectivity check against a resolved IP.
type Prober interface {
	Probe(ctx context.Context, ip string, target types.Target) types.ProbeResult
}

// MACLookup reads a MAC address from the local neighbor table, best-effort.
type MACLookup interface {
	MAC(ctx context.Context, ip string) string
}

// Coordinator owns exactly one target: its cached resolution, its cached MAC,
// and its latest probe result. It moves between two states, unresolved and
// resolved; resolution is attempted again only while it keeps failing. Ticks
// on one coordinator never overlap.
type Coordinator struct {
	target   types.Target
	resolver Resolver
	prober   Prober
	mac      MACLookup
	now      func() time.Time
	logger   zerolog.Logger

	ticking sync.Mutex

	mu         sync.RWMutex
	resolvedIP string
	macAddr    string
	last       types.ProbeResult
	sampled    bool
}

// Dependencies carry the coordinator's collaborators.
type Dependencies struct {
	Resolver Resolver
	Prober   Prober
	MAC      MACLookup
	Now      func() time.Time
	Logger   *zerolog.Logger
}

func New(target types.Target, deps Dependencies) *Coordinator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Discard()
	if deps.Logger != nil {
		logger = deps.Logger.With().Str("target", target.ID()).Logger()
	}
	return &Coordinator{
		target:   target,
		resolver: deps.Resolver,
		prober:   deps.Prober,
		mac:      deps.MAC,
		now:      now,
		logger:   logger,
	}
}

func (c *Coordinator) Target() types.Target {
	return c.target
}

// Tick runs one poll: resolve if needed, probe, best-effort MAC lookup. The
// returned bool is false when a previous tick was still in flight, in which
// case nothing ran; the next scheduled tick is the retry mechanism. Failures
// inside a tick never propagate; they become a disconnected result.
func (c *Coordinator) Tick(ctx context.Context) (types.ProbeResult, bool) {
	if !c.ticking.TryLock() {
		c.logger.Debug().Msg("tick skipped, previous still in flight")
		return types.ProbeResult{}, false
	}
	defer c.ticking.Unlock()

	ip := c.cachedIP()
	if ip == "" {
		resolved, err := c.resolver.Resolve(ctx, c.target.Host)
		if err != nil {
			c.logger.Debug().Err(err).Msg("resolution failed")
			result := types.ProbeResult{
				TargetID:  c.target.ID(),
				Timestamp: c.now().UTC(),
				Connected: false,
			}
			c.store(result, "")
			return result, true
		}
		ip = resolved
	}

	result := c.prober.Probe(ctx, ip, c.target)
	result.MACAddress = c.lookupMAC(ctx, ip)
	c.store(result, ip)
	return result, true
}

// lookupMAC returns the cached MAC, retrying the table lookup only while it
// keeps coming back empty.
func (c *Coordinator) lookupMAC(ctx context.Context, ip string) string {
	c.mu.RLock()
	cached := c.macAddr
	c.mu.RUnlock()
	if cached != "" {
		return cached
	}
	if c.mac == nil {
		return ""
	}
	return c.mac.MAC(ctx, ip)
}

func (c *Coordinator) cachedIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvedIP
}

func (c *Coordinator) store(result types.ProbeResult, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvedIP = ip
	if result.MACAddress != "" {
		c.macAddr = result.MACAddress
	}
	c.last = result
	c.sampled = true
}

// Last returns the most recent probe result; ok is false before the first
// completed tick.
func (c *Coordinator) Last() (types.ProbeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.sampled
}

// Status derives the target's surfaced status from the latest sample.
func (c *Coordinator) Status() types.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.sampled {
		return types.StatusNotConnected
	}
	if c.last.Connected {
		return types.StatusConnected
	}
	return types.StatusDisconnected
}
