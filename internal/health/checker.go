package health

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Snapshotter exposes the metric values readiness depends on, implemented by
// the metrics store.
type Snapshotter interface {
	ObserveReadiness(ready bool, reason string)
}

// Checker evaluates readiness conditions for the monitor.
type Checker struct {
	metrics    Snapshotter
	staleAfter time.Duration

	mu           sync.RWMutex
	targetCount  int
	lastProbe    time.Time
	notifyErr    string
	lastNotifyAt time.Time
}

// NewChecker constructs a readiness checker. staleAfter is how long the
// monitor may go without any completed probe before it reports not ready;
// callers derive it from the update interval.
func NewChecker(store Snapshotter, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Checker{
		metrics:    store,
		staleAfter: staleAfter,
	}
}

// SetTargetCount records how many targets were materialized from config.
func (c *Checker) SetTargetCount(n int) {
	c.mu.Lock()
	c.targetCount = n
	c.mu.Unlock()
}

// ObserveProbe records that a probe cycle completed.
func (c *Checker) ObserveProbe(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.lastProbe) {
		c.lastProbe = ts
	}
	c.mu.Unlock()
}

// ObserveNotify records the outcome of a notification delivery.
func (c *Checker) ObserveNotify(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.notifyErr = err.Error()
		c.lastNotifyAt = ts
		return
	}
	c.notifyErr = ""
	c.lastNotifyAt = time.Time{}
}

// Ready evaluates all readiness conditions and returns the overall status and
// reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	c.mu.RLock()
	targetCount := c.targetCount
	lastProbe := c.lastProbe
	notifyErr := c.notifyErr
	lastNotifyAt := c.lastNotifyAt
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	reasons := make([]string, 0, 3)

	if targetCount == 0 {
		reasons = append(reasons, "no targets materialized from configuration")
	}

	if lastProbe.IsZero() {
		reasons = append(reasons, "no probe results yet")
	} else if now.Sub(lastProbe) > staleAfter {
		reasons = append(reasons, fmt.Sprintf("probe results stale (%s)", now.Sub(lastProbe).Round(time.Second)))
	}

	// A notify failure only degrades readiness while recent; an endpoint that
	// recovered on its own ages out of the report.
	if notifyErr != "" && now.Sub(lastNotifyAt) <= staleAfter {
		reasons = append(reasons, fmt.Sprintf("notification delivery failing: %s", notifyErr))
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		c.metrics.ObserveReadiness(ready, strings.Join(reasons, "; "))
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
