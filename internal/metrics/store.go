package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Store maintains in-memory gauges and counters for monitor telemetry.
type Store struct {
	probesTotal        atomic.Uint64
	probesFailed       atomic.Uint64
	resolutionFailures atomic.Uint64
	alertsSent         atomic.Uint64
	recoveriesSent     atomic.Uint64
	notifyFailures     atomic.Uint64
	activeTargets      atomic.Int64
	lastProbeUnixNano  atomic.Int64
	readinessState     atomic.Int64
	readinessReason    atomic.Value

	now func() time.Time
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{now: time.Now}
	store.readinessReason.Store("")
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	ProbesTotal        uint64
	ProbesFailed       uint64
	ResolutionFailures uint64
	AlertsSent         uint64
	RecoveriesSent     uint64
	NotifyFailures     uint64
	ActiveTargets      int64
	LastProbeAt        time.Time
	Ready              bool
	ReadyReason        string
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	reason, _ := s.readinessReason.Load().(string)
	var lastProbe time.Time
	if nanos := s.lastProbeUnixNano.Load(); nanos > 0 {
		lastProbe = time.Unix(0, nanos).UTC()
	}
	return Snapshot{
		ProbesTotal:        s.probesTotal.Load(),
		ProbesFailed:       s.probesFailed.Load(),
		ResolutionFailures: s.resolutionFailures.Load(),
		AlertsSent:         s.alertsSent.Load(),
		RecoveriesSent:     s.recoveriesSent.Load(),
		NotifyFailures:     s.notifyFailures.Load(),
		ActiveTargets:      s.activeTargets.Load(),
		LastProbeAt:        lastProbe,
		Ready:              s.readinessState.Load() == 1,
		ReadyReason:        reason,
	}
}

// ObserveProbe records one completed probe cycle.
func (s *Store) ObserveProbe(connected bool) {
	s.probesTotal.Add(1)
	if !connected {
		s.probesFailed.Add(1)
	}
	s.lastProbeUnixNano.Store(s.now().UnixNano())
}

func (s *Store) IncResolutionFailures() {
	s.resolutionFailures.Add(1)
}

func (s *Store) ObserveActiveTargets(n int) {
	s.activeTargets.Store(int64(n))
}

func (s *Store) IncAlertsSent() {
	s.alertsSent.Add(1)
}

func (s *Store) IncRecoveriesSent() {
	s.recoveriesSent.Add(1)
}

func (s *Store) IncNotifyFailures() {
	s.notifyFailures.Add(1)
}

func (s *Store) ObserveReadiness(ready bool, reason string) {
	if ready {
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		return
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	if snap.Ready {
		reason = "ready"
	} else if reason == "" {
		reason = "unknown"
	}
	lastProbeAge := -1.0
	if !snap.LastProbeAt.IsZero() {
		lastProbeAge = s.now().Sub(snap.LastProbeAt).Seconds()
	}
	lines := []string{
		"# HELP connmon_probes_total Total probe cycles completed.",
		"# TYPE connmon_probes_total counter",
		fmt.Sprintf("connmon_probes_total %d", snap.ProbesTotal),
		"# HELP connmon_probes_failed_total Probe cycles that ended disconnected.",
		"# TYPE connmon_probes_failed_total counter",
		fmt.Sprintf("connmon_probes_failed_total %d", snap.ProbesFailed),
		"# HELP connmon_resolution_failures_total DNS resolution failures.",
		"# TYPE connmon_resolution_failures_total counter",
		fmt.Sprintf("connmon_resolution_failures_total %d", snap.ResolutionFailures),
		"# HELP connmon_alerts_sent_total Alert notifications delivered.",
		"# TYPE connmon_alerts_sent_total counter",
		fmt.Sprintf("connmon_alerts_sent_total %d", snap.AlertsSent),
		"# HELP connmon_recoveries_sent_total Recovery notifications delivered.",
		"# TYPE connmon_recoveries_sent_total counter",
		fmt.Sprintf("connmon_recoveries_sent_total %d", snap.RecoveriesSent),
		"# HELP connmon_notify_failures_total Notification deliveries that failed.",
		"# TYPE connmon_notify_failures_total counter",
		fmt.Sprintf("connmon_notify_failures_total %d", snap.NotifyFailures),
		"# HELP connmon_active_targets Number of materialized probe targets.",
		"# TYPE connmon_active_targets gauge",
		fmt.Sprintf("connmon_active_targets %d", snap.ActiveTargets),
		"# HELP connmon_last_probe_age_seconds Seconds since the most recent probe cycle (-1 before the first).",
		"# TYPE connmon_last_probe_age_seconds gauge",
		fmt.Sprintf("connmon_last_probe_age_seconds %g", lastProbeAge),
		"# HELP connmon_ready Whether the monitor considers itself ready (1=ready).",
		"# TYPE connmon_ready gauge",
		fmt.Sprintf("connmon_ready %d", readyValue),
		"# HELP connmon_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE connmon_ready_info gauge",
		fmt.Sprintf("connmon_ready_info{reason=%q} 1", reason),
		"",
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
