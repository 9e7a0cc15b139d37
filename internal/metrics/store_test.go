package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStoreSnapshot(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewStore()
	store.now = func() time.Time { return now }

	store.ObserveActiveTargets(3)
	store.ObserveProbe(true)
	store.ObserveProbe(false)
	store.IncResolutionFailures()
	store.IncAlertsSent()
	store.IncRecoveriesSent()
	store.IncNotifyFailures()
	store.ObserveReadiness(false, "no probe results yet")

	snap := store.Snapshot()
	if snap.ProbesTotal != 2 || snap.ProbesFailed != 1 {
		t.Fatalf("unexpected probe counters: %+v", snap)
	}
	if snap.ResolutionFailures != 1 {
		t.Fatalf("unexpected resolution failures: %d", snap.ResolutionFailures)
	}
	if snap.AlertsSent != 1 || snap.RecoveriesSent != 1 || snap.NotifyFailures != 1 {
		t.Fatalf("unexpected notification counters: %+v", snap)
	}
	if snap.ActiveTargets != 3 {
		t.Fatalf("unexpected active targets: %d", snap.ActiveTargets)
	}
	if !snap.LastProbeAt.Equal(now) {
		t.Fatalf("unexpected last probe time: %s", snap.LastProbeAt)
	}
	if snap.Ready || snap.ReadyReason != "no probe results yet" {
		t.Fatalf("unexpected readiness: %+v", snap)
	}
}

func TestWritePrometheus(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := NewStore()
	store.now = func() time.Time { return now }

	store.ObserveProbe(false)
	store.ObserveReadiness(true, "")
	now = now.Add(30 * time.Second)

	var sb strings.Builder
	if err := store.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus returned error: %v", err)
	}
	body := sb.String()

	for _, want := range []string{
		"connmon_probes_total 1",
		"connmon_probes_failed_total 1",
		"connmon_last_probe_age_seconds 30",
		"connmon_ready 1",
		`connmon_ready_info{reason="ready"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in output:\n%s", want, body)
		}
	}
}

func TestWritePrometheusBeforeFirstProbe(t *testing.T) {
	store := NewStore()

	var sb strings.Builder
	if err := store.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus returned error: %v", err)
	}
	if !strings.Contains(sb.String(), "connmon_last_probe_age_seconds -1") {
		t.Fatalf("expected sentinel age before first probe:\n%s", sb.String())
	}
}

func TestHTTPHandler(t *testing.T) {
	store := NewStore()
	handler := NewHTTPHandler(store)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rec.Code)
	}
}
