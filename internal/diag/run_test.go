package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfig = `log_level: debug
monitor:
  update_interval_sec: 60
  dns_server: 1.1.1.1
targets:
  - host: 10.0.0.5
    protocol: tcp
    port: 22
    alert_delay_min: 5
`

func readBundle(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open bundle: %v", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gr)

	entries := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = data
	}
	return entries
}

func TestRunProducesBundle(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "connmon.yaml")
	if err := os.WriteFile(configPath, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	logsDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	logLine := "posting to https://hooks.example/notify?token=supersecret done\n"
	if err := os.WriteFile(filepath.Join(logsDir, "monitor.log"), []byte(logLine), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics":
			io.WriteString(w, "connmon_probes_total 42\nconnmon_probes_failed_total 3\nconnmon_ready 1\n")
		case "/status":
			io.WriteString(w, `{"target/10.0.0.5_TCP_22":{"status":"Connected"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	outPath := filepath.Join(dir, "bundle.tar.gz")
	err := Run(context.Background(), []string{
		"--config", configPath,
		"--output", outPath,
		"--logs", logsDir,
		"--metrics-url", srv.URL + "/metrics",
		"--status-url", srv.URL + "/status",
	}, Dependencies{
		Now:        func() time.Time { return time.Unix(1700000000, 0).UTC() },
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	entries := readBundle(t, outPath)

	if _, ok := entries["config/connmon.yaml"]; !ok {
		t.Fatalf("bundle missing config, entries: %v", keys(entries))
	}
	if log, ok := entries["logs/monitor.log"]; !ok {
		t.Fatalf("bundle missing log file")
	} else if strings.Contains(string(log), "supersecret") {
		t.Fatalf("log not redacted: %s", log)
	} else if !strings.Contains(string(log), "token=REDACTED") {
		t.Fatalf("expected redaction marker, got: %s", log)
	}
	if metrics, ok := entries["observability/metrics.prom"]; !ok || !strings.Contains(string(metrics), "connmon_probes_total 42") {
		t.Fatalf("bundle missing metrics snapshot")
	}
	if status, ok := entries["observability/status.json"]; !ok || !strings.Contains(string(status), "Connected") {
		t.Fatalf("bundle missing status snapshot")
	}

	var info bundleInfo
	if err := json.Unmarshal(entries[infoFileName], &info); err != nil {
		t.Fatalf("parse info.json: %v", err)
	}
	if info.TargetCount != 1 || info.DNSServer != "1.1.1.1" {
		t.Fatalf("unexpected config summary: %+v", info)
	}
	if info.Metrics == nil || info.Metrics.ProbesTotal == nil || *info.Metrics.ProbesTotal != 42 {
		t.Fatalf("unexpected metrics summary: %+v", info.Metrics)
	}
	if info.Metrics.Ready == nil || !*info.Metrics.Ready {
		t.Fatalf("expected ready in summary: %+v", info.Metrics)
	}
}

func TestRunWithUnreachableEndpointsStillWrites(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "bundle.tar.gz")

	err := Run(context.Background(), []string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--output", outPath,
		"--logs", filepath.Join(dir, "missing-logs"),
		"--metrics-url", "http://127.0.0.1:1/metrics",
		"--status-url", "http://127.0.0.1:1/status",
		"--scrape-timeout", "100ms",
	}, Dependencies{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	entries := readBundle(t, outPath)
	var info bundleInfo
	if err := json.Unmarshal(entries[infoFileName], &info); err != nil {
		t.Fatalf("parse info.json: %v", err)
	}
	if len(info.Warnings) == 0 {
		t.Fatalf("expected warnings for unreachable inputs")
	}
}

func TestRedactSensitive(t *testing.T) {
	in := "url?api_key=abc password=hunter2 Authorization: Bearer eyJtoken"
	out := string(redactSensitive([]byte(in)))
	for _, leaked := range []string{"abc", "hunter2", "eyJtoken"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("value %q leaked: %s", leaked, out)
		}
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
