package diag

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/connmonhq/connmon/internal/config"
)

const (
	defaultLogsDir      = "/var/log/connmon"
	defaultOutputPrefix = "diag_"
	infoFileName        = "diagnostics/info.json"
	configDirName       = "config"
	logsDirName         = "logs"
	observabilityDir    = "observability"
)

const redactedMarker = "REDACTED"

// Webhook URLs and log lines can carry credentials; bundles get shared with
// support, so these are scrubbed by default.
var (
	tokenPattern    = regexp.MustCompile(`(?i)(token=)([^&\s"']+)`)
	bearerPattern   = regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)([A-Za-z0-9\._\-]+)`)
	apiKeyPattern   = regexp.MustCompile(`(?i)(api[_-]?key=)([^&\s"']+)`)
	secretPattern   = regexp.MustCompile(`(?i)(secret=)([^&\s"']+)`)
	passwordPattern = regexp.MustCompile(`(?i)(password=)([^&\s"']+)`)
)

type multiValue []string

func (mv *multiValue) String() string {
	return strings.Join(*mv, ",")
}

func (mv *multiValue) Set(value string) error {
	if value == "" {
		return nil
	}
	*mv = append(*mv, value)
	return nil
}

// Dependencies provides optional overrides for testing.
type Dependencies struct {
	Now        func() time.Time
	HTTPClient *http.Client
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Run collects a support bundle: the configuration, recent logs, a metrics
// scrape, and the live status snapshot, written as a tar.gz.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RunCommand == nil {
		deps.RunCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			cmd := exec.CommandContext(ctx, name, args...)
			return cmd.CombinedOutput()
		}
	}

	fs := flag.NewFlagSet("diag", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to monitor configuration file")
	outputPath := fs.String("output", "", "Path for diagnostics tarball (default /var/log/connmon/diag_<ts>.tar.gz)")
	logsDir := fs.String("logs", defaultLogsDir, "Directory containing monitor logs to include")
	includeMetrics := fs.Bool("include-metrics", true, "Include metrics scrape snapshot")
	metricsURL := fs.String("metrics-url", "http://127.0.0.1:9311/metrics", "Metrics endpoint URL")
	statusURL := fs.String("status-url", "http://127.0.0.1:9311/status", "Status endpoint URL")
	scrapeTimeout := fs.Duration("scrape-timeout", 3*time.Second, "HTTP timeout when scraping local endpoints")
	var journalUnits multiValue
	fs.Var(&journalUnits, "journal-unit", "Systemd unit to capture via journalctl (repeatable)")
	journalSince := fs.Duration("journal-since", time.Hour, "How far back to collect journalctl logs (e.g., 1h)")
	redactLogs := fs.Bool("redact-logs", true, "Redact sensitive tokens in log files (disable for raw capture)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	now := deps.Now().UTC()
	outPath := *outputPath
	if outPath == "" {
		if err := os.MkdirAll(defaultLogsDir, 0o755); err != nil {
			return fmt.Errorf("ensure output directory %q: %w", defaultLogsDir, err)
		}
		filename := fmt.Sprintf("%s%s.tar.gz", defaultOutputPrefix, now.Format("20060102T150405Z"))
		outPath = filepath.Join(defaultLogsDir, filename)
	} else {
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return fmt.Errorf("ensure output directory %q: %w", filepath.Dir(outPath), err)
		}
	}

	info := bundleInfo{
		GeneratedAt: now.Format(time.RFC3339),
		OutputPath:  outPath,
		Warnings:    make([]string, 0, 4),
		GoVersion:   runtime.Version(),
	}

	if cfg, err := config.Load(ctx, *configPath); err != nil {
		info.Warnings = append(info.Warnings, fmt.Sprintf("config unavailable (%s): %v", *configPath, err))
	} else {
		info.ConfigPath = *configPath
		info.TargetCount = len(cfg.Targets)
		info.DNSServer = cfg.Monitor.DNSServer
		info.UpdateIntervalSec = cfg.Monitor.UpdateIntervalSec
	}

	outFile, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create diagnostics file %q: %w", outPath, err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	defer gw.Close()

	tw := tar.NewWriter(gw)
	defer tw.Close()

	if fi, err := os.Stat(*configPath); err == nil {
		if !fi.Mode().IsRegular() {
			info.Warnings = append(info.Warnings, fmt.Sprintf("config path %q is not a regular file", *configPath))
		} else if err := addFile(tw, *configPath, filepath.ToSlash(filepath.Join(configDirName, filepath.Base(*configPath)))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include config %q: %v", *configPath, err))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		info.Warnings = append(info.Warnings, fmt.Sprintf("unable to stat config %q: %v", *configPath, err))
	}

	if *logsDir != "" {
		if _, err := os.Stat(*logsDir); err == nil {
			if err := addLogsDir(tw, *logsDir, logsDirName, *redactLogs); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include logs dir %q: %v", *logsDir, err))
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			info.Warnings = append(info.Warnings, fmt.Sprintf("unable to stat logs dir %q: %v", *logsDir, err))
		}
	}
	info.LogsRedacted = *redactLogs

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *scrapeTimeout}
	}

	if *includeMetrics && *metricsURL != "" {
		metricsData, err := scrape(ctx, client, *metricsURL, *scrapeTimeout)
		if err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("metrics scrape failed: %v", err))
		} else {
			if err := addBytes(tw, metricsData, filepath.ToSlash(filepath.Join(observabilityDir, "metrics.prom"))); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include metrics snapshot: %v", err))
			}
			summary, warns := summarizeMetrics(metricsData, *metricsURL)
			info.Metrics = summary
			info.Warnings = append(info.Warnings, warns...)
		}
	}

	if *statusURL != "" {
		statusData, err := scrape(ctx, client, *statusURL, *scrapeTimeout)
		if err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("status scrape failed: %v", err))
		} else if err := addBytes(tw, statusData, filepath.ToSlash(filepath.Join(observabilityDir, "status.json"))); err != nil {
			info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include status snapshot: %v", err))
		}
	}

	if len(journalUnits) > 0 {
		since := deps.Now().Add(-*journalSince)
		sinceArg := since.Format(time.RFC3339)
		info.Journal = &journalSummary{
			Units: append([]string(nil), ([]string)(journalUnits)...),
			Since: sinceArg,
		}
		for _, unit := range journalUnits {
			args := []string{"--unit", unit, "--since", sinceArg, "--no-pager"}
			data, err := deps.RunCommand(ctx, "journalctl", args...)
			if err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("journalctl for unit %s failed: %v", unit, err))
				continue
			}
			name := filepath.ToSlash(filepath.Join(logsDirName, "journalctl", sanitizeFilename(unit)+".log"))
			if err := addBytes(tw, data, name); err != nil {
				info.Warnings = append(info.Warnings, fmt.Sprintf("failed to include journal for unit %s: %v", unit, err))
			}
		}
	}

	return writeInfo(tw, info)
}

func writeInfo(tw *tar.Writer, info bundleInfo) error {
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics info: %w", err)
	}
	return addBytes(tw, payload, infoFileName)
}

func addBytes(tw *tar.Writer, data []byte, name string) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %q: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar content for %q: %w", name, err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer file.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("header for %q: %w", src, err)
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", src, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", src, err)
	}
	return nil
}

func addLogsDir(tw *tar.Writer, dir, base string, redact bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := base
		if rel != "." {
			name = filepath.ToSlash(filepath.Join(base, rel))
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if d.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			if !strings.HasSuffix(name, "/") {
				name += "/"
			}
			header.Name = name
			return tw.WriteHeader(header)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if redact && shouldRedactFile(path) {
			data = redactSensitive(data)
		}

		header := &tar.Header{
			Name:    name,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(data)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
}

func shouldRedactFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".log", ".txt", ".json", ".ndjson", ".yaml", ".yml", ".csv":
		return true
	default:
		return false
	}
}

func redactSensitive(data []byte) []byte {
	text := string(data)
	patterns := []*regexp.Regexp{
		tokenPattern,
		bearerPattern,
		apiKeyPattern,
		secretPattern,
		passwordPattern,
	}
	for _, pattern := range patterns {
		text = applyRedaction(pattern, text)
	}
	return []byte(text)
}

func applyRedaction(pattern *regexp.Regexp, text string) string {
	return pattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := pattern.FindStringSubmatch(match)
		if len(sub) >= 2 {
			return sub[1] + redactedMarker
		}
		return redactedMarker
	})
}

func scrape(ctx context.Context, client *http.Client, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func summarizeMetrics(data []byte, url string) (*metricsSummary, []string) {
	lines := strings.Split(string(data), "\n")
	summary := &metricsSummary{URL: url}
	var warnings []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "connmon_probes_total"):
			val, err := parseMetricValue(line, "connmon_probes_total")
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("parse probes total: %v", err))
				continue
			}
			summary.ProbesTotal = ptrUint64(uint64(val))
		case strings.HasPrefix(line, "connmon_probes_failed_total"):
			val, err := parseMetricValue(line, "connmon_probes_failed_total")
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("parse probes failed: %v", err))
				continue
			}
			summary.ProbesFailed = ptrUint64(uint64(val))
		case strings.HasPrefix(line, "connmon_ready "):
			val, err := parseMetricValue(line, "connmon_ready")
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("parse readiness: %v", err))
				continue
			}
			ready := val == 1
			summary.Ready = &ready
		}
	}
	return summary, warnings
}

func parseMetricValue(line, name string) (float64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid metric line %q", line)
	}
	if fields[0] != name {
		return 0, fmt.Errorf("expected metric %s, got %s", name, fields[0])
	}
	return strconv.ParseFloat(fields[1], 64)
}

func ptrUint64(v uint64) *uint64 {
	return &v
}

func sanitizeFilename(input string) string {
	safe := strings.ReplaceAll(input, "/", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	if safe == "" {
		return "unknown"
	}
	return safe
}

type bundleInfo struct {
	GeneratedAt       string          `json:"generated_at"`
	OutputPath        string          `json:"output_path"`
	ConfigPath        string          `json:"config_path,omitempty"`
	TargetCount       int             `json:"target_count,omitempty"`
	DNSServer         string          `json:"dns_server,omitempty"`
	UpdateIntervalSec int             `json:"update_interval_sec,omitempty"`
	Metrics           *metricsSummary `json:"metrics,omitempty"`
	Journal           *journalSummary `json:"journal,omitempty"`
	LogsRedacted      bool            `json:"logs_redacted"`
	Warnings          []string        `json:"warnings,omitempty"`
	GoVersion         string          `json:"go_version"`
}

type metricsSummary struct {
	URL          string  `json:"url"`
	ProbesTotal  *uint64 `json:"probes_total,omitempty"`
	ProbesFailed *uint64 `json:"probes_failed_total,omitempty"`
	Ready        *bool   `json:"ready,omitempty"`
}

type journalSummary struct {
	Units []string `json:"units"`
	Since string   `json:"since"`
}
