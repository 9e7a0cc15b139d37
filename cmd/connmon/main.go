package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/connmonhq/connmon/internal/alert"
	"github.com/connmonhq/connmon/internal/arp"
	"github.com/connmonhq/connmon/internal/config"
	"github.com/connmonhq/connmon/internal/diag"
	"github.com/connmonhq/connmon/internal/health"
	"github.com/connmonhq/connmon/internal/logging"
	"github.com/connmonhq/connmon/internal/metrics"
	"github.com/connmonhq/connmon/internal/notify"
	"github.com/connmonhq/connmon/internal/probe"
	"github.com/connmonhq/connmon/internal/registry"
	"github.com/connmonhq/connmon/internal/resolve"
	"github.com/connmonhq/connmon/internal/runtime"
	"github.com/connmonhq/connmon/internal/statebus"
	"github.com/connmonhq/connmon/internal/worker"
	"github.com/connmonhq/connmon/pkg/types"
)

func main() {
	ctx := context.Background()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = run(ctx, os.Args[2:])
	case "check":
		err = check(ctx, os.Args[2:])
	case "diag":
		err = diag.Run(ctx, os.Args[2:], diag.Dependencies{})
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "command %s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultConfigPath, "Path to monitor configuration file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	runID := uuid.NewString()
	logger.Info().Str("run_id", runID).Str("dns_server", cfg.Monitor.DNSServer).
		Int("interval_sec", cfg.Monitor.UpdateIntervalSec).Msg("monitor starting")

	targets := registry.Materialize(cfg.Targets, logger)
	if len(targets) == 0 {
		return fmt.Errorf("no valid targets after materialization")
	}

	metricsStore := metrics.NewStore()
	interval := cfg.Monitor.Interval()
	healthChecker := health.NewChecker(metricsStore, 3*interval)

	var sink notify.Sink
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhook(
			notify.Config{URL: cfg.Notify.WebhookURL, RunID: runID},
			notify.Dependencies{},
		)
		if err != nil {
			return fmt.Errorf("init webhook: %w", err)
		}
		sink = observedSink{inner: webhook, checker: healthChecker}
	} else {
		logger.Warn().Msg("no webhook configured, notifications go to the log")
		sink = notify.LogSink{Logger: logger}
	}

	engine := alert.New(alert.Dependencies{
		Sink:    sink,
		Metrics: metricsStore,
		Logger:  &logger,
	})
	bus := statebus.New()

	opts := []runtime.Option{}
	if cfg.Run.Workers > 0 {
		opts = append(opts, runtime.WithWorkerOptions(worker.WithWorkerCount(cfg.Run.Workers)))
	}
	if cfg.Run.TickResolution > 0 {
		opts = append(opts, runtime.WithTickResolution(cfg.Run.TickResolution))
	}
	if cfg.Run.ProbeRate > 0 {
		opts = append(opts, runtime.WithWorkerOptions(worker.WithRateLimit(cfg.Run.ProbeRate, 1)))
	}

	rt := runtime.New(
		runtime.Config{Targets: targets, UpdateInterval: interval},
		runtime.Dependencies{
			Resolver: resolve.New(cfg.Monitor.DNSServer, resolve.Dependencies{}),
			Prober:   probe.New(probe.Dependencies{Logger: &logger}),
			MAC:      arp.New(arp.Dependencies{Logger: &logger}),
			Bus:      bus,
			Metrics:  metricsStore,
			Checker:  healthChecker,
			Engine:   engine,
			Logger:   &logger,
		},
		opts...,
	)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wait := rt.Start(runCtx)

	grp, groupCtx := errgroup.WithContext(runCtx)

	grp.Go(func() error {
		<-groupCtx.Done()
		wait()
		return nil
	})

	grp.Go(func() error {
		return serveMonitoring(groupCtx, cfg.ListenAddr, metricsStore, healthChecker, bus, logger)
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		return err
	}

	logger.Info().Msg("monitor stopped")
	return nil
}

// observedSink reports delivery outcomes to the health checker on the way
// through.
type observedSink struct {
	inner   notify.Sink
	checker *health.Checker
}

func (s observedSink) Send(ctx context.Context, group, text string) error {
	err := s.inner.Send(ctx, group, text)
	s.checker.ObserveNotify(time.Now().UTC(), err)
	return err
}

// check probes a single target once and prints the result as JSON. Useful for
// validating a target before adding it to the configuration.
func check(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	host := fs.String("host", "", "Hostname or IP to probe")
	protocol := fs.String("protocol", "icmp", "Protocol: tcp, udp, icmp, or ad_dc")
	port := fs.Int("port", 0, "Port for tcp/udp probes")
	dnsServer := fs.String("dns", config.DefaultDNSServer, "DNS server for hostname resolution")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" {
		return fmt.Errorf("--host is required")
	}

	proto, err := types.ParseProtocol(*protocol)
	if err != nil {
		return err
	}
	if proto.RequiresPort() && (*port < 1 || *port > 65535) {
		return fmt.Errorf("--port between 1 and 65535 is required for %s", proto)
	}

	target := types.Target{Host: *host, Protocol: proto, Port: uint16(*port)}

	resolver := resolve.New(*dnsServer, resolve.Dependencies{})
	ip, err := resolver.Resolve(ctx, *host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", *host, err)
	}

	logger := logging.Discard()
	prober := probe.New(probe.Dependencies{Logger: &logger})
	result := prober.Probe(ctx, ip, target)
	result.MACAddress = arp.New(arp.Dependencies{}).MAC(ctx, ip)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printUsage() {
	fmt.Println("Connectivity Monitor CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  connmon run [--config /etc/connmon/connmon.yaml]")
	fmt.Println("  connmon check --host HOST [--protocol tcp|udp|icmp|ad_dc] [--port N] [--dns IP]")
	fmt.Println("  connmon diag [--config path] [--output file] [--logs dir] [--journal-unit unit]")
}

func serveMonitoring(ctx context.Context, addr string, store *metrics.Store, checker *health.Checker, bus *statebus.Bus, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.NewHTTPHandler(store))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ready, reasons := checker.Ready(time.Now().UTC())
		if !ready {
			http.Error(w, strings.Join(reasons, "; "), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(bus.Snapshot()); err != nil {
			logger.Error().Err(err).Msg("encode status snapshot")
		}
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("monitoring endpoints listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
