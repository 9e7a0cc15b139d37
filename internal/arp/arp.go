package arp

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/connmonhq/connmon/internal/logging"
)

const lookupTimeout = 2 * time.Second

var macPattern = regexp.MustCompile(`([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}`)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Lookup reads MAC addresses for IPs out of the local ARP/neighbor table by
// shelling out to the platform's arp command. Strictly best-effort: every
// failure mode yields an empty string.
type Lookup struct {
	run    runFunc
	goos   string
	logger zerolog.Logger
}

// Dependencies allow tests to stub the command execution and platform.
type Dependencies struct {
	Run    runFunc
	GOOS   string
	Logger *zerolog.Logger
}

func New(deps Dependencies) *Lookup {
	run := deps.Run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	goos := deps.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	logger := logging.Discard()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &Lookup{run: run, goos: goos, logger: logger}
}

// MAC returns the neighbor-table MAC address for ip, normalized to uppercase
// colon-separated form, or "" when the entry is missing or the command fails.
// The probe that precedes this call already touched the host, so the table
// entry is usually warm.
func (l *Lookup) MAC(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	args := []string{"-n", ip}
	if l.goos == "windows" {
		args = []string{"-a", ip}
	}

	out, err := l.run(ctx, "arp", args...)
	if err != nil {
		l.logger.Debug().Err(err).Str("ip", ip).Msg("arp lookup failed")
		return ""
	}

	match := macPattern.FindString(string(out))
	if match == "" {
		l.logger.Debug().Str("ip", ip).Msg("no arp entry")
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(match, "-", ":"))
}
