package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/connmonhq/connmon/internal/config"
	"github.com/connmonhq/connmon/pkg/types"
)

const (
	minAlertDelayMin = 1
	maxAlertDelayMin = 60
)

// Materialize expands the configured targets into the flat list of concrete
// probes. Composite AD DC entries expand into one TCP sub-target per
// well-known port; everything else maps 1:1. A malformed entry is logged and
// skipped, it never takes down the remaining targets. Duplicate identity keys
// keep the first occurrence.
func Materialize(cfgs []config.TargetConfig, logger zerolog.Logger) []types.Target {
	targets := make([]types.Target, 0, len(cfgs))
	seen := make(map[string]struct{})

	for i, tc := range cfgs {
		expanded, err := materializeOne(tc)
		if err != nil {
			logger.Error().Err(err).Int("index", i).Str("host", tc.Host).
				Msg("skipping invalid target")
			continue
		}
		for _, t := range expanded {
			if _, dup := seen[t.ID()]; dup {
				logger.Warn().Str("target", t.ID()).Msg("duplicate target ignored")
				continue
			}
			seen[t.ID()] = struct{}{}
			targets = append(targets, t)
		}
	}
	return targets
}

func materializeOne(tc config.TargetConfig) ([]types.Target, error) {
	if tc.Host == "" {
		return nil, fmt.Errorf("host is required")
	}

	proto, err := types.ParseProtocol(tc.Protocol)
	if err != nil {
		return nil, err
	}

	if tc.AlertDelayMin < minAlertDelayMin || tc.AlertDelayMin > maxAlertDelayMin {
		return nil, fmt.Errorf("alert_delay_min must be between %d and %d, got %d",
			minAlertDelayMin, maxAlertDelayMin, tc.AlertDelayMin)
	}

	base := types.Target{
		Host:       tc.Host,
		Protocol:   proto,
		DeviceName: tc.DeviceName,
		AlertGroup: tc.AlertGroup,
		AlertDelay: time.Duration(tc.AlertDelayMin) * time.Minute,
	}

	switch {
	case proto == types.ProtocolADDC:
		return expandComposite(base), nil
	case proto.RequiresPort():
		if tc.Port < 1 || tc.Port > 65535 {
			return nil, fmt.Errorf("%s target needs a port between 1 and 65535, got %d", proto, tc.Port)
		}
		base.Port = uint16(tc.Port)
		return []types.Target{base}, nil
	default:
		return []types.Target{base}, nil
	}
}

// expandComposite turns one AD DC shortcut into TCP sub-targets over the fixed
// port map, in ascending port order so materialization is deterministic.
func expandComposite(base types.Target) []types.Target {
	ports := make([]int, 0, len(types.ADDCServices))
	for port := range types.ADDCServices {
		ports = append(ports, int(port))
	}
	sort.Ints(ports)

	targets := make([]types.Target, 0, len(ports))
	for _, port := range ports {
		t := base
		t.Protocol = types.ProtocolTCP
		t.Port = uint16(port)
		t.Service = types.ADDCServices[uint16(port)]
		targets = append(targets, t)
	}
	return targets
}

// HostGroup is the per-host view the aggregators and the alert engine watch.
// Device metadata comes from the canonical target: the first one materialized
// for the host.
type HostGroup struct {
	Host      string
	Canonical types.Target
	Targets   []types.Target
}

// Composite returns the subset of the group's targets that were expanded from
// an AD DC shortcut.
func (g HostGroup) Composite() []types.Target {
	var subset []types.Target
	for _, t := range g.Targets {
		if t.Service != "" {
			subset = append(subset, t)
		}
	}
	return subset
}

// Group buckets materialized targets by host, preserving first-seen order.
func Group(targets []types.Target) []HostGroup {
	index := make(map[string]int)
	groups := make([]HostGroup, 0)

	for _, t := range targets {
		i, ok := index[t.Host]
		if !ok {
			index[t.Host] = len(groups)
			groups = append(groups, HostGroup{Host: t.Host, Canonical: t})
			i = len(groups) - 1
		}
		groups[i].Targets = append(groups[i].Targets, t)
	}
	return groups
}
