package aggregate

import (
	"github.com/connmonhq/connmon/pkg/types"
)

// Member is the read-only view of a coordinator the aggregators consume.
type Member interface {
	Target() types.Target
	Last() (types.ProbeResult, bool)
	Status() types.Status
}

// Overall derives a host's combined status from all of its coordinators.
// Mixed results always surface as Partially Connected, never collapsed into
// Disconnected. An empty set is Unknown. A coordinator without a sample yet
// counts as not connected.
func Overall(members []Member) types.Status {
	return derive(members)
}

// Composite applies the same rule to the subset of coordinators that were
// expanded from a composite shortcut; it reports under a distinct identity
// from Overall.
func Composite(members []Member) types.Status {
	return derive(compositeSubset(members))
}

func derive(members []Member) types.Status {
	if len(members) == 0 {
		return types.StatusUnknown
	}

	connected := 0
	for _, m := range members {
		if last, ok := m.Last(); ok && last.Connected {
			connected++
		}
	}

	switch connected {
	case len(members):
		return types.StatusConnected
	case 0:
		return types.StatusDisconnected
	default:
		return types.StatusPartial
	}
}

func compositeSubset(members []Member) []Member {
	var subset []Member
	for _, m := range members {
		if m.Target().Service != "" {
			subset = append(subset, m)
		}
	}
	return subset
}

// ServiceStatus is one row of the monitored_services attribute exposed on
// host aggregates.
type ServiceStatus struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	LatencyMs *float64 `json:"latency_ms"`
}

// Services builds the per-service breakdown for a set of coordinators,
// recomputed on demand from their latest results.
func Services(members []Member) []ServiceStatus {
	services := make([]ServiceStatus, 0, len(members))
	for _, m := range members {
		target := m.Target()
		name := target.Label()
		if target.Service != "" {
			name = target.Service
		}
		row := ServiceStatus{Name: name, Status: string(m.Status())}
		if last, ok := m.Last(); ok {
			row.LatencyMs = last.LatencyMs
		}
		services = append(services, row)
	}
	return services
}

// CompositeServices is Services restricted to the composite subset.
func CompositeServices(members []Member) []ServiceStatus {
	return Services(compositeSubset(members))
}
