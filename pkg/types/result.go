package types

import (
	"math"
	"time"
)

// PortResult is the outcome of a single port probe inside a composite check.
type PortResult struct {
	Service   string   `json:"service,omitempty"`
	Connected bool     `json:"connected"`
	LatencyMs *float64 `json:"latency_ms"`
}

// ProbeResult is the outcome of one poll of one target. Results are produced
// fresh on every tick and replaced wholesale, never mutated in place.
type ProbeResult struct {
	TargetID   string    `json:"target_id"`
	Timestamp  time.Time `json:"ts"`
	Connected  bool      `json:"connected"`
	LatencyMs  *float64  `json:"latency_ms"`
	ResolvedIP string    `json:"resolved_ip,omitempty"`
	MACAddress string    `json:"mac_address,omitempty"`

	// PerPort carries the per-port breakdown for composite probes only.
	PerPort map[uint16]PortResult `json:"per_port,omitempty"`
}

// RoundLatency converts a measured duration to milliseconds rounded to two
// decimal places, the precision every surfaced latency uses.
func RoundLatency(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}

// LatencyPtr is a convenience for building optional latency fields.
func LatencyPtr(v float64) *float64 {
	return &v
}
