package probe

import (
	"context"
	"math"
	"sync"

	"github.com/connmonhq/connmon/pkg/types"
)

// composite probes every port in the fixed service map concurrently and
// reports a single result: connected only when all ports answered, latency as
// the mean over the successful probes (0 when none succeeded), and the full
// per-port breakdown for diagnostics. Each port probe carries its own connect
// timeout, so the whole composite is bounded by ConnectTimeout.
func (p *Prober) composite(ctx context.Context, ip string, target types.Target) types.ProbeResult {
	result := types.ProbeResult{
		TargetID:   target.ID(),
		Timestamp:  p.now().UTC(),
		ResolvedIP: ip,
		PerPort:    make(map[uint16]types.PortResult, len(p.compositePorts)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for port, service := range p.compositePorts {
		wg.Add(1)
		go func(port uint16, service string) {
			defer wg.Done()
			connected, latency := p.connect(ctx, "tcp", ip, port)
			mu.Lock()
			result.PerPort[port] = types.PortResult{
				Service:   service,
				Connected: connected,
				LatencyMs: latency,
			}
			mu.Unlock()
		}(port, service)
	}
	wg.Wait()

	allConnected := true
	var sum float64
	var successes int
	for _, pr := range result.PerPort {
		if !pr.Connected {
			allConnected = false
			continue
		}
		if pr.LatencyMs != nil {
			sum += *pr.LatencyMs
			successes++
		}
	}

	result.Connected = allConnected && len(result.PerPort) > 0
	mean := 0.0
	if successes > 0 {
		mean = math.Round(sum/float64(successes)*100) / 100
	}
	result.LatencyMs = types.LatencyPtr(mean)
	return result
}
