package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/connmonhq/connmon/internal/logging"
	"github.com/connmonhq/connmon/pkg/types"
)

const (
	// ConnectTimeout bounds a single TCP or UDP connect attempt.
	ConnectTimeout = 5 * time.Second
	// PingTimeout bounds a single ICMP echo round trip.
	PingTimeout = 2 * time.Second
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type pingFunc func(ctx context.Context, ip string) (time.Duration, bool)

// Prober executes one connectivity check against an already-resolved IP.
// Probe failures are data, never errors: every outcome is a ProbeResult.
type Prober struct {
	dial           dialFunc
	ping           pingFunc
	compositePorts map[uint16]string
	now            func() time.Time
	logger         zerolog.Logger
}

// Dependencies allow tests to stub the network and the clock.
type Dependencies struct {
	Dial           dialFunc
	Ping           pingFunc
	CompositePorts map[uint16]string
	Now            func() time.Time
	Logger         *zerolog.Logger
}

func New(deps Dependencies) *Prober {
	dial := deps.Dial
	if dial == nil {
		dialer := &net.Dialer{}
		dial = dialer.DialContext
	}
	ping := deps.Ping
	if ping == nil {
		ping = icmpEcho
	}
	ports := deps.CompositePorts
	if ports == nil {
		ports = types.ADDCServices
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Discard()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	return &Prober{dial: dial, ping: ping, compositePorts: ports, now: now, logger: logger}
}

// Probe runs the check appropriate for the target's protocol against ip.
func (p *Prober) Probe(ctx context.Context, ip string, target types.Target) types.ProbeResult {
	result := types.ProbeResult{
		TargetID:   target.ID(),
		Timestamp:  p.now().UTC(),
		ResolvedIP: ip,
	}

	switch target.Protocol {
	case types.ProtocolTCP:
		result.Connected, result.LatencyMs = p.connect(ctx, "tcp", ip, target.Port)
	case types.ProtocolUDP:
		// UDP "connect" only binds a destination, it does not handshake. A
		// success here means the local stack accepted the destination, not
		// that the remote end listens. Kept as the documented weak signal.
		result.Connected, result.LatencyMs = p.connect(ctx, "udp", ip, target.Port)
	case types.ProtocolICMP:
		result.Connected, result.LatencyMs = p.echo(ctx, ip)
	case types.ProtocolADDC:
		return p.composite(ctx, ip, target)
	default:
		p.logger.Debug().Str("target", target.ID()).Str("protocol", string(target.Protocol)).
			Msg("no prober for protocol")
	}
	return result
}

func (p *Prober) connect(ctx context.Context, network, ip string, port uint16) (bool, *float64) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	address := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	start := time.Now()
	conn, err := p.dial(ctx, network, address)
	if err != nil {
		p.logger.Debug().Err(err).Str("network", network).Str("address", address).
			Msg("connect failed")
		return false, nil
	}
	latency := types.RoundLatency(time.Since(start))
	_ = conn.Close()
	return true, &latency
}

func (p *Prober) echo(ctx context.Context, ip string) (bool, *float64) {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()

	rtt, ok := p.ping(ctx, ip)
	if !ok {
		p.logger.Debug().Str("ip", ip).Msg("no echo reply")
		return false, nil
	}
	latency := types.RoundLatency(rtt)
	return true, &latency
}
