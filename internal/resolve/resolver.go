package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ErrResolutionFailed covers every DNS failure mode: transport errors,
// non-success response codes, and empty answer sets. Callers treat the target
// as unreachable for the cycle and retry on the next tick.
var ErrResolutionFailed = errors.New("resolution failed")

const (
	queryTimeout = 2 * time.Second
	lifetime     = 4 * time.Second
)

type exchangeFunc func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, time.Duration, error)

// Resolver answers hostname lookups against one configured DNS server.
// Literal IP inputs bypass the network entirely.
type Resolver struct {
	server   string
	exchange exchangeFunc
}

// Dependencies allow tests to stub the wire exchange.
type Dependencies struct {
	Exchange exchangeFunc
}

// New builds a resolver for the given DNS server address. A bare IP gets the
// standard port appended.
func New(server string, deps Dependencies) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	exchange := deps.Exchange
	if exchange == nil {
		client := &dns.Client{Timeout: queryTimeout}
		exchange = client.ExchangeContext
	}

	return &Resolver{server: server, exchange: exchange}
}

// Resolve maps a hostname to an IP address string. Literal IPv4/IPv6 inputs
// are returned unchanged without any DNS traffic. Otherwise an A lookup runs
// against the configured server with a per-query timeout and an overall
// lifetime; the first A answer wins.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lifetime)
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	// The lifetime budget allows one retry after a failed query; each attempt
	// is bounded by the per-query timeout.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, _, err := r.exchange(ctx, msg, r.server)
		if err == nil {
			return firstA(hostname, resp)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s: %v", ErrResolutionFailed, hostname, lastErr)
		default:
		}
	}
	return "", fmt.Errorf("%w: %s: %v", ErrResolutionFailed, hostname, lastErr)
}

func firstA(hostname string, resp *dns.Msg) (string, error) {
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%w: %s: %s", ErrResolutionFailed, hostname, dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s: empty answer", ErrResolutionFailed, hostname)
}
