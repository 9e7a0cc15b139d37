package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func answerWith(ips ...string) exchangeFunc {
	return func(_ context.Context, msg *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
		resp := new(dns.Msg)
		resp.SetReply(msg)
		for _, ip := range ips {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: msg.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		return resp, 0, nil
	}
}

func TestResolveLiteralIPSkipsDNS(t *testing.T) {
	calls := 0
	r := New("1.1.1.1", Dependencies{
		Exchange: func(_ context.Context, msg *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
			calls++
			return nil, 0, errors.New("should not be called")
		},
	})

	for _, literal := range []string{"10.0.0.5", "192.0.2.1", "2001:db8::1", "::1"} {
		got, err := r.Resolve(context.Background(), literal)
		if err != nil {
			t.Fatalf("Resolve(%s) returned error: %v", literal, err)
		}
		if got != literal {
			t.Fatalf("Resolve(%s) = %s, want input unchanged", literal, got)
		}
	}
	if calls != 0 {
		t.Fatalf("expected zero DNS calls for literal IPs, got %d", calls)
	}
}

func TestResolveReturnsFirstAnswer(t *testing.T) {
	r := New("10.0.0.53", Dependencies{Exchange: answerWith("198.51.100.7", "198.51.100.8")})

	got, err := r.Resolve(context.Background(), "fileserver.corp.example")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "198.51.100.7" {
		t.Fatalf("expected first answer, got %s", got)
	}
}

func TestResolveEmptyAnswerFails(t *testing.T) {
	r := New("10.0.0.53", Dependencies{Exchange: answerWith()})

	_, err := r.Resolve(context.Background(), "ghost.corp.example")
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
}

func TestResolveServerFailureRcode(t *testing.T) {
	r := New("10.0.0.53", Dependencies{
		Exchange: func(_ context.Context, msg *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
			resp := new(dns.Msg)
			resp.SetReply(msg)
			resp.Rcode = dns.RcodeNameError
			return resp, 0, nil
		},
	})

	_, err := r.Resolve(context.Background(), "nxdomain.corp.example")
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
}

func TestResolveRetriesOnceThenFails(t *testing.T) {
	calls := 0
	r := New("10.0.0.53", Dependencies{
		Exchange: func(context.Context, *dns.Msg, string) (*dns.Msg, time.Duration, error) {
			calls++
			return nil, 0, fmt.Errorf("i/o timeout")
		},
	})

	_, err := r.Resolve(context.Background(), "flaky.corp.example")
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("expected ErrResolutionFailed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 attempts), got %d", calls)
	}
}

func TestNewAppendsDefaultPort(t *testing.T) {
	var seenServer string
	r := New("10.0.0.53", Dependencies{
		Exchange: func(_ context.Context, msg *dns.Msg, server string) (*dns.Msg, time.Duration, error) {
			seenServer = server
			return answerWith("198.51.100.7")(context.Background(), msg, server)
		},
	})

	if _, err := r.Resolve(context.Background(), "host.corp.example"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if seenServer != "10.0.0.53:53" {
		t.Fatalf("expected default port appended, got %s", seenServer)
	}
}
