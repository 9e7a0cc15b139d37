package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/connmonhq/connmon/pkg/types"
)

func listenTCP(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return ln, uint16(port)
}

// closedPort reserves an ephemeral port and closes the listener so connects
// to it are refused.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

func TestProbeTCPConnect(t *testing.T) {
	_, port := listenTCP(t)
	p := New(Dependencies{})

	target := types.Target{Host: "127.0.0.1", Protocol: types.ProtocolTCP, Port: port}
	result := p.Probe(context.Background(), "127.0.0.1", target)

	if !result.Connected {
		t.Fatalf("expected connected result")
	}
	if result.LatencyMs == nil || *result.LatencyMs < 0 {
		t.Fatalf("expected measured latency, got %v", result.LatencyMs)
	}
	if result.ResolvedIP != "127.0.0.1" {
		t.Fatalf("unexpected resolved ip: %s", result.ResolvedIP)
	}
}

func TestProbeTCPRefused(t *testing.T) {
	port := closedPort(t)
	p := New(Dependencies{})

	target := types.Target{Host: "127.0.0.1", Protocol: types.ProtocolTCP, Port: port}
	result := p.Probe(context.Background(), "127.0.0.1", target)

	if result.Connected {
		t.Fatalf("expected refused connect to report disconnected")
	}
	if result.LatencyMs != nil {
		t.Fatalf("expected nil latency on failure, got %v", *result.LatencyMs)
	}
}

func TestProbeTimeoutYieldsDisconnected(t *testing.T) {
	p := New(Dependencies{
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	target := types.Target{Host: "203.0.113.9", Protocol: types.ProtocolTCP, Port: 22}

	start := time.Now()
	result := p.Probe(context.Background(), "203.0.113.9", target)
	elapsed := time.Since(start)

	if result.Connected || result.LatencyMs != nil {
		t.Fatalf("expected disconnected with nil latency, got %+v", result)
	}
	if elapsed > ConnectTimeout+time.Second {
		t.Fatalf("probe exceeded its timeout bound: %v", elapsed)
	}
}

func TestProbeUDPLocalConnect(t *testing.T) {
	p := New(Dependencies{})

	// UDP connect succeeds locally even with nothing listening; that is the
	// documented weak-signal semantics.
	target := types.Target{Host: "127.0.0.1", Protocol: types.ProtocolUDP, Port: 59999}
	result := p.Probe(context.Background(), "127.0.0.1", target)

	if !result.Connected {
		t.Fatalf("expected UDP local connect to report connected")
	}
	if result.LatencyMs == nil {
		t.Fatalf("expected latency measurement")
	}
}

func TestProbeICMP(t *testing.T) {
	p := New(Dependencies{
		Ping: func(context.Context, string) (time.Duration, bool) {
			return 1500 * time.Microsecond, true
		},
	})

	target := types.Target{Host: "192.0.2.1", Protocol: types.ProtocolICMP}
	result := p.Probe(context.Background(), "192.0.2.1", target)

	if !result.Connected {
		t.Fatalf("expected echo reply to report connected")
	}
	if result.LatencyMs == nil || *result.LatencyMs != 1.5 {
		t.Fatalf("expected 1.5ms latency, got %v", result.LatencyMs)
	}
}

func TestProbeICMPNoReply(t *testing.T) {
	p := New(Dependencies{
		Ping: func(ctx context.Context, _ string) (time.Duration, bool) {
			return 0, false
		},
	})

	target := types.Target{Host: "192.0.2.1", Protocol: types.ProtocolICMP}
	result := p.Probe(context.Background(), "192.0.2.1", target)

	if result.Connected || result.LatencyMs != nil {
		t.Fatalf("expected disconnected with nil latency, got %+v", result)
	}
}

func TestProbeCompositeAllPortsAnswer(t *testing.T) {
	_, p1 := listenTCP(t)
	_, p2 := listenTCP(t)

	p := New(Dependencies{CompositePorts: map[uint16]string{p1: "Kerberos", p2: "LDAP"}})

	target := types.Target{Host: "127.0.0.1", Protocol: types.ProtocolADDC}
	result := p.Probe(context.Background(), "127.0.0.1", target)

	if !result.Connected {
		t.Fatalf("expected composite connected when all ports answer")
	}
	if len(result.PerPort) != 2 {
		t.Fatalf("expected per-port breakdown for 2 ports, got %d", len(result.PerPort))
	}
	if result.LatencyMs == nil || *result.LatencyMs < 0 {
		t.Fatalf("expected mean latency, got %v", result.LatencyMs)
	}
}

func TestProbeCompositeOneFailingPort(t *testing.T) {
	_, p1 := listenTCP(t)
	_, p2 := listenTCP(t)
	dead := closedPort(t)

	p := New(Dependencies{CompositePorts: map[uint16]string{p1: "Kerberos", p2: "LDAP", dead: "SMB"}})

	target := types.Target{Host: "127.0.0.1", Protocol: types.ProtocolADDC}
	result := p.Probe(context.Background(), "127.0.0.1", target)

	if result.Connected {
		t.Fatalf("composite must require all ports to answer")
	}

	failing, ok := result.PerPort[dead]
	if !ok {
		t.Fatalf("per-port breakdown missing failing port")
	}
	if failing.Connected || failing.LatencyMs != nil {
		t.Fatalf("failing port should be disconnected with nil latency: %+v", failing)
	}
	for _, port := range []uint16{p1, p2} {
		pr := result.PerPort[port]
		if !pr.Connected || pr.LatencyMs == nil {
			t.Fatalf("port %d should have succeeded with a latency: %+v", port, pr)
		}
	}
	if result.LatencyMs == nil {
		t.Fatalf("expected mean latency over the successful ports")
	}
}

func TestProbeCompositeNoneAnswerFallsBackToZero(t *testing.T) {
	p := New(Dependencies{
		CompositePorts: map[uint16]string{445: "SMB", 389: "LDAP"},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("host unreachable")
		},
	})

	target := types.Target{Host: "10.0.0.9", Protocol: types.ProtocolADDC}
	result := p.Probe(context.Background(), "10.0.0.9", target)

	if result.Connected {
		t.Fatalf("expected disconnected composite")
	}
	if result.LatencyMs == nil || *result.LatencyMs != 0 {
		t.Fatalf("expected zero mean latency when no port succeeded, got %v", result.LatencyMs)
	}
}
